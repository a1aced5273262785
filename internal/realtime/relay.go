package realtime

import (
	"context"
	"time"

	"auction-engine/utils"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	relayOutboxSize     = 1024
	relayPublishTimeout = 2 * time.Second
)

type relayEnvelope struct {
	Origin    string `json:"origin"`
	AuctionID string `json:"auctionId"`
	Event     Event  `json:"event"`
}

// RedisRelay fans events out to hubs running in other instances through a
// Redis Pub/Sub channel. Local subscribers are served directly by the hub;
// messages that come back with this relay's origin are ignored.
//
// Remote publishes are queued on a bounded outbox drained by a single
// goroutine started in Run, so a slow or unreachable Redis never holds up
// the caller. Events are dropped with a warning while the outbox is full.
type RedisRelay struct {
	hub     *Hub
	rc      *redis.Client
	channel string
	origin  string
	outbox  chan relayEnvelope
	logger  log.FieldLogger
}

// NewRedisRelay wraps hub so that every publish is also relayed on channel
func NewRedisRelay(hub *Hub, rc *redis.Client, channel string, logger log.FieldLogger) *RedisRelay {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisRelay{
		hub:     hub,
		rc:      rc,
		channel: channel,
		origin:  utils.GenerateID(),
		outbox:  make(chan relayEnvelope, relayOutboxSize),
		logger:  logger.WithField("component", "relay"),
	}
}

// Publish delivers ev locally and queues it for the other instances.
// It never blocks on Redis and a relay failure never surfaces to the caller.
func (r *RedisRelay) Publish(ctx context.Context, auctionID string, ev Event) {
	r.hub.Publish(ctx, auctionID, ev)

	select {
	case r.outbox <- relayEnvelope{Origin: r.origin, AuctionID: auctionID, Event: ev}:
	default:
		r.logger.WithFields(log.Fields{
			"auction_id": auctionID,
			"event":      ev.Type,
			"seq":        ev.Seq,
		}).Warn("relay outbox full, dropping event")
	}
}

// Run forwards queued events and consumes relayed ones until ctx is done,
// resubscribing when the Pub/Sub channel closes.
func (r *RedisRelay) Run(ctx context.Context) {
	go r.forward(ctx)

	for {
		sub := r.rc.Subscribe(ctx, r.channel)
		r.consume(ctx, sub.Channel())
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("relay channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// forward is the only writer to the Pub/Sub channel, which keeps the
// per-process publish order.
func (r *RedisRelay) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.outbox:
			r.send(ctx, env)
		}
	}
}

func (r *RedisRelay) send(ctx context.Context, env relayEnvelope) {
	data, err := sonic.Marshal(env)
	if err != nil {
		r.logger.WithError(err).Error("marshal relay envelope")
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayPublishTimeout)
	defer cancel()
	if err := r.rc.Publish(pubCtx, r.channel, data).Err(); err != nil {
		r.logger.WithFields(log.Fields{
			"auction_id": env.AuctionID,
			"event":      env.Event.Type,
			"error":      err.Error(),
		}).Warn("relay publish failed")
	}
}

func (r *RedisRelay) consume(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env relayEnvelope
			if err := sonic.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.WithError(err).Error("unable to parse relayed event")
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			r.hub.Publish(ctx, env.AuctionID, env.Event)
		}
	}
}
