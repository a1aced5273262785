package realtime

import (
	"context"
	"fmt"
	"sync"

	model "auction-engine/internal/models"
	"auction-engine/utils"

	log "github.com/sirupsen/logrus"
)

// SnapshotLoader reads the committed state of an auction
type SnapshotLoader interface {
	LoadAuction(ctx context.Context, auctionID string) (model.Auction, error)
}

// Locker is the per-auction serialization point shared with the bid ledger
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Subscriber is one observer connection. Its channel is closed when the hub
// drops it, either on Leave or because its buffer overflowed.
type Subscriber struct {
	id     string
	userID string
	events chan Event

	// guarded by the owning group's mutex
	lastSeq int64
	closed  bool
}

// ID returns the subscriber's unique id
func (s *Subscriber) ID() string { return s.id }

// UserID returns the id of the user behind the connection
func (s *Subscriber) UserID() string { return s.userID }

// Events returns the ordered stream of events for this subscriber
func (s *Subscriber) Events() <-chan Event { return s.events }

type group struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// Hub maintains per-auction subscriber groups and delivers events to them.
// Delivery never blocks: a subscriber whose buffer is full is evicted.
type Hub struct {
	loader     SnapshotLoader
	locker     Locker
	bufferSize int
	logger     log.FieldLogger

	mu     sync.RWMutex
	groups map[string]*group
}

// NewHub creates a hub. bufferSize bounds each subscriber's pending events.
func NewHub(loader SnapshotLoader, locker Locker, bufferSize int, logger log.FieldLogger) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		loader:     loader,
		locker:     locker,
		bufferSize: bufferSize,
		logger:     logger.WithField("component", "realtime"),
		groups:     make(map[string]*group),
	}
}

// NewSubscriber allocates a subscriber for userID
func (h *Hub) NewSubscriber(userID string) *Subscriber {
	return &Subscriber{
		id:     utils.GenerateID(),
		userID: userID,
		events: make(chan Event, h.bufferSize),
	}
}

// Join adds sub to the auction's group and immediately sends it the current
// snapshot. It runs under the auction's serialization point so the snapshot and
// the subsequent deltas line up.
func (h *Hub) Join(ctx context.Context, auctionID string, sub *Subscriber) error {
	unlock, err := h.locker.Lock(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("join auction %s: %w", auctionID, err)
	}
	defer unlock()

	a, err := h.loader.LoadAuction(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("join auction %s: %w", auctionID, err)
	}

	h.mu.Lock()
	g, ok := h.groups[auctionID]
	if !ok {
		g = &group{subs: make(map[*Subscriber]struct{})}
		h.groups[auctionID] = g
	}
	g.mu.Lock()
	h.mu.Unlock()
	defer g.mu.Unlock()

	g.subs[sub] = struct{}{}
	sub.lastSeq = a.Version
	count := len(g.subs)

	h.send(auctionID, g, sub, joinedEvent(auctionID, count))
	h.send(auctionID, g, sub, SnapshotEvent(a))

	joined := presenceEvent(EventUserJoined, auctionID, count)
	for other := range g.subs {
		if other != sub {
			h.send(auctionID, g, other, joined)
		}
	}

	h.logger.WithFields(log.Fields{
		"auction_id":    auctionID,
		"subscriber_id": sub.id,
		"user_id":       sub.userID,
		"observers":     count,
	}).Debug("subscriber joined")
	return nil
}

// Leave removes sub from the auction's group. It is safe to call for a
// subscriber that was already evicted.
func (h *Hub) Leave(auctionID string, sub *Subscriber) {
	h.mu.Lock()
	g, ok := h.groups[auctionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	g.mu.Lock()
	_, present := g.subs[sub]
	if present {
		delete(g.subs, sub)
		closeSubscriber(sub)
	}
	if len(g.subs) == 0 {
		delete(h.groups, auctionID)
	}
	h.mu.Unlock()
	defer g.mu.Unlock()

	if !present {
		return
	}
	left := presenceEvent(EventUserLeft, auctionID, len(g.subs))
	for other := range g.subs {
		h.send(auctionID, g, other, left)
	}
	h.logger.WithFields(log.Fields{
		"auction_id":    auctionID,
		"subscriber_id": sub.id,
		"observers":     len(g.subs),
	}).Debug("subscriber left")
}

// Publish delivers ev to every current subscriber of the auction, the
// originator of the change included.
func (h *Hub) Publish(_ context.Context, auctionID string, ev Event) {
	h.mu.RLock()
	g, ok := h.groups[auctionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	before := len(g.subs)
	for sub := range g.subs {
		h.send(auctionID, g, sub, ev)
	}
	if evicted := before - len(g.subs); evicted > 0 {
		left := presenceEvent(EventUserLeft, auctionID, len(g.subs))
		for sub := range g.subs {
			h.send(auctionID, g, sub, left)
		}
	}
}

// SendTo delivers ev to a single subscriber, bypassing the group fan-out
func (h *Hub) SendTo(auctionID string, sub *Subscriber, ev Event) {
	h.mu.RLock()
	g, ok := h.groups[auctionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, member := g.subs[sub]; member {
		h.send(auctionID, g, sub, ev)
	}
}

// ObserverCount returns the number of subscribers of an auction
func (h *Hub) ObserverCount(auctionID string) int {
	h.mu.RLock()
	g, ok := h.groups[auctionID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// send must be called with g.mu held
func (h *Hub) send(auctionID string, g *group, sub *Subscriber, ev Event) {
	if sub.closed {
		return
	}
	if ev.Seq > 0 {
		if ev.Seq <= sub.lastSeq {
			return
		}
		sub.lastSeq = ev.Seq
	}
	select {
	case sub.events <- ev:
	default:
		delete(g.subs, sub)
		closeSubscriber(sub)
		h.logger.WithFields(log.Fields{
			"auction_id":    auctionID,
			"subscriber_id": sub.id,
			"event":         ev.Type,
		}).Warn("evicting slow subscriber")
	}
}

func closeSubscriber(sub *Subscriber) {
	if !sub.closed {
		sub.closed = true
		close(sub.events)
	}
}
