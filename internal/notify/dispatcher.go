package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	model "auction-engine/internal/models"
	"auction-engine/utils"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Options tunes the dispatcher's queue, workers and retry policy
type Options struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	BreakerLimit   int
	BreakerCooloff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	if o.BreakerLimit <= 0 {
		o.BreakerLimit = 5
	}
	if o.BreakerCooloff <= 0 {
		o.BreakerCooloff = 30 * time.Second
	}
	return o
}

// Dispatcher queues notification records and writes them to a sink from a
// fixed pool of workers. Enqueueing never blocks; a full queue drops the record.
type Dispatcher struct {
	sink    Sink
	opts    Options
	queue   chan Notification
	breaker *gobreaker.CircuitBreaker
	logger  log.FieldLogger
	now     func() time.Time

	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool
}

// NewDispatcher creates a dispatcher writing to sink. Call Start to run workers.
func NewDispatcher(sink Sink, opts Options, logger log.FieldLogger) *Dispatcher {
	if logger == nil {
		logger = log.StandardLogger()
	}
	opts = opts.withDefaults()
	logger = logger.WithField("component", "notify")
	return &Dispatcher{
		sink:    sink,
		opts:    opts,
		queue:   make(chan Notification, opts.QueueSize),
		breaker: newBreaker(opts, logger),
		logger:  logger,
		now:     time.Now,
	}
}

// newBreaker trips after BreakerLimit consecutive failed writes and lets a
// single write through once BreakerCooloff has passed.
func newBreaker(opts Options, logger log.FieldLogger) *gobreaker.CircuitBreaker {
	limit := uint32(opts.BreakerLimit)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notification-sink",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooloff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= limit
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			entry := logger.WithFields(log.Fields{"breaker": name, "from": from.String()})
			if to == gobreaker.StateOpen {
				entry.Warn("notification sink breaker open")
				return
			}
			entry.Infof("notification sink breaker %s", to)
		},
	})
}

// Start launches the workers. They stop once ctx is done; Wait blocks until then.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if d.started {
		return
	}
	d.started = true

	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.work(ctx)
		}()
	}
}

// Wait blocks until all workers have exited
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch enqueues a single record. It is fire-and-forget for the caller.
func (d *Dispatcher) Dispatch(userID string, t Type, title, message, auctionID, bidID string) {
	if userID == "" {
		return
	}
	n := Notification{
		ID:        utils.GenerateID(),
		UserID:    userID,
		Type:      t,
		Title:     title,
		Message:   message,
		AuctionID: auctionID,
		BidID:     bidID,
		CreatedAt: d.now().UTC(),
	}
	select {
	case d.queue <- n:
	default:
		d.logger.WithFields(log.Fields{
			"user_id":    userID,
			"type":       t,
			"auction_id": auctionID,
		}).Warn("notification queue full, dropping record")
	}
}

// BidAccepted notifies the previous top bidder that they were outbid and the
// seller that a bid came in.
func (d *Dispatcher) BidAccepted(_ context.Context, a model.Auction, bid model.Bid, previousBidderID string) {
	if previousBidderID != "" && previousBidderID != bid.BidderID {
		d.Dispatch(previousBidderID, TypeOutbid, "You have been outbid",
			fmt.Sprintf("Someone bid %d on %q. Bid again to stay in the lead.", bid.Amount, a.Title),
			a.AuctionID, bid.BidID)
	}
	d.Dispatch(a.SellerID, TypeBidReceived, "New bid received",
		fmt.Sprintf("%s bid %d on %q.", displayName(bid), bid.Amount, a.Title),
		a.AuctionID, bid.BidID)
}

// AuctionCompleted notifies the winner, the seller and every losing bidder.
// Without a winner only the seller hears about it.
func (d *Dispatcher) AuctionCompleted(_ context.Context, a model.Auction, bidderIDs []string) {
	if a.WinnerID == nil {
		d.Dispatch(a.SellerID, TypeAuctionCompleted, "Auction ended",
			fmt.Sprintf("%q ended without any bids.", a.Title), a.AuctionID, "")
		return
	}

	winner := *a.WinnerID
	d.Dispatch(winner, TypeAuctionWon, "You won the auction",
		fmt.Sprintf("Your bid of %d won %q.", a.CurrentBid, a.Title), a.AuctionID, a.HighestBidID)
	d.Dispatch(a.SellerID, TypeAuctionCompleted, "Auction completed",
		fmt.Sprintf("%q sold for %d.", a.Title, a.CurrentBid), a.AuctionID, a.HighestBidID)

	for _, id := range bidderIDs {
		if id == winner {
			continue
		}
		d.Dispatch(id, TypeAuctionLost, "Auction ended",
			fmt.Sprintf("%q was won with a bid of %d.", a.Title, a.CurrentBid), a.AuctionID, "")
	}
}

// AuctionCancelled notifies the seller of a cancelled auction
func (d *Dispatcher) AuctionCancelled(_ context.Context, a model.Auction) {
	d.Dispatch(a.SellerID, TypeAuctionCancelled, "Auction cancelled",
		fmt.Sprintf("%q was cancelled.", a.Title), a.AuctionID, "")
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-d.queue:
			d.deliver(ctx, n)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	fields := log.Fields{
		"notification_id": n.ID,
		"user_id":         n.UserID,
		"type":            n.Type,
	}

	attempt := 0
	write := func() error {
		attempt++
		_, err := d.breaker.Execute(func() (interface{}, error) {
			return nil, d.sink.Write(ctx, n)
		})
		if isBreakerRejection(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	onRetry := func(err error, wait time.Duration) {
		d.logger.WithFields(fields).WithError(err).WithFields(log.Fields{
			"attempt":  attempt,
			"retry_in": wait,
		}).Warn("notification write failed")
	}

	err := backoff.RetryNotify(write, d.retryPolicy(ctx), onRetry)
	switch {
	case err == nil:
	case isBreakerRejection(err):
		d.logger.WithFields(fields).Warn("notification sink unavailable, dropping record")
	case ctx.Err() != nil:
	default:
		d.logger.WithFields(fields).WithError(err).WithField("attempt", attempt).Error("notification dropped after retries")
	}
}

func (d *Dispatcher) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(d.opts.BaseBackoff),
		backoff.WithMaxInterval(d.opts.MaxBackoff),
		backoff.WithMultiplier(2),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.opts.MaxAttempts-1)), ctx)
}

func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func displayName(bid model.Bid) string {
	if bid.BidderName != "" {
		return bid.BidderName
	}
	return bid.BidderID
}
