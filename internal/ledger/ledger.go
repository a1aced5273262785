// Package ledger accepts or rejects bids. All submissions for one auction run
// through its serialization point, and every accepted bid is committed with a
// version check before anyone is told about it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auction-engine/internal/biddingerrors"
	model "auction-engine/internal/models"
	"auction-engine/internal/realtime"
	"auction-engine/internal/repository"
	"auction-engine/utils"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "auction-engine/ledger"

// DefaultMaxAttempts bounds the read-validate-commit cycle on version conflicts
const DefaultMaxAttempts = 5

// Locker is the per-auction serialization point
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Notifier receives accepted bids for user notifications
type Notifier interface {
	BidAccepted(ctx context.Context, a model.Auction, bid model.Bid, previousBidderID string)
}

// Result is what an accepted bid produced
type Result struct {
	Bid              model.Bid      `json:"bid"`
	PreviousBidderID string         `json:"previous_bidder_id,omitempty"`
	Snapshot         model.Snapshot `json:"snapshot"`
}

// Option customises a BidLedger
type Option func(*BidLedger)

// WithClock replaces the wall clock used for time windows and bid timestamps
func WithClock(now func() time.Time) Option {
	return func(l *BidLedger) { l.now = now }
}

// WithTracerProvider sets where ledger spans go. The global provider is the default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *BidLedger) { l.tracer = tp.Tracer(tracerName) }
}

// WithMaxAttempts bounds retries after a version conflict
func WithMaxAttempts(n int) Option {
	return func(l *BidLedger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// BidLedger is the serialized bid acceptance path
type BidLedger struct {
	store       repository.AuctionStore
	locker      Locker
	publisher   realtime.Publisher
	notifier    Notifier
	logger      log.FieldLogger
	tracer      trace.Tracer
	maxAttempts int
	now         func() time.Time
}

// New creates a ledger. publisher and notifier may be nil.
func New(store repository.AuctionStore, locker Locker, publisher realtime.Publisher, notifier Notifier, logger log.FieldLogger, opts ...Option) *BidLedger {
	if logger == nil {
		logger = log.StandardLogger()
	}
	l := &BidLedger{
		store:       store,
		locker:      locker,
		publisher:   publisher,
		notifier:    notifier,
		logger:      logger.WithField("component", "ledger"),
		tracer:      otel.GetTracerProvider().Tracer(tracerName),
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Submit validates and commits a bid. Validation failures are returned with the
// violated threshold in the message; a version conflict is retried against a
// fresh read and surfaces as ErrBusy once attempts run out.
func (l *BidLedger) Submit(ctx context.Context, auctionID string, bidder model.User, amount int64) (Result, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Submit", trace.WithAttributes(
		attribute.String("auction.id", auctionID),
		attribute.String("bidder.id", bidder.UserID),
		attribute.Int64("bid.amount", amount),
	))
	defer span.End()

	res, attempts, err := l.submit(ctx, auctionID, bidder, amount)
	span.SetAttributes(attribute.Int("ledger.attempts", attempts))
	if err != nil {
		span.SetAttributes(attribute.String("error.kind", biddingerrors.Kind(err)))
		span.SetStatus(codes.Error, err.Error())
		l.logRejection(auctionID, bidder, amount, err)
		return Result{}, err
	}
	return res, nil
}

func (l *BidLedger) submit(ctx context.Context, auctionID string, bidder model.User, amount int64) (Result, int, error) {
	unlock, err := l.locker.Lock(ctx, auctionID)
	if err != nil {
		return Result{}, 0, fmt.Errorf("place bid on %s: %w", auctionID, err)
	}
	defer unlock()

	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		current, err := l.store.LoadAuction(ctx, auctionID)
		if err != nil {
			return Result{}, attempt, err
		}

		now := l.now()
		if err := validate(current, bidder, amount, now); err != nil {
			return Result{}, attempt, err
		}

		bid := model.Bid{
			BidID:      utils.GenerateID(),
			AuctionID:  auctionID,
			BidderID:   bidder.UserID,
			BidderName: bidder.Username,
			Amount:     amount,
			CreatedAt:  now,
		}
		updated, err := l.store.CommitBid(ctx, current.Version, bid)
		if errors.Is(err, biddingerrors.ErrVersionConflict) {
			l.logger.WithFields(log.Fields{
				"auction_id": auctionID,
				"version":    current.Version,
				"attempt":    attempt,
			}).Debug("version conflict, retrying bid")
			continue
		}
		if err != nil {
			return Result{}, attempt, err
		}

		bid.IsWinning = true
		previous := current.HighestBidderID

		// still under the auction's lock so events leave in commit order
		if l.publisher != nil {
			l.publisher.Publish(ctx, auctionID, realtime.NewBidEvent(updated, bid))
		}
		if l.notifier != nil {
			l.notifier.BidAccepted(ctx, updated, bid, previous)
		}

		l.logger.WithFields(log.Fields{
			"auction_id": auctionID,
			"bid_id":     bid.BidID,
			"bidder_id":  bidder.UserID,
			"amount":     amount,
			"version":    updated.Version,
		}).Info("bid accepted")

		return Result{
			Bid:              bid,
			PreviousBidderID: previous,
			Snapshot:         model.SnapshotOf(updated),
		}, attempt, nil
	}

	return Result{}, l.maxAttempts, fmt.Errorf("place bid on %s: %d version conflicts: %w", auctionID, l.maxAttempts, biddingerrors.ErrBusy)
}

// validate checks a bid against the auction it targets, most fundamental rule first
func validate(a model.Auction, bidder model.User, amount int64, now time.Time) error {
	if a.Status != model.StatusActive {
		return fmt.Errorf("%w: auction is %s", biddingerrors.ErrAuctionNotActive, a.Status)
	}
	if !a.AcceptsBidsAt(now) {
		if now.Before(a.StartTime) {
			return fmt.Errorf("%w: bidding opens at %s", biddingerrors.ErrAuctionNotActive, a.StartTime.UTC().Format(time.RFC3339))
		}
		return fmt.Errorf("%w: bidding closed at %s", biddingerrors.ErrAuctionNotActive, a.EndTime.UTC().Format(time.RFC3339))
	}
	if bidder.UserID == a.SellerID {
		return biddingerrors.ErrSelfBidForbidden
	}
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be a positive whole number", biddingerrors.ErrInvalidAmount)
	}
	if amount <= a.CurrentBid {
		return fmt.Errorf("%w: must exceed %d", biddingerrors.ErrBidTooLow, a.CurrentBid)
	}
	return nil
}

func (l *BidLedger) logRejection(auctionID string, bidder model.User, amount int64, err error) {
	entry := l.logger.WithFields(log.Fields{
		"auction_id": auctionID,
		"bidder_id":  bidder.UserID,
		"amount":     amount,
		"kind":       biddingerrors.Kind(err),
		"error":      err.Error(),
	})
	switch {
	case biddingerrors.Retryable(err):
		entry.Warn("bid not processed")
	case biddingerrors.Kind(err) == "Internal":
		entry.Error("bid failed")
	default:
		entry.Debug("bid rejected")
	}
}
