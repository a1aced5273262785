// Package lifecycle owns auction status transitions: activation, completion
// with winner determination, and the two kinds of cancellation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"auction-engine/internal/biddingerrors"
	model "auction-engine/internal/models"
	"auction-engine/internal/realtime"
	"auction-engine/internal/repository"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "auction-engine/lifecycle"

// Locker is the per-auction serialization point
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Notifier receives terminal transitions for user notifications
type Notifier interface {
	AuctionCompleted(ctx context.Context, a model.Auction, bidderIDs []string)
	AuctionCancelled(ctx context.Context, a model.Auction)
}

// Option customises a Machine
type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Machine) { m.tracer = tp.Tracer(tracerName) }
}

func WithMaxAttempts(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// Machine applies lifecycle transitions under the auction's serialization
// point. Every transition is conditioned on the stored version, so a
// duplicate caller elsewhere observes InvalidTransition instead of a second change.
type Machine struct {
	store       repository.AuctionStore
	locker      Locker
	publisher   realtime.Publisher
	notifier    Notifier
	logger      log.FieldLogger
	tracer      trace.Tracer
	maxAttempts int
	now         func() time.Time
}

// New creates a lifecycle machine. publisher and notifier may be nil.
func New(store repository.AuctionStore, locker Locker, publisher realtime.Publisher, notifier Notifier, logger log.FieldLogger, opts ...Option) *Machine {
	if logger == nil {
		logger = log.StandardLogger()
	}
	m := &Machine{
		store:       store,
		locker:      locker,
		publisher:   publisher,
		notifier:    notifier,
		logger:      logger.WithField("component", "lifecycle"),
		tracer:      otel.GetTracerProvider().Tracer(tracerName),
		maxAttempts: 5,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Activate moves an approved pending auction whose start time has come to active
func (m *Machine) Activate(ctx context.Context, auctionID string) (model.Auction, error) {
	return m.ActivateAt(ctx, auctionID, m.now())
}

// ActivateAt is Activate judged against now instead of the machine's clock
func (m *Machine) ActivateAt(ctx context.Context, auctionID string, now time.Time) (model.Auction, error) {
	return m.run(ctx, "lifecycle.Activate", auctionID, func(ctx context.Context) (model.Auction, error) {
		return m.update(ctx, auctionID, func(a *model.Auction) error {
			if err := checkTransition(*a, model.StatusActive); err != nil {
				return err
			}
			if !a.Approved {
				return fmt.Errorf("%w: auction %s awaits approval", biddingerrors.ErrInvalidTransition, a.AuctionID)
			}
			if now.Before(a.StartTime) {
				return fmt.Errorf("%w: auction %s starts at %s", biddingerrors.ErrInvalidTransition, a.AuctionID, a.StartTime.UTC().Format(time.RFC3339))
			}
			a.Status = model.StatusActive
			a.UpdatedAt = now
			return nil
		})
	}, m.announceActive)
}

// Approve records an administrator's approval of a pending auction and
// activates it right away when its start time has already come.
func (m *Machine) Approve(ctx context.Context, auctionID string, actor model.User) (model.Auction, error) {
	if !actor.IsAdmin() {
		return model.Auction{}, fmt.Errorf("approve auction %s: %w", auctionID, biddingerrors.ErrForbidden)
	}
	return m.run(ctx, "lifecycle.Approve", auctionID, func(ctx context.Context) (model.Auction, error) {
		now := m.now()
		return m.update(ctx, auctionID, func(a *model.Auction) error {
			if a.Status != model.StatusPending {
				return fmt.Errorf("%w: auction is %s", biddingerrors.ErrInvalidTransition, a.Status)
			}
			a.Approved = true
			if !now.Before(a.StartTime) {
				a.Status = model.StatusActive
			}
			a.UpdatedAt = now
			return nil
		})
	}, m.announceActive)
}

// Complete finalizes an active auction whose end time has passed. The winner
// is the bidder of the highest amount, the earliest bid winning a tie; an
// auction without bids completes with no winner. Completing an auction that is
// already terminal fails with InvalidTransition and changes nothing.
func (m *Machine) Complete(ctx context.Context, auctionID string) (model.Auction, error) {
	return m.CompleteAt(ctx, auctionID, m.now())
}

// CompleteAt is Complete judged against now, so a sweep that selected the
// auction as expired at now finalizes it by the same instant.
func (m *Machine) CompleteAt(ctx context.Context, auctionID string, now time.Time) (model.Auction, error) {
	var bidders []string
	return m.run(ctx, "lifecycle.Complete", auctionID, func(ctx context.Context) (model.Auction, error) {
		current, err := m.store.LoadAuction(ctx, auctionID)
		if err != nil {
			return model.Auction{}, err
		}
		if err := checkTransition(current, model.StatusCompleted); err != nil {
			return model.Auction{}, err
		}
		if now.Before(current.EndTime) {
			return model.Auction{}, fmt.Errorf("%w: auction %s ends at %s", biddingerrors.ErrInvalidTransition, auctionID, current.EndTime.UTC().Format(time.RFC3339))
		}

		bids, err := m.store.GetBidsByAuction(ctx, auctionID)
		if err != nil && !errors.Is(err, biddingerrors.ErrNoBids) {
			return model.Auction{}, err
		}
		winning, ok := WinningBid(bids)
		bidders = distinctBidders(bids)

		return m.store.CASUpdateAuction(ctx, auctionID, current.Version, func(a *model.Auction) error {
			a.Status = model.StatusCompleted
			a.WinnerID = nil
			if ok {
				winner := winning.BidderID
				a.WinnerID = &winner
				a.HighestBidID = winning.BidID
				a.HighestBidderID = winning.BidderID
				a.HighestBidderName = winning.BidderName
				a.CurrentBid = winning.Amount
			}
			a.UpdatedAt = now
			return nil
		})
	}, func(ctx context.Context, a model.Auction) {
		m.publish(ctx, realtime.AuctionEndedEvent(a))
		if m.notifier != nil {
			m.notifier.AuctionCompleted(ctx, a, bidders)
		}
	})
}

// Cancel is the clean cancellation. A seller may only withdraw a pending
// auction; an admin may also cancel an active one. It is refused once the
// auction has any bid.
func (m *Machine) Cancel(ctx context.Context, auctionID string, actor model.User) (model.Auction, error) {
	return m.run(ctx, "lifecycle.Cancel", auctionID, func(ctx context.Context) (model.Auction, error) {
		now := m.now()
		return m.update(ctx, auctionID, func(a *model.Auction) error {
			if actor.UserID != a.SellerID && !actor.IsAdmin() {
				return fmt.Errorf("cancel auction %s: %w", a.AuctionID, biddingerrors.ErrForbidden)
			}
			if err := checkTransition(*a, model.StatusCancelled); err != nil {
				return err
			}
			if !actor.IsAdmin() && a.Status != model.StatusPending {
				return fmt.Errorf("cancel auction %s: %w - sellers may only cancel pending auctions", a.AuctionID, biddingerrors.ErrForbidden)
			}
			if a.BidCount > 0 {
				return fmt.Errorf("%w: auction has %d bids, only an administrative override can cancel it", biddingerrors.ErrInvalidTransition, a.BidCount)
			}
			a.Status = model.StatusCancelled
			a.UpdatedAt = now
			return nil
		})
	}, m.announceCancelled)
}

// ForceCancel is the administrative override: it cancels a non-terminal
// auction whatever bids it holds.
func (m *Machine) ForceCancel(ctx context.Context, auctionID string, actor model.User) (model.Auction, error) {
	if !actor.IsAdmin() {
		return model.Auction{}, fmt.Errorf("force cancel auction %s: %w", auctionID, biddingerrors.ErrForbidden)
	}
	return m.run(ctx, "lifecycle.ForceCancel", auctionID, func(ctx context.Context) (model.Auction, error) {
		now := m.now()
		return m.update(ctx, auctionID, func(a *model.Auction) error {
			if err := checkTransition(*a, model.StatusCancelled); err != nil {
				return err
			}
			a.Status = model.StatusCancelled
			a.WinnerID = nil
			a.UpdatedAt = now
			return nil
		})
	}, m.announceCancelled)
}

// WinningBid picks the highest amount, earliest timestamp first on a tie
func WinningBid(bids []model.Bid) (model.Bid, bool) {
	if len(bids) == 0 {
		return model.Bid{}, false
	}
	best := bids[0]
	for _, b := range bids[1:] {
		if b.Amount > best.Amount || (b.Amount == best.Amount && b.CreatedAt.Before(best.CreatedAt)) {
			best = b
		}
	}
	return best, true
}

func distinctBidders(bids []model.Bid) []string {
	seen := make(map[string]struct{}, len(bids))
	var out []string
	for _, b := range bids {
		if _, ok := seen[b.BidderID]; ok {
			continue
		}
		seen[b.BidderID] = struct{}{}
		out = append(out, b.BidderID)
	}
	sort.Strings(out)
	return out
}

func checkTransition(a model.Auction, to model.AuctionStatus) error {
	if a.Status.IsTerminal() {
		return fmt.Errorf("%w: auction %s is already %s", biddingerrors.ErrInvalidTransition, a.AuctionID, a.Status)
	}
	if !a.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: auction %s cannot go from %s to %s", biddingerrors.ErrInvalidTransition, a.AuctionID, a.Status, to)
	}
	return nil
}

// update loads the auction and applies mutate conditioned on the version it read
func (m *Machine) update(ctx context.Context, auctionID string, mutate func(*model.Auction) error) (model.Auction, error) {
	current, err := m.store.LoadAuction(ctx, auctionID)
	if err != nil {
		return model.Auction{}, err
	}
	probe := current
	if err := mutate(&probe); err != nil {
		return model.Auction{}, err
	}
	return m.store.CASUpdateAuction(ctx, auctionID, current.Version, mutate)
}

// run takes the auction's lock, retries attempt on version conflicts and, once
// a transition is committed, calls after while the lock is still held.
func (m *Machine) run(ctx context.Context, op, auctionID string, attempt func(context.Context) (model.Auction, error), after func(context.Context, model.Auction)) (model.Auction, error) {
	ctx, span := m.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("auction.id", auctionID)))
	defer span.End()

	a, err := m.locked(ctx, auctionID, attempt, after)
	if err != nil {
		span.SetAttributes(attribute.String("error.kind", biddingerrors.Kind(err)))
		span.SetStatus(codes.Error, err.Error())
		return model.Auction{}, err
	}
	span.SetAttributes(attribute.String("auction.status", string(a.Status)))
	m.logger.WithFields(log.Fields{
		"op":         op,
		"auction_id": auctionID,
		"status":     a.Status,
		"version":    a.Version,
	}).Info("auction transitioned")
	return a, nil
}

func (m *Machine) locked(ctx context.Context, auctionID string, attempt func(context.Context) (model.Auction, error), after func(context.Context, model.Auction)) (model.Auction, error) {
	unlock, err := m.locker.Lock(ctx, auctionID)
	if err != nil {
		return model.Auction{}, fmt.Errorf("transition auction %s: %w", auctionID, err)
	}
	defer unlock()

	for i := 0; i < m.maxAttempts; i++ {
		a, err := attempt(ctx)
		if errors.Is(err, biddingerrors.ErrVersionConflict) {
			m.logger.WithFields(log.Fields{"auction_id": auctionID, "attempt": i + 1}).Debug("version conflict, retrying transition")
			continue
		}
		if err != nil {
			return model.Auction{}, err
		}
		after(ctx, a)
		return a, nil
	}
	return model.Auction{}, fmt.Errorf("transition auction %s: %d version conflicts: %w", auctionID, m.maxAttempts, biddingerrors.ErrBusy)
}

func (m *Machine) announceActive(ctx context.Context, a model.Auction) {
	if a.Status != model.StatusActive {
		return
	}
	ev := realtime.SnapshotEvent(a)
	ev.Seq = a.Version
	m.publish(ctx, ev)
}

func (m *Machine) announceCancelled(ctx context.Context, a model.Auction) {
	m.publish(ctx, realtime.AuctionEndedEvent(a))
	if m.notifier != nil {
		m.notifier.AuctionCancelled(ctx, a)
	}
}

func (m *Machine) publish(ctx context.Context, ev realtime.Event) {
	if m.publisher != nil {
		m.publisher.Publish(ctx, ev.AuctionID, ev)
	}
}
