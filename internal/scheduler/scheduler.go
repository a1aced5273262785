// Package scheduler runs the periodic sweeps that activate due auctions,
// finalize expired ones and warn subscribers shortly before an auction ends.
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/dedupe"
	model "auction-engine/internal/models"
	"auction-engine/internal/realtime"
	"auction-engine/internal/repository"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Transitioner applies the lifecycle transitions the sweeps need, judged
// at the tick's time.
type Transitioner interface {
	ActivateAt(ctx context.Context, auctionID string, now time.Time) (model.Auction, error)
	CompleteAt(ctx context.Context, auctionID string, now time.Time) (model.Auction, error)
}

// Locker is the per-auction serialization point
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Config tunes the sweeps
type Config struct {
	Interval     time.Duration
	EndingLead   time.Duration
	AutoActivate bool
	Parallelism  int
}

// Report counts what one tick did
type Report struct {
	Activated int
	Completed int
	Advised   int
	Failed    int
}

// Scheduler is safe to run in several instances at once: completion is
// version-checked and the ending advisory is claimed through the deduper.
type Scheduler struct {
	store     repository.AuctionStore
	machine   Transitioner
	locker    Locker
	publisher realtime.Publisher
	deduper   dedupe.Deduper
	cfg       Config
	logger    log.FieldLogger
	now       func() time.Time
}

func New(store repository.AuctionStore, machine Transitioner, locker Locker, publisher realtime.Publisher, deduper dedupe.Deduper, cfg Config, logger log.FieldLogger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if deduper == nil {
		deduper = dedupe.NewMemoryDeduper(0)
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Scheduler{
		store:     store,
		machine:   machine,
		locker:    locker,
		publisher: publisher,
		deduper:   deduper,
		cfg:       cfg,
		logger:    logger.WithField("component", "scheduler"),
		now:       time.Now,
	}
}

// Run sweeps immediately and then on every interval until ctx is done
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.WithFields(log.Fields{
		"interval":      s.cfg.Interval.String(),
		"ending_lead":   s.cfg.EndingLead.String(),
		"auto_activate": s.cfg.AutoActivate,
	}).Info("scheduler started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.Tick(ctx, s.now())
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one round of every sweep as of now. A failed transition is logged
// and picked up again on the next tick.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) Report {
	var r Report
	if s.cfg.AutoActivate {
		s.activateDue(ctx, now, &r)
	}
	s.finalizeExpired(ctx, now, &r)
	if s.cfg.EndingLead > 0 {
		s.adviseEnding(ctx, now, &r)
	}
	if r != (Report{}) {
		s.logger.WithFields(log.Fields{
			"activated": r.Activated,
			"completed": r.Completed,
			"advised":   r.Advised,
			"failed":    r.Failed,
		}).Info("scheduler tick")
	}
	return r
}

func (s *Scheduler) activateDue(ctx context.Context, now time.Time, r *Report) {
	ids, err := s.store.ListPendingAuctionsDue(ctx, now)
	if err != nil {
		s.logger.WithError(err).Error("list pending auctions")
		r.Failed++
		return
	}
	activated, failed := s.each(ctx, ids, func(ctx context.Context, id string) error {
		_, err := s.machine.ActivateAt(ctx, id, now)
		return err
	})
	r.Activated += activated
	r.Failed += failed
}

func (s *Scheduler) finalizeExpired(ctx context.Context, now time.Time, r *Report) {
	ids, err := s.store.ListActiveAuctionsPastEnd(ctx, now)
	if err != nil {
		s.logger.WithError(err).Error("list expired auctions")
		r.Failed++
		return
	}
	completed, failed := s.each(ctx, ids, func(ctx context.Context, id string) error {
		_, err := s.machine.CompleteAt(ctx, id, now)
		return err
	})
	r.Completed += completed
	r.Failed += failed
}

// each runs fn for every id with bounded parallelism. InvalidTransition means
// another tick or instance got there first and is not counted as a failure.
func (s *Scheduler) each(ctx context.Context, ids []string, fn func(context.Context, string) error) (done, failed int) {
	var ok, bad atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := fn(gctx, id)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, biddingerrors.ErrInvalidTransition):
				s.logger.WithField("auction_id", id).Debug("auction already transitioned")
			default:
				bad.Add(1)
				s.logger.WithFields(log.Fields{
					"auction_id": id,
					"kind":       biddingerrors.Kind(err),
					"error":      err.Error(),
				}).Error("scheduled transition failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(ok.Load()), int(bad.Load())
}

func (s *Scheduler) adviseEnding(ctx context.Context, now time.Time, r *Report) {
	auctions, err := s.store.ListActiveAuctionsEndingBefore(ctx, now.Add(s.cfg.EndingLead))
	if err != nil {
		s.logger.WithError(err).Error("list auctions ending soon")
		r.Failed++
		return
	}
	for _, a := range auctions {
		if !now.Before(a.EndTime) {
			continue
		}
		key := "ending:" + a.AuctionID
		claimed, err := s.deduper.Add(ctx, key)
		if err != nil {
			s.logger.WithError(err).WithField("auction_id", a.AuctionID).Warn("claim ending advisory")
			continue
		}
		if !claimed {
			continue
		}

		unlock, err := s.locker.Lock(ctx, a.AuctionID)
		if err != nil {
			s.logger.WithError(err).WithField("auction_id", a.AuctionID).Warn("ending advisory deferred")
			_ = s.deduper.Remove(ctx, key)
			continue
		}
		if s.publisher != nil {
			s.publisher.Publish(ctx, a.AuctionID, realtime.AuctionEndingEvent(a.AuctionID, a.EndTime.Sub(now)))
		}
		unlock()
		r.Advised++
	}
}
