// Package scheduler decides, once per tick, which listings are due and streams
// them through the update pipeline. It also fires due snipes, completes
// listings past their deadline, and triggers periodic checkpoints.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/snipewatch/internal/auction"
	"github.com/JakeFAU/snipewatch/internal/bus"
	"github.com/JakeFAU/snipewatch/internal/clock"
	"github.com/JakeFAU/snipewatch/internal/corral"
	"github.com/JakeFAU/snipewatch/internal/driver"
	"github.com/JakeFAU/snipewatch/internal/metrics"
	"github.com/JakeFAU/snipewatch/internal/pause"
	"github.com/JakeFAU/snipewatch/internal/pipeline"
)

// Default cadences.
const (
	DefaultSlowHorizon        = 69 * time.Minute
	DefaultFastHorizon        = time.Minute
	DefaultCheckpointInterval = 10 * time.Minute
	DefaultCompletionGrace    = 2 * time.Minute
)

// Snipe outcomes recorded on the listing.
const (
	OutcomePending     = "pending"
	OutcomePlaced      = "placed"
	OutcomeUnsupported = "unsupported"
)

// Registry is the subset of the corral the scheduler queries.
type Registry interface {
	FindAllNeedingUpdate(ctx context.Context, horizon time.Duration) ([]string, error)
	FindEndingNeedingUpdate(ctx context.Context, horizon time.Duration) ([]string, error)
	FindManualUpdates(ctx context.Context) ([]string, error)
	FindSnipesDue(ctx context.Context) ([]string, error)
	FindExpired(ctx context.Context, grace time.Duration) ([]string, error)
	TakeForWrite(ctx context.Context, id string) (*corral.Lease, error)
	Counts(ctx context.Context) (active, total int, err error)
}

// Runner updates a single listing.
type Runner interface {
	Run(ctx context.Context, id string, bucket pipeline.Bucket) (pipeline.Result, error)
}

// Checkpointer snapshots the registry.
type Checkpointer interface {
	Save(ctx context.Context) error
}

// Config holds the scheduler cadences. Zero values take the defaults.
type Config struct {
	SlowHorizon        time.Duration
	FastHorizon        time.Duration
	CheckpointInterval time.Duration
	CompletionGrace    time.Duration
}

// Deps bundles the scheduler's collaborators.
type Deps struct {
	Registry     Registry
	Runner       Runner
	Checkpointer Checkpointer
	Driver       driver.Driver
	Notifier     *bus.Notifier
	Pause        *pause.Flag
	Clock        clock.Clock
	Logger       *zap.Logger
}

// Scheduler is driven by the ticker; Check must not be called concurrently.
type Scheduler struct {
	cfg  Config
	deps Deps

	mu             sync.Mutex
	lastCheckpoint time.Time
}

// New validates deps and returns a Scheduler whose checkpoint timer starts now.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if deps.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Pause == nil {
		deps.Pause = &pause.Flag{}
	}
	if cfg.SlowHorizon <= 0 {
		cfg.SlowHorizon = DefaultSlowHorizon
	}
	if cfg.FastHorizon <= 0 {
		cfg.FastHorizon = DefaultFastHorizon
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = DefaultCheckpointInterval
	}
	if cfg.CompletionGrace <= 0 {
		cfg.CompletionGrace = DefaultCompletionGrace
	}
	return &Scheduler{cfg: cfg, deps: deps, lastCheckpoint: deps.Clock.Now()}, nil
}

// Check runs one tick. Only cancellation is returned as an error; a cancelled
// tick leaves unprocessed listings for the next one.
func (s *Scheduler) Check(ctx context.Context) error {
	log := s.deps.Logger
	if err := s.expire(ctx); err != nil {
		return err
	}

	// Listings flagged by a failure during this tick wait for the next one.
	manual, manualErr := s.deps.Registry.FindManualUpdates(ctx)
	ran := make(map[string]struct{})

	if !s.deps.Pause.Paused() {
		if err := s.runBucket(ctx, pipeline.BucketSlow, ran, func() ([]string, error) {
			return s.deps.Registry.FindAllNeedingUpdate(ctx, s.cfg.SlowHorizon)
		}); err != nil {
			return err
		}
		if err := s.runBucket(ctx, pipeline.BucketFast, ran, func() ([]string, error) {
			return s.deps.Registry.FindEndingNeedingUpdate(ctx, s.cfg.FastHorizon)
		}); err != nil {
			return err
		}
	}

	if err := s.runBucket(ctx, pipeline.BucketManual, ran, func() ([]string, error) {
		return manual, manualErr
	}); err != nil {
		return err
	}

	if err := s.snipe(ctx); err != nil {
		return err
	}

	if active, total, err := s.deps.Registry.Counts(ctx); err == nil {
		metrics.SetRegistrySize(active, total)
	} else {
		log.Warn("registry count failed", zap.Error(err))
	}

	s.checkSnapshot(ctx)
	return nil
}

// CheckpointNow saves immediately and resets the checkpoint timer.
func (s *Scheduler) CheckpointNow(ctx context.Context) error {
	if s.deps.Checkpointer == nil {
		return nil
	}
	s.mu.Lock()
	s.lastCheckpoint = s.deps.Clock.Now()
	s.mu.Unlock()
	if err := s.deps.Checkpointer.Save(ctx); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

func (s *Scheduler) checkSnapshot(ctx context.Context) {
	if s.deps.Checkpointer == nil {
		return
	}
	s.mu.Lock()
	due := s.deps.Clock.Now().Sub(s.lastCheckpoint) >= s.cfg.CheckpointInterval
	s.mu.Unlock()
	if !due {
		return
	}
	if err := s.CheckpointNow(ctx); err != nil {
		s.deps.Logger.Error("periodic checkpoint failed", zap.Error(err))
	}
}

// runBucket updates each listing find returns, skipping any already run this
// tick.
func (s *Scheduler) runBucket(ctx context.Context, bucket pipeline.Bucket, ran map[string]struct{}, find func() ([]string, error)) error {
	ids, err := find()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.deps.Logger.Warn("bucket query failed", zap.String("bucket", string(bucket)), zap.Error(err))
		return nil
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, done := ran[id]; done {
			continue
		}
		ran[id] = struct{}{}
		if _, err := s.deps.Runner.Run(ctx, id, bucket); err != nil {
			return err
		}
	}
	return nil
}

// expire completes active listings whose deadline passed more than the grace
// period ago.
func (s *Scheduler) expire(ctx context.Context) error {
	ids, err := s.deps.Registry.FindExpired(ctx, s.cfg.CompletionGrace)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.deps.Logger.Warn("expiry query failed", zap.Error(err))
		return nil
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		lease, err := s.deps.Registry.TakeForWrite(ctx, id)
		if err != nil {
			continue
		}
		rec := lease.Record
		if !rec.Active() || s.deps.Clock.Now().Before(rec.EndTime.Add(s.cfg.CompletionGrace)) {
			lease.Release()
			continue
		}
		rec.State = auction.StateCompleted
		category := rec.Category
		if err := lease.Commit(ctx); err != nil {
			s.deps.Logger.Warn("completing listing failed", zap.String("id", id), zap.Error(err))
			continue
		}
		s.deps.Logger.Info("listing completed", zap.String("id", id))
		s.deps.Notifier.Redraw(category)
	}
	return nil
}

// snipe hands due snipes to the driver. A snipe is marked fired before the
// bid goes out so it can never be submitted twice.
func (s *Scheduler) snipe(ctx context.Context) error {
	ids, err := s.deps.Registry.FindSnipesDue(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.deps.Logger.Warn("snipe query failed", zap.Error(err))
		return nil
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, ok := s.arm(ctx, id)
		if !ok {
			continue
		}
		bidErr := s.placeSnipe(ctx, rec)
		if bidErr != nil && ctx.Err() != nil && errors.Is(bidErr, ctx.Err()) {
			return bidErr
		}
		s.settle(ctx, rec, bidErr)
	}
	return nil
}

func (s *Scheduler) arm(ctx context.Context, id string) (auction.Record, bool) {
	lease, err := s.deps.Registry.TakeForWrite(ctx, id)
	if err != nil {
		return auction.Record{}, false
	}
	rec := lease.Record
	now := s.deps.Clock.Now()
	at, ok := rec.SnipeAt()
	if !ok || rec.Snipe.Fired || !rec.Active() || now.Before(at) || !now.Before(rec.EndTime) {
		lease.Release()
		return auction.Record{}, false
	}
	rec.Snipe.Fired = true
	rec.Snipe.Outcome = OutcomePending
	armed := rec.Clone()
	if err := lease.Commit(ctx); err != nil {
		s.deps.Logger.Warn("arming snipe failed", zap.String("id", id), zap.Error(err))
		return auction.Record{}, false
	}
	return armed, true
}

func (s *Scheduler) placeSnipe(ctx context.Context, rec auction.Record) error {
	if s.deps.Driver == nil {
		return driver.ErrBiddingUnsupported
	}
	return driver.PlaceSnipe(ctx, s.deps.Driver, rec)
}

func (s *Scheduler) settle(ctx context.Context, rec auction.Record, bidErr error) {
	outcome := OutcomePlaced
	switch {
	case errors.Is(bidErr, driver.ErrBiddingUnsupported):
		outcome = OutcomeUnsupported
	case bidErr != nil:
		outcome = bidErr.Error()
	}
	metrics.ObserveSnipe(resultLabel(bidErr))

	if lease, err := s.deps.Registry.TakeForWrite(ctx, rec.ID); err == nil {
		if lease.Record.Snipe != nil {
			lease.Record.Snipe.Outcome = outcome
			if err := lease.Commit(ctx); err != nil {
				s.deps.Logger.Warn("recording snipe outcome failed", zap.String("id", rec.ID), zap.Error(err))
			}
		} else {
			lease.Release()
		}
	}

	ok := bidErr == nil
	s.deps.Notifier.Sniped(rec.ID, ok)
	title := rec.TitleAndComment()
	if ok {
		s.deps.Notifier.Status("Sniped on " + title)
		s.deps.Logger.Info("snipe placed", zap.String("id", rec.ID), zap.String("amount", rec.Snipe.Amount.String()))
		return
	}
	s.deps.Notifier.Error(fmt.Sprintf("Snipe on %s failed: %s", title, outcome))
	s.deps.Logger.Warn("snipe failed", zap.String("id", rec.ID), zap.Error(bidErr))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return OutcomePlaced
	case errors.Is(err, driver.ErrBiddingUnsupported):
		return OutcomeUnsupported
	default:
		return "failed"
	}
}
