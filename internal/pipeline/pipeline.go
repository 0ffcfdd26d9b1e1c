// Package pipeline runs the per-listing update: fetch through the driver,
// diff the canonical form, commit, and broadcast progress on the bus.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/snipewatch/internal/auction"
	"github.com/JakeFAU/snipewatch/internal/bus"
	"github.com/JakeFAU/snipewatch/internal/clock"
	"github.com/JakeFAU/snipewatch/internal/corral"
	"github.com/JakeFAU/snipewatch/internal/driver"
	"github.com/JakeFAU/snipewatch/internal/metrics"
	"github.com/JakeFAU/snipewatch/internal/pause"
)

// Bucket names the scheduler pass that requested an update.
type Bucket string

// Scheduler buckets.
const (
	BucketSlow   Bucket = "slow"
	BucketFast   Bucket = "fast"
	BucketManual Bucket = "manual"
)

// Result describes what happened to one listing.
type Result int

// Possible results.
const (
	Skipped Result = iota
	Unchanged
	Changed
	Failed
)

func (r Result) String() string {
	switch r {
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	case Failed:
		return "failed"
	default:
		return "skipped"
	}
}

// Registry is the subset of the corral the pipeline needs.
type Registry interface {
	TakeForRead(ctx context.Context, id string) (auction.Record, bool, error)
	TakeForWrite(ctx context.Context, id string) (*corral.Lease, error)
	PutWeakly(rec auction.Record)
	Erase(id string)
}

// Indexer keeps the category index in step with a listing whose category a
// refresh changed.
type Indexer interface {
	Reindex(ctx context.Context, id string) error
}

// Pipeline updates listings one at a time.
type Pipeline struct {
	registry Registry
	driver   driver.Driver
	notifier *bus.Notifier
	pause    *pause.Flag
	clock    clock.Clock
	logger   *zap.Logger
	index    Indexer
}

// New wires a Pipeline.
func New(reg Registry, drv driver.Driver, n *bus.Notifier, p *pause.Flag, clk clock.Clock, logger *zap.Logger) (*Pipeline, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if drv == nil {
		return nil, errors.New("driver is required")
	}
	if clk == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		registry: reg,
		driver:   drv,
		notifier: n,
		pause:    p,
		clock:    clk,
		logger:   logger,
	}, nil
}

// SetIndexer attaches the category index. Without one, category changes made
// by the driver are only visible after the next index rebuild.
func (p *Pipeline) SetIndexer(x Indexer) {
	p.index = x
}

// Run updates one listing. Only cancellation of ctx is returned as an error;
// every other failure is logged, shown to the user, and leaves the record
// flagged for another attempt.
func (p *Pipeline) Run(ctx context.Context, id string, bucket Bucket) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Skipped, err
	}
	start := time.Now()
	rec, ok, err := p.registry.TakeForRead(ctx, id)
	if err != nil {
		p.logger.Warn("read before update failed", zap.String("id", id), zap.Error(err))
		return Failed, nil
	}
	if !ok {
		return Skipped, nil
	}
	forced := rec.UpdateRequired
	if !forced && (p.pause.Paused() || !rec.Active()) {
		return Skipped, nil
	}

	title := rec.TitleAndComment()
	p.notifier.Status("Updating " + title)
	p.notifier.UpdateStart(rec.Category, id)

	updated, changed, err := p.refresh(ctx, id)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return Skipped, err
		}
		p.logger.Warn("update failed",
			zap.String("id", id),
			zap.String("bucket", string(bucket)),
			zap.Error(err),
		)
		p.notifier.Error(fmt.Sprintf("Failed to update %s: %v", title, err))
		p.notifier.Redraw(id)
		p.notifier.UpdateStop(rec.Category, id)
		metrics.ObserveUpdate(string(bucket), Failed.String(), false, time.Since(start))
		return Failed, nil
	}

	p.notifier.Changed(id, changed)
	if updated.Category != rec.Category && p.index != nil {
		if err := p.index.Reindex(ctx, id); err != nil {
			p.logger.Warn("reindex after update failed", zap.String("id", id), zap.Error(err))
		}
	}
	if changed {
		p.notifier.Redraw(updated.Category)
	}

	// A listing deleted while the driver ran must not be cached again.
	present := true
	lease, err := p.registry.TakeForWrite(ctx, id)
	switch {
	case err == nil:
		p.registry.Erase(id)
		lease.Release()
	case errors.Is(err, corral.ErrNotFound):
		present = false
		p.logger.Debug("listing removed during update", zap.String("id", id))
	default:
		present = false
		p.logger.Warn("erase after update failed", zap.String("id", id), zap.Error(err))
	}

	title = updated.TitleAndComment()
	p.notifier.Redraw(id)
	p.notifier.Status("Done updating " + title)
	if present {
		p.registry.PutWeakly(updated)
	}
	p.notifier.UpdateStop(updated.Category, id)
	if forced {
		p.notifier.Redraw(updated.Category)
	}

	result := Unchanged
	if changed {
		result = Changed
	}
	metrics.ObserveUpdate(string(bucket), result.String(), changed, time.Since(start))
	p.logger.Debug("listing updated",
		zap.String("id", id),
		zap.String("bucket", string(bucket)),
		zap.Bool("changed", changed),
		zap.Bool("forced", forced),
	)
	return result, nil
}

// refresh runs the driver under a write lease and commits the outcome. On a
// driver failure the driver's mutations are discarded and the record is
// flagged for retry. Cancellation commits nothing.
func (p *Pipeline) refresh(ctx context.Context, id string) (auction.Record, bool, error) {
	lease, err := p.registry.TakeForWrite(ctx, id)
	if err != nil {
		return auction.Record{}, false, fmt.Errorf("take %s for write: %w", id, err)
	}
	defer lease.Release()

	orig := lease.Record.Clone()
	before, err := p.driver.Serialize(orig)
	if err != nil {
		return auction.Record{}, false, p.flagForRetry(ctx, lease, orig, fmt.Errorf("serialize: %w", err))
	}
	if err := p.driver.Refresh(ctx, lease.Record); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return auction.Record{}, false, err
		}
		return auction.Record{}, false, p.flagForRetry(ctx, lease, orig, err)
	}
	after, err := p.driver.Serialize(*lease.Record)
	if err != nil {
		return auction.Record{}, false, p.flagForRetry(ctx, lease, orig, fmt.Errorf("serialize: %w", err))
	}
	changed := !bytes.Equal(before, after)

	lease.Record.LastChecked = p.clock.Now()
	lease.Record.UpdateRequired = false
	updated := lease.Record.Clone()
	updated.Normalize()
	if err := updated.Validate(); err != nil {
		return auction.Record{}, false, p.flagForRetry(ctx, lease, orig, err)
	}
	if err := lease.Commit(ctx); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return auction.Record{}, false, err
		}
		return auction.Record{}, false, p.retryLater(ctx, id, err)
	}
	return updated, changed, nil
}

// retryLater flags id for another attempt after its update could not be
// committed.
func (p *Pipeline) retryLater(ctx context.Context, id string, cause error) error {
	lease, err := p.registry.TakeForWrite(ctx, id)
	if err != nil {
		return cause
	}
	lease.Record.UpdateRequired = true
	if err := lease.Commit(ctx); err != nil {
		p.logger.Warn("flagging listing for retry failed", zap.String("id", id), zap.Error(err))
	}
	return cause
}

func (p *Pipeline) flagForRetry(ctx context.Context, lease *corral.Lease, orig auction.Record, cause error) error {
	*lease.Record = orig
	lease.Record.UpdateRequired = true
	if err := lease.Commit(ctx); err != nil {
		p.logger.Warn("flagging listing for retry failed", zap.String("id", orig.ID), zap.Error(err))
	}
	return cause
}
