// Package ticker drives the scheduler: one goroutine that sleeps for the
// configured interval and then invokes the tick callback.
package ticker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/snipewatch/internal/metrics"
	"github.com/JakeFAU/snipewatch/internal/pause"
)

// DefaultInterval is the sleep between ticks.
const DefaultInterval = 990 * time.Millisecond

// TickFunc is invoked once per wake while not paused.
type TickFunc func(ctx context.Context) error

// Config controls a Ticker.
type Config struct {
	Interval time.Duration
	Pause    *pause.Flag
	Logger   *zap.Logger
}

// Ticker runs a TickFunc on a fixed cadence.
type Ticker struct {
	interval time.Duration
	pause    *pause.Flag
	onTick   TickFunc
	logger   *zap.Logger
}

// New creates a Ticker for onTick.
func New(cfg Config, onTick TickFunc) (*Ticker, error) {
	if onTick == nil {
		return nil, errors.New("tick callback is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Pause == nil {
		cfg.Pause = &pause.Flag{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ticker{
		interval: cfg.Interval,
		pause:    cfg.Pause,
		onTick:   onTick,
		logger:   logger,
	}, nil
}

// Pause skips callbacks until Resume. Sleeping continues.
func (t *Ticker) Pause() { t.pause.Pause() }

// Resume re-enables callbacks.
func (t *Ticker) Resume() { t.pause.Resume() }

// Paused reports whether callbacks are skipped.
func (t *Ticker) Paused() bool { return t.pause.Paused() }

// Run blocks until ctx is cancelled. Errors and panics from the callback are
// logged and the loop continues.
func (t *Ticker) Run(ctx context.Context) error {
	timer := time.NewTimer(t.interval)
	defer timer.Stop()
	t.logger.Info("ticker started", zap.Duration("interval", t.interval))
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("ticker stopped")
			return nil
		case <-timer.C:
		}
		if t.pause.Paused() {
			metrics.ObserveTick("paused")
		} else if err := t.fire(ctx); err != nil {
			if ctx.Err() != nil {
				t.logger.Info("ticker stopped")
				return nil
			}
			metrics.ObserveTick("failed")
			t.logger.Error("tick failed", zap.Error(err))
		} else {
			metrics.ObserveTick("run")
		}
		timer.Reset(t.interval)
	}
}

func (t *Ticker) fire(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()
	return t.onTick(ctx)
}
