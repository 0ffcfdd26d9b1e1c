package ticker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/snipewatch/internal/pause"
)

func runTicker(t *testing.T, tk *Ticker) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tk.Run(ctx) }()
	return cancel, done
}

func TestNewRequiresCallback(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)

	tk, err := New(Config{}, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, tk.interval)
}

func TestTickerInvokesCallback(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tk, err := New(Config{Interval: time.Millisecond}, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	cancel, done := runTicker(t, tk)
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestTickerSurvivesPanicsAndErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tk, err := New(Config{Interval: time.Millisecond}, func(context.Context) error {
		switch calls.Add(1) {
		case 1:
			panic("boom")
		case 2:
			return errors.New("fail")
		}
		return nil
	})
	require.NoError(t, err)

	cancel, done := runTicker(t, tk)
	require.Eventually(t, func() bool { return calls.Load() >= 4 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestTickerSkipsWhilePaused(t *testing.T) {
	t.Parallel()

	flag := &pause.Flag{}
	flag.Pause()
	var calls atomic.Int32
	tk, err := New(Config{Interval: time.Millisecond, Pause: flag}, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, tk.Paused())

	cancel, done := runTicker(t, tk)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())

	tk.Resume()
	require.Eventually(t, func() bool { return calls.Load() > 0 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestTickerExitsOnCancel(t *testing.T) {
	t.Parallel()

	tk, err := New(Config{Interval: time.Hour}, func(context.Context) error { return nil })
	require.NoError(t, err)

	cancel, done := runTicker(t, tk)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ticker did not exit after cancel")
	}
}
