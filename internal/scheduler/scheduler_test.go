package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/snipewatch/internal/auction"
	"github.com/JakeFAU/snipewatch/internal/bus"
	"github.com/JakeFAU/snipewatch/internal/clock/fake"
	"github.com/JakeFAU/snipewatch/internal/corral"
	"github.com/JakeFAU/snipewatch/internal/driver"
	"github.com/JakeFAU/snipewatch/internal/driver/drivertest"
	"github.com/JakeFAU/snipewatch/internal/pause"
	"github.com/JakeFAU/snipewatch/internal/pipeline"
	"github.com/JakeFAU/snipewatch/internal/store/memory"
)

var now = time.Date(2024, 1, 2, 13, 30, 0, 0, time.UTC)

type countingCheckpointer struct {
	mu    sync.Mutex
	saves int
	err   error
}

func (c *countingCheckpointer) Save(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	return c.err
}

func (c *countingCheckpointer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}

type fixture struct {
	sched    *Scheduler
	store    *memory.Store
	clock    *fake.Clock
	recorder *bus.Recorder
	driver   *drivertest.MockDriver
	pause    *pause.Flag
	saver    *countingCheckpointer
}

func newFixture(t *testing.T, recs ...auction.Record) *fixture {
	t.Helper()
	st := memory.New()
	for _, r := range recs {
		r.Normalize()
		require.NoError(t, st.Put(context.Background(), r))
	}
	clk := fake.New(now)
	c, err := corral.New(st, clk, corral.Config{}, nil)
	require.NoError(t, err)
	rec := &bus.Recorder{}
	n := bus.NewNotifier(rec)
	drv := &drivertest.MockDriver{}
	flag := &pause.Flag{}
	p, err := pipeline.New(c, drv, n, flag, clk, nil)
	require.NoError(t, err)
	saver := &countingCheckpointer{}
	s, err := New(Config{}, Deps{
		Registry:     c,
		Runner:       p,
		Checkpointer: saver,
		Driver:       drv,
		Notifier:     n,
		Pause:        flag,
		Clock:        clk,
	})
	require.NoError(t, err)
	return &fixture{sched: s, store: st, clock: clk, recorder: rec, driver: drv, pause: flag, saver: saver}
}

func (f *fixture) get(t *testing.T, id string) auction.Record {
	t.Helper()
	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestTickWithNothingDue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, auction.Record{ID: "A", EndTime: now.Add(2 * time.Hour), LastChecked: now})
	require.NoError(t, f.sched.Check(context.Background()))

	f.driver.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
	assert.Empty(t, f.recorder.On(bus.QueueRedraw))
	assert.Zero(t, f.saver.count())
}

func TestNearDeadlineFastBucket(t *testing.T) {
	t.Parallel()

	f := newFixture(t, auction.Record{
		ID: "B", Category: "catB",
		EndTime: now.Add(30 * time.Second), LastChecked: now.Add(-120 * time.Second),
	})
	f.driver.On("Refresh", mock.Anything, "B").Return(nil).Once()

	require.NoError(t, f.sched.Check(context.Background()))
	f.driver.AssertExpectations(t)

	var order []string
	for _, m := range f.recorder.Messages() {
		switch {
		case m.Queue == "update.catB", m.Queue == bus.QueueMy:
			order = append(order, m.Queue+": "+m.Body)
		}
	}
	assert.Equal(t, []string{
		"update.catB: start B",
		"my: UPDATE B,false",
		"update.catB: stop B",
	}, order)
}

func TestForcedUpdateWhilePaused(t *testing.T) {
	t.Parallel()

	f := newFixture(t,
		auction.Record{ID: "C", Category: "catC", EndTime: now.Add(3 * time.Hour), LastChecked: now, UpdateRequired: true},
		auction.Record{ID: "slow", EndTime: now.Add(5 * time.Hour)},
		auction.Record{ID: "fast", EndTime: now.Add(20 * time.Second), LastChecked: now.Add(-5 * time.Minute)},
	)
	f.pause.Pause()
	f.driver.On("Refresh", mock.Anything, "C").Return(nil).Once()

	require.NoError(t, f.sched.Check(context.Background()))
	f.driver.AssertExpectations(t)
	f.driver.AssertNumberOfCalls(t, "Refresh", 1)

	redraws := f.recorder.On(bus.QueueRedraw)
	require.NotEmpty(t, redraws)
	assert.Equal(t, "catC", redraws[len(redraws)-1])
}

func TestPausedTickStillCheckpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.pause.Pause()
	f.clock.Advance(DefaultCheckpointInterval)
	require.NoError(t, f.sched.Check(context.Background()))
	assert.Equal(t, 1, f.saver.count())

	f.clock.Advance(DefaultCheckpointInterval - time.Second)
	require.NoError(t, f.sched.Check(context.Background()))
	assert.Equal(t, 1, f.saver.count())
}

func TestCheckpointFailureStillResetsTimer(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.saver.err = errors.New("disk full")
	f.clock.Advance(DefaultCheckpointInterval)
	require.NoError(t, f.sched.Check(context.Background()))
	require.NoError(t, f.sched.Check(context.Background()))
	assert.Equal(t, 1, f.saver.count())

	require.Error(t, f.sched.CheckpointNow(context.Background()))
	assert.Equal(t, 2, f.saver.count())
}

func TestBucketsProcessInDeadlineOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t,
		auction.Record{ID: "z", EndTime: now.Add(2 * time.Hour)},
		auction.Record{ID: "y", EndTime: now.Add(3 * time.Hour)},
		auction.Record{ID: "x", EndTime: now.Add(2 * time.Hour)},
	)
	var mu sync.Mutex
	var seen []string
	for _, id := range []string{"x", "y", "z"} {
		id := id
		f.driver.On("Refresh", mock.Anything, id).Return(nil, func(*auction.Record) {
			mu.Lock()
			seen = append(seen, id)
			mu.Unlock()
		}).Once()
	}

	require.NoError(t, f.sched.Check(context.Background()))
	assert.Equal(t, []string{"x", "z", "y"}, seen)
}

func TestFailedUpdateRetriesNextTick(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rec  auction.Record
	}{
		{name: "slow", rec: auction.Record{ID: "R", EndTime: now.Add(2 * time.Hour)}},
		{name: "fast", rec: auction.Record{ID: "R", EndTime: now.Add(30 * time.Second), LastChecked: now.Add(-2 * time.Minute)}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, tt.rec)
			f.driver.On("Refresh", mock.Anything, "R").Return(errors.New("site down"))

			require.NoError(t, f.sched.Check(context.Background()))
			f.driver.AssertNumberOfCalls(t, "Refresh", 1)
			assert.True(t, f.get(t, "R").UpdateRequired)

			require.NoError(t, f.sched.Check(context.Background()))
			f.driver.AssertNumberOfCalls(t, "Refresh", 2)
		})
	}
}

func TestCancellationAbortsBucket(t *testing.T) {
	t.Parallel()

	f := newFixture(t,
		auction.Record{ID: "a", EndTime: now.Add(2 * time.Hour)},
		auction.Record{ID: "b", EndTime: now.Add(3 * time.Hour)},
	)
	ctx, cancel := context.WithCancel(context.Background())
	f.driver.On("Refresh", mock.Anything, "a").Return(nil, func(*auction.Record) { cancel() }).Once()

	err := f.sched.Check(ctx)
	require.ErrorIs(t, err, context.Canceled)
	f.driver.AssertNotCalled(t, "Refresh", mock.Anything, "b")
	assert.True(t, f.get(t, "b").LastChecked.IsZero())
	assert.False(t, f.get(t, "a").LastChecked.IsZero())
}

func TestExpiredListingsComplete(t *testing.T) {
	t.Parallel()

	f := newFixture(t,
		auction.Record{ID: "old", Category: "ended", EndTime: now.Add(-3 * time.Minute), LastChecked: now},
		auction.Record{ID: "grace", EndTime: now.Add(-time.Minute), LastChecked: now},
	)
	f.pause.Pause()

	require.NoError(t, f.sched.Check(context.Background()))
	assert.Equal(t, auction.StateCompleted, f.get(t, "old").State)
	assert.Equal(t, auction.StateActive, f.get(t, "grace").State)
	assert.Contains(t, f.recorder.On(bus.QueueRedraw), "ended")
}

func TestSnipeFiresOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, auction.Record{
		ID: "S", Title: "clock", EndTime: now.Add(5 * time.Second), LastChecked: now,
		Snipe: &auction.Snipe{Amount: decimal.RequireFromString("12.50"), Lead: 10 * time.Second},
	})
	f.pause.Pause()
	f.driver.On("PlaceSnipe", mock.Anything, "S").Return(nil).Once()

	require.NoError(t, f.sched.Check(context.Background()))
	require.NoError(t, f.sched.Check(context.Background()))
	f.driver.AssertExpectations(t)

	stored := f.get(t, "S")
	require.NotNil(t, stored.Snipe)
	assert.True(t, stored.Snipe.Fired)
	assert.Equal(t, OutcomePlaced, stored.Snipe.Outcome)
	assert.Equal(t, []string{"SNIPE S,true"}, f.recorder.On(bus.QueueMy))
	assert.Contains(t, f.recorder.On(bus.QueueSwing), "Sniped on clock")
}

func TestSnipeFailureIsRecorded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, auction.Record{
		ID: "S", Title: "clock", EndTime: now.Add(5 * time.Second), LastChecked: now,
		Snipe: &auction.Snipe{Amount: decimal.NewFromInt(5), Lead: 10 * time.Second},
	})
	f.pause.Pause()
	f.driver.On("PlaceSnipe", mock.Anything, "S").Return(errors.New("outbid")).Once()

	require.NoError(t, f.sched.Check(context.Background()))
	stored := f.get(t, "S")
	assert.True(t, stored.Snipe.Fired)
	assert.Equal(t, "outbid", stored.Snipe.Outcome)
	assert.Equal(t, []string{"SNIPE S,false"}, f.recorder.On(bus.QueueMy))
	assert.Contains(t, f.recorder.On(bus.QueueSwing), "ERROR Snipe on clock failed: outbid")
}

func TestSnipeWithoutBidder(t *testing.T) {
	t.Parallel()

	st := memory.New()
	rec := auction.Record{
		ID: "S", EndTime: now.Add(5 * time.Second), LastChecked: now,
		Snipe: &auction.Snipe{Amount: decimal.NewFromInt(5), Lead: 10 * time.Second},
	}
	rec.Normalize()
	require.NoError(t, st.Put(context.Background(), rec))
	clk := fake.New(now)
	c, err := corral.New(st, clk, corral.Config{}, nil)
	require.NoError(t, err)
	recorder := &bus.Recorder{}
	n := bus.NewNotifier(recorder)
	p, err := pipeline.New(c, driver.Offline{}, n, nil, clk, nil)
	require.NoError(t, err)
	s, err := New(Config{}, Deps{Registry: c, Runner: p, Driver: driver.Offline{}, Notifier: n, Clock: clk})
	require.NoError(t, err)

	require.NoError(t, s.Check(context.Background()))
	stored, err := st.Get(context.Background(), "S")
	require.NoError(t, err)
	assert.True(t, stored.Snipe.Fired)
	assert.Equal(t, OutcomeUnsupported, stored.Snipe.Outcome)
}
