package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/snipewatch/internal/auction"
	"github.com/JakeFAU/snipewatch/internal/bus"
	"github.com/JakeFAU/snipewatch/internal/clock/fake"
	"github.com/JakeFAU/snipewatch/internal/config"
	"github.com/JakeFAU/snipewatch/internal/corral"
	"github.com/JakeFAU/snipewatch/internal/filter"
	"github.com/JakeFAU/snipewatch/internal/store/memory"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	mgr      *Manager
	corral   *corral.Corral
	store    *memory.Store
	index    *filter.Index
	settings *config.Settings
	recorder *bus.Recorder
	clock    *fake.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	clk := fake.New(now)
	c, err := corral.New(st, clk, corral.Config{}, nil)
	require.NoError(t, err)
	settings := config.NewSettings(afero.NewMemMapFs(), "/cfg/settings.yaml", nil)
	rec := &bus.Recorder{}
	idx := filter.New()
	mgr, err := New(Deps{
		Registry:   c,
		Tombstones: st,
		Index:      idx,
		Settings:   settings,
		Notifier:   bus.NewNotifier(rec),
		Clock:      clk,
	})
	require.NoError(t, err)
	return &fixture{mgr: mgr, corral: c, store: st, index: idx, settings: settings, recorder: rec, clock: clk}
}

func listing(id, category string) auction.Record {
	return auction.Record{ID: id, Title: "item " + id, Category: category, EndTime: now.Add(2 * time.Hour)}
}

type countingSaver struct{ calls int }

func (s *countingSaver) Save(context.Context) error {
	s.calls++
	return nil
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()
	_, err := New(Deps{})
	require.Error(t, err)
}

func TestAddEntry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.AddEntry(ctx, listing("1", "tools")))

	got, err := f.mgr.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, now, got.Created)
	assert.Equal(t, auction.StateActive, got.State)
	assert.Equal(t, []string{"1"}, f.index.Members("tools"))
	assert.Equal(t, []string{"tools"}, f.recorder.On(bus.QueueRedraw))

	err = f.mgr.AddEntry(ctx, listing("1", "tools"))
	assert.ErrorIs(t, err, ErrExists)
}

func TestDeletedEntryCannotBeReadded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mgr.AddEntry(ctx, listing("42", "")))

	require.NoError(t, f.mgr.DeleteEntry(ctx, "42"))

	_, err := f.mgr.Get(ctx, "42")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, f.index.Contains("42"))
	dead, err := f.store.HasTombstone(ctx, "42")
	require.NoError(t, err)
	assert.True(t, dead)

	err = f.mgr.AddEntry(ctx, listing("42", ""))
	assert.ErrorIs(t, err, ErrTombstoned)
}

func TestDeleteMissing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	assert.ErrorIs(t, f.mgr.DeleteEntry(context.Background(), "nope"), ErrNotFound)
}

func TestClearDeletedAllowsReadd(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	saver := &countingSaver{}
	f.mgr.SetSaver(saver)
	require.NoError(t, f.mgr.AddEntry(ctx, listing("7", "")))
	require.NoError(t, f.mgr.DeleteEntry(ctx, "7"))

	n, err := f.mgr.ClearDeleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, saver.calls)
	require.NoError(t, f.mgr.AddEntry(ctx, listing("7", "")))
}

func TestSetSnipeUsesConfiguredLead(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mgr.AddEntry(ctx, listing("5", "")))
	assert.Equal(t, 30*time.Second, f.mgr.SnipeLead())

	f.settings.Set(config.KeySnipeMilliseconds, "8000")
	require.NoError(t, f.mgr.SetSnipe(ctx, "5", decimal.RequireFromString("12.50"), 0))

	got, err := f.mgr.Get(ctx, "5")
	require.NoError(t, err)
	require.NotNil(t, got.Snipe)
	assert.Equal(t, 8*time.Second, got.Snipe.Lead)
	assert.Equal(t, 1, got.Snipe.Quantity)
	assert.True(t, got.Snipe.Amount.Equal(decimal.RequireFromString("12.5")))

	f.settings.Set(config.KeySnipeMilliseconds, "junk")
	assert.Equal(t, 8*time.Second, f.mgr.SnipeLead())

	require.NoError(t, f.mgr.CancelSnipe(ctx, "5"))
	got, err = f.mgr.Get(ctx, "5")
	require.NoError(t, err)
	assert.Nil(t, got.Snipe)
}

func TestSetSnipeRejects(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	done := listing("9", "")
	done.State = auction.StateCompleted
	require.NoError(t, f.mgr.AddEntry(ctx, done))
	require.NoError(t, f.mgr.AddEntry(ctx, listing("10", "")))

	tests := []struct {
		name   string
		id     string
		amount string
		target error
	}{
		{name: "zero amount", id: "10", amount: "0"},
		{name: "negative amount", id: "10", amount: "-1"},
		{name: "inactive", id: "9", amount: "5", target: ErrInactive},
		{name: "missing", id: "11", amount: "5", target: ErrNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := f.mgr.SetSnipe(ctx, tc.id, decimal.RequireFromString(tc.amount), 1)
			require.Error(t, err)
			if tc.target != nil {
				assert.ErrorIs(t, err, tc.target)
			}
		})
	}
}

func TestSetCategoryMovesIndex(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mgr.AddEntry(ctx, listing("3", "tools")))
	f.recorder.Reset()

	require.NoError(t, f.mgr.SetCategory(ctx, "3", "toys"))

	assert.Empty(t, f.index.Members("tools"))
	assert.Equal(t, []string{"3"}, f.index.Members("toys"))
	assert.Equal(t, []string{"3", "tools", "toys"}, f.recorder.On(bus.QueueRedraw))

	recs, err := f.mgr.List(ctx, "toys")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "toys", recs[0].Category)
}

func TestCommentAndForceUpdate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mgr.AddEntry(ctx, listing("4", "")))

	require.NoError(t, f.mgr.SetComment(ctx, "4", "gift"))
	require.NoError(t, f.mgr.ForceUpdate(ctx, "4"))

	got, err := f.mgr.Get(ctx, "4")
	require.NoError(t, err)
	assert.Equal(t, "gift", got.Comment)
	assert.True(t, got.UpdateRequired)

	manual, err := f.corral.FindManualUpdates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"4"}, manual)
}

func TestRestoreSkipsTombstoned(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mgr.RestoreTombstone(ctx, "dead"))

	require.NoError(t, f.mgr.Restore(ctx, listing("dead", "")))
	require.NoError(t, f.mgr.Restore(ctx, listing("live", "misc")))

	active, total, err := f.mgr.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, total)
	assert.Equal(t, []string{"live"}, f.index.Members("misc"))

	tombs, err := f.mgr.Tombstones(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dead"}, tombs)
}

func TestRebuildIndexFromStore(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, listing("a", "x")))
	require.NoError(t, f.store.Put(ctx, listing("b", "y")))
	f.index.Add("stale", "zz")

	require.NoError(t, f.mgr.RebuildIndex(ctx))

	assert.Equal(t, 2, f.index.Len())
	assert.Equal(t, []string{"a"}, f.index.Members("x"))
	assert.False(t, f.index.Contains("zz"))

	all, err := f.mgr.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeletedStateStaysOutOfIndex(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		add  func(*Manager, context.Context, auction.Record) error
	}{
		{name: "add", add: (*Manager).AddEntry},
		{name: "restore", add: (*Manager).Restore},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			ctx := context.Background()
			gone := listing("gone", "junk")
			gone.State = auction.StateDeleted

			require.NoError(t, tt.add(f.mgr, ctx, gone))
			require.NoError(t, tt.add(f.mgr, ctx, listing("kept", "junk")))

			assert.False(t, f.index.Contains("gone"))
			assert.Equal(t, []string{"kept"}, f.index.Members("junk"))
			_, err := f.mgr.Get(ctx, "gone")
			require.NoError(t, err)
		})
	}
}

type brokenTombstones struct{ *memory.Store }

func (brokenTombstones) HasTombstone(context.Context, string) (bool, error) {
	return false, errors.New("disk gone")
}

func TestAddEntryTombstoneCheckFails(t *testing.T) {
	t.Parallel()
	st := memory.New()
	clk := fake.New(now)
	c, err := corral.New(st, clk, corral.Config{}, nil)
	require.NoError(t, err)
	mgr, err := New(Deps{Registry: c, Tombstones: brokenTombstones{st}, Clock: clk})
	require.NoError(t, err)

	err = mgr.AddEntry(context.Background(), listing("1", ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
}
