package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/snipewatch/internal/auction"
	"github.com/JakeFAU/snipewatch/internal/store"
)

var _ store.Store = (*Store)(nil)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "auctions.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestStorePutGetList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)

	end := time.Date(2024, time.March, 3, 18, 0, 0, 0, time.UTC)
	rec := auction.Record{
		ID:       "200",
		Title:    "Lens",
		Category: "cameras",
		Server:   "ebay",
		EndTime:  end,
		Price:    decimal.RequireFromString("12.34"),
		Currency: "USD",
		State:    auction.StateActive,
		Snipe:    &auction.Snipe{Amount: decimal.NewFromInt(20), Quantity: 1, Lead: 5 * time.Second},
	}
	require.NoError(t, s.Put(ctx, rec))
	require.NoError(t, s.Put(ctx, auction.Record{ID: "100", Title: "Body", Category: "cameras", Server: "ebay", State: auction.StateActive}))

	got, err := s.Get(ctx, "200")
	require.NoError(t, err)
	assert.True(t, rec.Equal(got), "want %+v got %+v", rec, got)

	rec.Title = "Lens 50mm"
	require.NoError(t, s.Put(ctx, rec))
	got, err = s.Get(ctx, "200")
	require.NoError(t, err)
	assert.Equal(t, "Lens 50mm", got.Title)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "100", list[0].ID)

	require.NoError(t, s.Delete(ctx, "200"))
	_, err = s.Get(ctx, "200")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStoreTombstones(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.AddTombstone(ctx, "D"))
	require.NoError(t, s.AddTombstone(ctx, "D"))
	ok, err := s.HasTombstone(ctx, "D")
	require.NoError(t, err)
	assert.True(t, ok)

	ids, err := s.Tombstones(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"D"}, ids)

	n, err := s.ClearTombstones(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStorePutPropagatesExecError(t *testing.T) {
	t.Parallel()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close() //nolint:errcheck

	s := NewWithDB(sqlx.NewDb(mockDB, "sqlmock"))
	mock.ExpectExec("INSERT INTO auctions").WillReturnError(errors.New("disk full"))

	err = s.Put(context.Background(), auction.Record{ID: "1", Server: "ebay", State: auction.StateActive})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "")
	require.Error(t, err)
}
