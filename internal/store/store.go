// Package store defines the durable record store that sits behind the
// entry registry. Implementations live in subpackages (memory, sqlite,
// postgres) so the registry stays independent of a specific backend.
package store

import (
	"context"
	"errors"

	"github.com/JakeFAU/snipewatch/internal/auction"
)

// ErrNotFound is returned when a record is not present in the store.
var ErrNotFound = errors.New("record not found")

// Store persists listing records and the tombstones of deleted identifiers.
type Store interface {
	// Get returns a copy of the stored record or ErrNotFound.
	Get(ctx context.Context, id string) (auction.Record, error)
	// Put inserts or replaces a record.
	Put(ctx context.Context, rec auction.Record) error
	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error
	// List returns copies of every stored record.
	List(ctx context.Context) ([]auction.Record, error)

	// AddTombstone records that id was deleted and must not be re-added.
	AddTombstone(ctx context.Context, id string) error
	// HasTombstone reports whether id was deleted.
	HasTombstone(ctx context.Context, id string) (bool, error)
	// Tombstones lists every tombstoned identifier.
	Tombstones(ctx context.Context) ([]string, error)
	// ClearTombstones forgets all tombstones and returns how many were dropped.
	ClearTombstones(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}
