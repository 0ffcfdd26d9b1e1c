// Package memory provides an in-memory record store for the file-backed
// configuration and for tests. Durability comes from the snapshot file.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/snipewatch/internal/auction"
	"github.com/JakeFAU/snipewatch/internal/store"
)

// Store keeps records in a map guarded by a RWMutex.
type Store struct {
	mu         sync.RWMutex
	records    map[string]auction.Record
	tombstones map[string]struct{}
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		records:    make(map[string]auction.Record),
		tombstones: make(map[string]struct{}),
	}
}

// Get fetches a record by ID.
func (s *Store) Get(_ context.Context, id string) (auction.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return auction.Record{}, store.ErrNotFound
	}
	return rec.Clone(), nil
}

// Put stores a copy of rec.
func (s *Store) Put(_ context.Context, rec auction.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec.Clone()
	return nil
}

// Delete removes a record.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// List returns all records ordered by ID.
func (s *Store) List(_ context.Context) ([]auction.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auction.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AddTombstone marks id as deleted.
func (s *Store) AddTombstone(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tombstones[id] = struct{}{}
	return nil
}

// HasTombstone reports whether id was deleted.
func (s *Store) HasTombstone(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tombstones[id]
	return ok, nil
}

// Tombstones lists deleted identifiers in lexical order.
func (s *Store) Tombstones(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tombstones))
	for id := range s.tombstones {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// ClearTombstones drops all tombstones.
func (s *Store) ClearTombstones(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.tombstones)
	s.tombstones = make(map[string]struct{})
	return n, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
