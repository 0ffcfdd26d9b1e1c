// Package sqlite provides an embedded SQLite record store so listings survive
// restarts independently of the snapshot file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite" // registers the "sqlite" driver
	"github.com/jmoiron/sqlx"

	"github.com/JakeFAU/snipewatch/internal/auction"
	"github.com/JakeFAU/snipewatch/internal/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS auctions (
		id TEXT PRIMARY KEY,
		server TEXT NOT NULL,
		body BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS deleted_auctions (
		id TEXT PRIMARY KEY,
		deleted_at INTEGER NOT NULL
	);`,
}

type row struct {
	ID     string `db:"id"`
	Server string `db:"server"`
	Body   []byte `db:"body"`
}

// Store persists records as canonical XML blobs in SQLite.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=NORMAL;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %s: %w", pragma, err)
		}
	}
	s := NewWithDB(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle (primarily for testing).
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables if they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Get fetches a record by ID.
func (s *Store) Get(ctx context.Context, id string) (auction.Record, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT id, server, body FROM auctions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return auction.Record{}, store.ErrNotFound
	}
	if err != nil {
		return auction.Record{}, fmt.Errorf("select auction %s: %w", id, err)
	}
	return auction.Decode(r.Body, r.Server)
}

// Put upserts a record.
func (s *Store) Put(ctx context.Context, rec auction.Record) error {
	body, err := auction.Canonical(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO auctions (id, server, body, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET server=excluded.server, body=excluded.body, updated_at=excluded.updated_at`,
		rec.ID, rec.Server, body, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert auction %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auctions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete auction %s: %w", id, err)
	}
	return nil
}

// List returns every record ordered by ID.
func (s *Store) List(ctx context.Context) ([]auction.Record, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, server, body FROM auctions ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list auctions: %w", err)
	}
	out := make([]auction.Record, 0, len(rows))
	for _, r := range rows {
		rec, err := auction.Decode(r.Body, r.Server)
		if err != nil {
			return nil, fmt.Errorf("decode auction %s: %w", r.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// AddTombstone marks id as deleted.
func (s *Store) AddTombstone(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deleted_auctions (id, deleted_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		id, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert tombstone %s: %w", id, err)
	}
	return nil
}

// HasTombstone reports whether id was deleted.
func (s *Store) HasTombstone(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM deleted_auctions WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("query tombstone %s: %w", id, err)
	}
	return n > 0, nil
}

// Tombstones lists deleted identifiers.
func (s *Store) Tombstones(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM deleted_auctions ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list tombstones: %w", err)
	}
	return ids, nil
}

// ClearTombstones drops all tombstones.
func (s *Store) ClearTombstones(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deleted_auctions`)
	if err != nil {
		return 0, fmt.Errorf("clear tombstones: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear tombstones rows: %w", err)
	}
	return int(n), nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
