// Package postgres provides a Postgres-backed record store for installations
// that keep listings in a shared database instead of a local file.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/snipewatch/internal/auction"
	"github.com/JakeFAU/snipewatch/internal/store"
)

var validPrefix = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$|^$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store persists records as canonical XML in Postgres.
type Store struct {
	pool      pool
	auctions  string
	tombstone string
}

// New connects a pool using cfg and applies the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("storage.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.TablePrefix)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, prefix string) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if !validPrefix.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return &Store{
		pool:      p,
		auctions:  prefix + "auctions",
		tombstone: prefix + "deleted_auctions",
	}, nil
}

// Migrate creates the tables if they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	server TEXT NOT NULL,
	body BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, s.auctions),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	deleted_at TIMESTAMPTZ NOT NULL
)`, s.tombstone),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Get fetches a record by ID.
func (s *Store) Get(ctx context.Context, id string) (auction.Record, error) {
	var server string
	var body []byte
	query := fmt.Sprintf(`SELECT server, body FROM %s WHERE id = $1`, s.auctions)
	err := s.pool.QueryRow(ctx, query, id).Scan(&server, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return auction.Record{}, store.ErrNotFound
	}
	if err != nil {
		return auction.Record{}, fmt.Errorf("select auction %s: %w", id, err)
	}
	return auction.Decode(body, server)
}

// Put upserts a record.
func (s *Store) Put(ctx context.Context, rec auction.Record) error {
	body, err := auction.Canonical(rec)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, server, body, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET server = EXCLUDED.server, body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
		s.auctions)
	if _, err := s.pool.Exec(ctx, query, rec.ID, rec.Server, body, time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert auction %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.auctions)
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("delete auction %s: %w", id, err)
	}
	return nil
}

// List returns every record ordered by ID.
func (s *Store) List(ctx context.Context) ([]auction.Record, error) {
	query := fmt.Sprintf(`SELECT id, server, body FROM %s ORDER BY id`, s.auctions)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list auctions: %w", err)
	}
	defer rows.Close()

	var out []auction.Record
	for rows.Next() {
		var id, server string
		var body []byte
		if err := rows.Scan(&id, &server, &body); err != nil {
			return nil, fmt.Errorf("scan auction: %w", err)
		}
		rec, err := auction.Decode(body, server)
		if err != nil {
			return nil, fmt.Errorf("decode auction %s: %w", id, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate auctions: %w", err)
	}
	return out, nil
}

// AddTombstone marks id as deleted.
func (s *Store) AddTombstone(ctx context.Context, id string) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, deleted_at) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, s.tombstone)
	if _, err := s.pool.Exec(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert tombstone %s: %w", id, err)
	}
	return nil
}

// HasTombstone reports whether id was deleted.
func (s *Store) HasTombstone(ctx context.Context, id string) (bool, error) {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.tombstone)
	if err := s.pool.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("query tombstone %s: %w", id, err)
	}
	return exists, nil
}

// Tombstones lists deleted identifiers.
func (s *Store) Tombstones(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT id FROM %s ORDER BY id`, s.tombstone)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tombstones: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tombstone: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tombstones: %w", err)
	}
	return ids, nil
}

// ClearTombstones drops all tombstones.
func (s *Store) ClearTombstones(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.tombstone))
	if err != nil {
		return 0, fmt.Errorf("clear tombstones: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
