// Package manager owns the registry membership: adding, deleting and editing
// listings while keeping the category index and tombstones in lockstep with
// the corral.
package manager

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JakeFAU/snipewatch/internal/auction"
	"github.com/JakeFAU/snipewatch/internal/bus"
	"github.com/JakeFAU/snipewatch/internal/clock"
	"github.com/JakeFAU/snipewatch/internal/config"
	"github.com/JakeFAU/snipewatch/internal/corral"
	"github.com/JakeFAU/snipewatch/internal/filter"
)

// Errors returned by membership operations.
var (
	ErrNotFound   = corral.ErrNotFound
	ErrExists     = errors.New("auction already tracked")
	ErrTombstoned = errors.New("auction was deleted")
	ErrInactive   = errors.New("auction is no longer active")
)

// Registry is the subset of the corral the manager drives.
type Registry interface {
	TakeForRead(ctx context.Context, id string) (auction.Record, bool, error)
	TakeForWrite(ctx context.Context, id string) (*corral.Lease, error)
	Insert(ctx context.Context, rec auction.Record) error
	Remove(ctx context.Context, id string) error
	All(ctx context.Context) ([]auction.Record, error)
	Counts(ctx context.Context) (active, total int, err error)
}

// Tombstones persists deleted identifiers.
type Tombstones interface {
	AddTombstone(ctx context.Context, id string) error
	HasTombstone(ctx context.Context, id string) (bool, error)
	Tombstones(ctx context.Context) ([]string, error)
	ClearTombstones(ctx context.Context) (int, error)
}

// Saver snapshots the registry.
type Saver interface {
	Save(ctx context.Context) error
}

// Deps bundles the manager's collaborators.
type Deps struct {
	Registry   Registry
	Tombstones Tombstones
	Index      *filter.Index
	Settings   *config.Settings
	Notifier   *bus.Notifier
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Manager serializes membership changes so the registry, the index and the
// tombstone set never disagree.
type Manager struct {
	registry   Registry
	tombstones Tombstones
	index      *filter.Index
	settings   *config.Settings
	notifier   *bus.Notifier
	clock      clock.Clock
	logger     *zap.Logger

	mu        sync.Mutex
	saver     Saver
	snipeLead atomic.Int64
}

// New validates deps and returns a Manager. The default snipe lead follows
// the snipemilliseconds setting.
func New(deps Deps) (*Manager, error) {
	if deps.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if deps.Tombstones == nil {
		return nil, errors.New("tombstone store is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if deps.Index == nil {
		deps.Index = filter.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	m := &Manager{
		registry:   deps.Registry,
		tombstones: deps.Tombstones,
		index:      deps.Index,
		settings:   deps.Settings,
		notifier:   deps.Notifier,
		clock:      deps.Clock,
		logger:     deps.Logger,
	}
	m.setSnipeLead(config.DefaultSnipeMilliseconds)
	if deps.Settings != nil {
		m.setSnipeLead(deps.Settings.GetOr(config.KeySnipeMilliseconds, config.DefaultSnipeMilliseconds))
		deps.Settings.OnChange(func(key, value string) {
			if key == config.KeySnipeMilliseconds {
				m.setSnipeLead(value)
			}
		})
	}
	return m, nil
}

// SetSaver installs the checkpointer used by ClearDeleted.
func (m *Manager) SetSaver(s Saver) {
	m.mu.Lock()
	m.saver = s
	m.mu.Unlock()
}

// Index exposes the category index.
func (m *Manager) Index() *filter.Index { return m.index }

// SnipeLead returns the lead applied to new snipes.
func (m *Manager) SnipeLead() time.Duration {
	return time.Duration(m.snipeLead.Load()) * time.Millisecond
}

func (m *Manager) setSnipeLead(raw string) {
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ms < 0 {
		m.logger.Warn("ignoring invalid snipe lead", zap.String("value", raw))
		return
	}
	m.snipeLead.Store(ms)
}

// AddEntry starts tracking rec. Deleted identifiers cannot be re-added.
func (m *Manager) AddEntry(ctx context.Context, rec auction.Record) error {
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Created.IsZero() {
		rec.Created = m.clock.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	dead, err := m.tombstones.HasTombstone(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("check tombstone %s: %w", rec.ID, err)
	}
	if dead {
		return fmt.Errorf("add %s: %w", rec.ID, ErrTombstoned)
	}
	if _, ok, err := m.registry.TakeForRead(ctx, rec.ID); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("add %s: %w", rec.ID, ErrExists)
	}
	if err := m.registry.Insert(ctx, rec); err != nil {
		return err
	}
	if rec.State != auction.StateDeleted {
		m.index.Add(rec.Category, rec.ID)
	}
	m.logger.Info("auction added", zap.String("id", rec.ID), zap.String("category", rec.Category))
	m.notifier.Redraw(rec.Category)
	return nil
}

// DeleteEntry tombstones id, cancels its snipe, drops it from the index and
// releases the record.
func (m *Manager) DeleteEntry(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok, err := m.registry.TakeForRead(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	if err := m.tombstones.AddTombstone(ctx, id); err != nil {
		return fmt.Errorf("tombstone %s: %w", id, err)
	}
	if rec.Snipe != nil {
		if err := m.clearSnipe(ctx, id); err != nil {
			m.logger.Warn("cancelling snipe before delete failed", zap.String("id", id), zap.Error(err))
		}
	}
	m.index.Remove(id)
	if err := m.registry.Remove(ctx, id); err != nil {
		return err
	}
	m.logger.Info("auction deleted", zap.String("id", id))
	m.notifier.Redraw(rec.Category)
	return nil
}

// Get returns a copy of the record.
func (m *Manager) Get(ctx context.Context, id string) (auction.Record, error) {
	rec, ok, err := m.registry.TakeForRead(ctx, id)
	if err != nil {
		return auction.Record{}, err
	}
	if !ok {
		return auction.Record{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return rec, nil
}

// List returns the records of one category in index order, or every record
// ordered by deadline when category is empty.
func (m *Manager) List(ctx context.Context, category string) ([]auction.Record, error) {
	if category == "" {
		return m.registry.All(ctx)
	}
	ids := m.index.Members(category)
	out := make([]auction.Record, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := m.registry.TakeForRead(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// SetComment replaces the user's comment.
func (m *Manager) SetComment(ctx context.Context, id, comment string) error {
	return m.edit(ctx, id, func(r *auction.Record) error {
		r.Comment = comment
		return nil
	})
}

// SetCategory moves the listing to another group.
func (m *Manager) SetCategory(ctx context.Context, id, category string) error {
	category = strings.TrimSpace(category)
	if category == "" {
		category = auction.DefaultCategory
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var previous string
	if err := m.edit(ctx, id, func(r *auction.Record) error {
		previous = r.Category
		r.Category = category
		return nil
	}); err != nil {
		return err
	}
	m.index.Move(id, category)
	if previous != category {
		m.notifier.Redraw(previous)
		m.notifier.Redraw(category)
	}
	return nil
}

// SetSnipe schedules a bid of amount for quantity items, submitted the
// configured lead before the deadline.
func (m *Manager) SetSnipe(ctx context.Context, id string, amount decimal.Decimal, quantity int) error {
	if !amount.IsPositive() {
		return fmt.Errorf("snipe %s: amount must be > 0", id)
	}
	if quantity <= 0 {
		quantity = 1
	}
	lead := m.SnipeLead()
	return m.edit(ctx, id, func(r *auction.Record) error {
		if !r.Active() {
			return fmt.Errorf("snipe %s: %w", id, ErrInactive)
		}
		r.Snipe = &auction.Snipe{Amount: amount, Quantity: quantity, Lead: lead}
		m.logger.Info("snipe set", zap.String("id", id), zap.String("amount", amount.String()), zap.Duration("lead", lead))
		return nil
	})
}

// CancelSnipe removes any pending snipe.
func (m *Manager) CancelSnipe(ctx context.Context, id string) error {
	return m.clearSnipe(ctx, id)
}

func (m *Manager) clearSnipe(ctx context.Context, id string) error {
	return m.edit(ctx, id, func(r *auction.Record) error {
		r.Snipe = nil
		return nil
	})
}

// ForceUpdate flags the listing for the next tick's manual bucket.
func (m *Manager) ForceUpdate(ctx context.Context, id string) error {
	return m.edit(ctx, id, func(r *auction.Record) error {
		r.UpdateRequired = true
		return nil
	})
}

// ClearDeleted forgets every tombstone and then checkpoints.
func (m *Manager) ClearDeleted(ctx context.Context) (int, error) {
	m.mu.Lock()
	n, err := m.tombstones.ClearTombstones(ctx)
	saver := m.saver
	m.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("clear tombstones: %w", err)
	}
	m.logger.Info("tombstones cleared", zap.Int("count", n))
	if saver != nil {
		if err := saver.Save(ctx); err != nil {
			return n, fmt.Errorf("save after clearing tombstones: %w", err)
		}
	}
	return n, nil
}

// Restore ingests a record from a snapshot. Tombstoned identifiers are
// skipped without error and existing records are replaced.
func (m *Manager) Restore(ctx context.Context, rec auction.Record) error {
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dead, err := m.tombstones.HasTombstone(ctx, rec.ID)
	if err != nil {
		m.logger.Warn("tombstone check failed during restore", zap.String("id", rec.ID), zap.Error(err))
	} else if dead {
		m.logger.Debug("skipping deleted auction", zap.String("id", rec.ID))
		return nil
	}
	if err := m.registry.Insert(ctx, rec); err != nil {
		return err
	}
	if rec.State != auction.StateDeleted {
		m.index.Add(rec.Category, rec.ID)
	}
	return nil
}

// RestoreTombstone records a deletion read from a snapshot.
func (m *Manager) RestoreTombstone(ctx context.Context, id string) error {
	return m.tombstones.AddTombstone(ctx, id)
}

// RebuildIndex repopulates the category index from the registry.
func (m *Manager) RebuildIndex(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs, err := m.registry.All(ctx)
	if err != nil {
		return err
	}
	m.index.Reset()
	for _, r := range recs {
		if r.State != auction.StateDeleted {
			m.index.Add(r.Category, r.ID)
		}
	}
	return nil
}

// Reindex files id under the category its record currently carries, or drops
// it from the index when the record is gone or deleted. The updater calls it
// when a refresh moves a listing.
func (m *Manager) Reindex(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok, err := m.registry.TakeForRead(ctx, id)
	if err != nil {
		return fmt.Errorf("reindex %s: %w", id, err)
	}
	if !ok || rec.State == auction.StateDeleted {
		m.index.Remove(id)
		return nil
	}
	m.index.Move(id, rec.Category)
	return nil
}

// Counts reports active and total records.
func (m *Manager) Counts(ctx context.Context) (int, int, error) {
	return m.registry.Counts(ctx)
}

// All returns every record; it feeds the checkpointer.
func (m *Manager) All(ctx context.Context) ([]auction.Record, error) {
	return m.registry.All(ctx)
}

// Tombstones lists deleted identifiers; it feeds the checkpointer.
func (m *Manager) Tombstones(ctx context.Context) ([]string, error) {
	return m.tombstones.Tombstones(ctx)
}

func (m *Manager) edit(ctx context.Context, id string, fn func(*auction.Record) error) error {
	lease, err := m.registry.TakeForWrite(ctx, id)
	if err != nil {
		return fmt.Errorf("edit %s: %w", id, err)
	}
	if err := fn(lease.Record); err != nil {
		lease.Release()
		return err
	}
	if err := lease.Commit(ctx); err != nil {
		return err
	}
	m.notifier.Redraw(id)
	return nil
}
