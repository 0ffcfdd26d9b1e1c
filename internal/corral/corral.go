// Package corral implements the entry registry: the only path through which
// listing records are read or mutated. Reads hand out copies taken under a
// per-identifier read lock; writes hand out an exclusive Lease that commits
// back to the durable store. A bounded LRU sits in front of the store as the
// weak cache.
package corral

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/snipewatch/internal/auction"
	"github.com/JakeFAU/snipewatch/internal/clock"
	"github.com/JakeFAU/snipewatch/internal/store"
)

// ErrNotFound is returned when the registry has no record for an identifier.
var ErrNotFound = store.ErrNotFound

// ErrLeaseReleased is returned when a lease is used after release.
var ErrLeaseReleased = errors.New("lease already released")

const (
	defaultCacheSize    = 512
	defaultEndingWindow = 69 * time.Minute
)

// Config tunes the registry.
type Config struct {
	// CacheSize bounds the weak cache (default 512 entries).
	CacheSize int
	// EndingWindow is how close to its deadline a listing must be to qualify
	// for the near-deadline bucket (default 69 minutes).
	EndingWindow time.Duration
}

// Corral is the entry registry.
type Corral struct {
	store        store.Store
	clock        clock.Clock
	cache        *lru.Cache[string, auction.Record]
	endingWindow time.Duration
	logger       *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.RWMutex
	removed map[string]struct{}
}

// New constructs a Corral over st.
func New(st store.Store, clk clock.Clock, cfg Config, logger *zap.Logger) (*Corral, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if clk == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.EndingWindow <= 0 {
		cfg.EndingWindow = defaultEndingWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New[string, auction.Record](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("build cache: %w", err)
	}
	return &Corral{
		store:        st,
		clock:        clk,
		cache:        cache,
		endingWindow: cfg.EndingWindow,
		logger:       logger,
		locks:        make(map[string]*sync.RWMutex),
		removed:      make(map[string]struct{}),
	}, nil
}

// Lease is an exclusive write borrow of one record. Callers mutate Record and
// then either Commit or Release. A lease must not be held across a scheduler
// yield point.
type Lease struct {
	Record *auction.Record

	c    *Corral
	id   string
	lock *sync.RWMutex
	done bool
}

// Commit writes the leased record back to the store, refreshes the cache and
// releases the lease. The lease is released even when the write fails. A
// record removed since the lease was taken is not written back.
func (l *Lease) Commit(ctx context.Context) error {
	if l.done {
		return ErrLeaseReleased
	}
	defer l.Release()
	if l.c.isRemoved(l.id) {
		return fmt.Errorf("commit %s: %w", l.id, ErrNotFound)
	}
	rec := l.Record.Clone()
	rec.ID = l.id
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("commit %s: %w", l.id, err)
	}
	if err := l.c.store.Put(ctx, rec); err != nil {
		l.c.cache.Remove(l.id)
		return fmt.Errorf("commit %s: %w", l.id, err)
	}
	l.c.cache.Add(l.id, rec)
	return nil
}

// Release gives up the lease without writing. Safe to call more than once.
func (l *Lease) Release() {
	if l.done {
		return
	}
	l.done = true
	l.lock.Unlock()
}

// TakeForRead returns a copy of the record. The copy may be stale by the time
// the caller looks at it but is never partially written.
func (c *Corral) TakeForRead(ctx context.Context, id string) (auction.Record, bool, error) {
	lock := c.lockFor(id)
	lock.RLock()
	defer lock.RUnlock()
	rec, err := c.load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return auction.Record{}, false, nil
	}
	if err != nil {
		return auction.Record{}, false, err
	}
	return rec, true, nil
}

// TakeForWrite returns an exclusive lease on the record. Concurrent callers
// for the same identifier queue behind the holder.
func (c *Corral) TakeForWrite(ctx context.Context, id string) (*Lease, error) {
	lock := c.lockFor(id)
	lock.Lock()
	rec, err := c.load(ctx, id)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	return &Lease{Record: &rec, c: c, id: id, lock: lock}, nil
}

// PutWeakly caches rec unless a copy is already cached or the record has been
// removed. The entry may be evicted at any time.
func (c *Corral) PutWeakly(rec auction.Record) {
	lock := c.lockFor(rec.ID)
	lock.RLock()
	defer lock.RUnlock()
	if c.isRemoved(rec.ID) {
		return
	}
	c.cache.ContainsOrAdd(rec.ID, rec.Clone())
}

// Erase drops any cached copy of id so the next read re-materializes it from
// the store.
func (c *Corral) Erase(id string) {
	c.cache.Remove(id)
}

// Insert stores a new record. Membership checks belong to the caller.
func (c *Corral) Insert(ctx context.Context, rec auction.Record) error {
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return err
	}
	lock := c.lockFor(rec.ID)
	lock.Lock()
	defer lock.Unlock()
	if err := c.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("insert %s: %w", rec.ID, err)
	}
	c.locksMu.Lock()
	delete(c.removed, rec.ID)
	c.locksMu.Unlock()
	c.cache.Add(rec.ID, rec.Clone())
	return nil
}

// Remove deletes the record from the store and the cache. Until the id is
// inserted again, leases still in flight for it cannot write it back and
// PutWeakly ignores it. The id's lock is kept so waiters queued on it stay
// serialized with later holders.
func (c *Corral) Remove(ctx context.Context, id string) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	err := c.store.Delete(ctx, id)
	c.cache.Remove(id)
	if err == nil || errors.Is(err, store.ErrNotFound) {
		c.locksMu.Lock()
		c.removed[id] = struct{}{}
		c.locksMu.Unlock()
	}
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

// All returns copies of every record ordered by deadline then identifier.
func (c *Corral) All(ctx context.Context) ([]auction.Record, error) {
	recs, err := c.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	sortByDeadline(recs)
	return recs, nil
}

// FindAllNeedingUpdate returns active listings not checked within horizon.
func (c *Corral) FindAllNeedingUpdate(ctx context.Context, horizon time.Duration) ([]string, error) {
	now := c.clock.Now()
	return c.find(ctx, func(r auction.Record) bool {
		return r.Active() && now.Sub(r.LastChecked) >= horizon
	})
}

// FindEndingNeedingUpdate returns active listings inside the ending window
// that were not checked within horizon.
func (c *Corral) FindEndingNeedingUpdate(ctx context.Context, horizon time.Duration) ([]string, error) {
	now := c.clock.Now()
	return c.find(ctx, func(r auction.Record) bool {
		if !r.Active() || r.EndTime.IsZero() {
			return false
		}
		return r.EndTime.Sub(now) <= c.endingWindow && now.Sub(r.LastChecked) >= horizon
	})
}

// FindManualUpdates returns listings the user asked to refresh.
func (c *Corral) FindManualUpdates(ctx context.Context) ([]string, error) {
	return c.find(ctx, func(r auction.Record) bool {
		return r.UpdateRequired && r.State != auction.StateDeleted
	})
}

// FindSnipesDue returns active listings whose snipe window has opened and
// whose deadline has not passed.
func (c *Corral) FindSnipesDue(ctx context.Context) ([]string, error) {
	now := c.clock.Now()
	return c.find(ctx, func(r auction.Record) bool {
		if !r.Active() || r.Snipe == nil || r.Snipe.Fired {
			return false
		}
		at, ok := r.SnipeAt()
		return ok && !now.Before(at) && now.Before(r.EndTime)
	})
}

// FindExpired returns active listings whose deadline passed more than grace ago.
func (c *Corral) FindExpired(ctx context.Context, grace time.Duration) ([]string, error) {
	now := c.clock.Now()
	return c.find(ctx, func(r auction.Record) bool {
		return r.Active() && !r.EndTime.IsZero() && !now.Before(r.EndTime.Add(grace))
	})
}

// Counts returns the number of active and total records.
func (c *Corral) Counts(ctx context.Context) (active, total int, err error) {
	recs, err := c.store.List(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list records: %w", err)
	}
	for _, r := range recs {
		if r.Active() {
			active++
		}
	}
	return active, len(recs), nil
}

func (c *Corral) find(ctx context.Context, match func(auction.Record) bool) ([]string, error) {
	recs, err := c.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	hits := recs[:0]
	for _, r := range recs {
		if match(r) {
			hits = append(hits, r)
		}
	}
	sortByDeadline(hits)
	ids := make([]string, len(hits))
	for i, r := range hits {
		ids[i] = r.ID
	}
	return ids, nil
}

func (c *Corral) load(ctx context.Context, id string) (auction.Record, error) {
	if c.isRemoved(id) {
		return auction.Record{}, ErrNotFound
	}
	if rec, ok := c.cache.Get(id); ok {
		return rec.Clone(), nil
	}
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("store read failed", zap.String("id", id), zap.Error(err))
		}
		return auction.Record{}, err
	}
	c.cache.Add(id, rec.Clone())
	return rec, nil
}

func (c *Corral) lockFor(id string) *sync.RWMutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.RWMutex{}
		c.locks[id] = l
	}
	return l
}

func (c *Corral) isRemoved(id string) bool {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	_, ok := c.removed[id]
	return ok
}

func sortByDeadline(recs []auction.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.EndTime.Equal(b.EndTime) {
			return a.EndTime.Before(b.EndTime)
		}
		return a.ID < b.ID
	})
}
