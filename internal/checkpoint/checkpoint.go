// Package checkpoint snapshots the registry to an XML file and restores it.
//
// Saves never destroy the previous snapshot: when the target already exists
// the new document goes to target.temp first, and only a fully written temp
// file is promoted. The replaced snapshot is kept under a timestamped name in
// a five-slot rotation, and the slot that falls off the end is archived into
// a five-slot chain of dated backups.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/snipewatch/internal/auction"
	"github.com/JakeFAU/snipewatch/internal/bus"
	"github.com/JakeFAU/snipewatch/internal/clock"
	"github.com/JakeFAU/snipewatch/internal/config"
	"github.com/JakeFAU/snipewatch/internal/metrics"
)

// Rotation depth of both backup chains.
const slots = 5

// Layouts inserted into backup file names.
const (
	retainLayout = "02Jan06_1504"
	byDateLayout = "02Jan06"
)

const tempSuffix = ".temp"

// Source supplies the records and tombstones to snapshot.
type Source interface {
	All(ctx context.Context) ([]auction.Record, error)
	Tombstones(ctx context.Context) ([]string, error)
}

// Deps bundles the checkpointer collaborators.
type Deps struct {
	FS       afero.Fs
	Settings *config.Settings
	Source   Source
	Notifier *bus.Notifier
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Checkpointer saves and loads snapshots. Only one save runs at a time.
type Checkpointer struct {
	fs       afero.Fs
	settings *config.Settings
	source   Source
	notifier *bus.Notifier
	clock    clock.Clock
	logger   *zap.Logger

	saveMu sync.Mutex
}

// New validates deps and returns a Checkpointer.
func New(deps Deps) (*Checkpointer, error) {
	if deps.Settings == nil {
		return nil, errors.New("settings are required")
	}
	if deps.Source == nil {
		return nil, errors.New("source is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if deps.FS == nil {
		deps.FS = afero.NewOsFs()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Checkpointer{
		fs:       deps.FS,
		settings: deps.Settings,
		source:   deps.Source,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		logger:   deps.Logger,
	}, nil
}

// Target returns the configured snapshot path.
func (c *Checkpointer) Target() string {
	return c.settings.GetOr(config.KeySaveFile, config.DefaultSaveFile)
}

// Save writes a snapshot of every record plus the tombstones. A write
// failure leaves the existing target untouched. Rotation failures are logged
// and never returned.
func (c *Checkpointer) Save(ctx context.Context) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	start := time.Now()
	err := c.save(ctx)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ObserveCheckpoint(result, time.Since(start))
	return err
}

func (c *Checkpointer) save(ctx context.Context) error {
	recs, err := c.source.All(ctx)
	if err != nil {
		return fmt.Errorf("collect records: %w", err)
	}
	tombstones, err := c.source.Tombstones(ctx)
	if err != nil {
		return fmt.Errorf("collect tombstones: %w", err)
	}
	doc, err := render(recs, tombstones)
	if err != nil {
		return err
	}

	target := c.Target()
	if dir := filepath.Dir(target); dir != "" {
		if err := c.fs.MkdirAll(dir, 0o755); err != nil {
			c.logger.Warn("creating save directory failed", zap.String("dir", dir), zap.Error(err))
		}
	}

	swap := c.exists(target)
	out := target
	if swap {
		out = target + tempSuffix
		if err := c.fs.Remove(out); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("removing stale temp file failed", zap.String("path", out), zap.Error(err))
		}
	}

	if err := c.write(out, doc); err != nil {
		c.logger.Error("saving auctions failed", zap.String("path", out), zap.Error(err))
		if swap {
			_ = c.fs.Remove(out)
		}
		return fmt.Errorf("write snapshot: %w", err)
	}

	if swap {
		c.preserve(target)
	}

	c.settings.Set(config.KeyLastAuctionCount, strconv.Itoa(len(recs)))
	if err := c.settings.Save(); err != nil {
		c.logger.Warn("flushing settings failed", zap.Error(err))
	}
	c.logger.Info("auctions saved",
		zap.String("path", target),
		zap.Int("auctions", len(recs)),
		zap.Int("deleted", len(tombstones)),
	)
	return nil
}

func (c *Checkpointer) write(path string, doc []byte) error {
	f, err := c.fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(doc); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// preserve promotes target.temp to target, keeping the replaced snapshot
// under a timestamped name in the save.file rotation.
func (c *Checkpointer) preserve(target string) {
	now := c.clock.Now()
	retain := BackupName(target, now.Format(retainLayout))
	c.remove(retain)

	if oldest := c.settings.Get(config.SaveFileSlot(slots - 1)); oldest != "" && c.exists(oldest) {
		c.backupByDate(target, oldest, now)
	}
	for i := slots - 1; i > 0; i-- {
		c.settings.Set(config.SaveFileSlot(i), c.settings.Get(config.SaveFileSlot(i-1)))
	}

	c.rename(target, retain)
	c.settings.Set(config.SaveFileSlot(0), retain)
	c.rename(target+tempSuffix, target)
}

// backupByDate moves the oldest rotation file into the dated chain. A second
// archive on the same day replaces that day's backup without shifting.
func (c *Checkpointer) backupByDate(target, oldest string, now time.Time) {
	dated := BackupName(target, now.Format(byDateLayout))
	if c.exists(dated) {
		c.remove(dated)
		c.rename(oldest, dated)
		return
	}
	c.rename(oldest, dated)
	dropped := c.settings.Get(config.ByDateSlot(slots - 1))
	for i := slots - 1; i > 0; i-- {
		c.settings.Set(config.ByDateSlot(i), c.settings.Get(config.ByDateSlot(i-1)))
	}
	c.settings.Set(config.ByDateSlot(0), dated)
	if dropped != "" {
		c.remove(dropped)
	}
}

// BackupName inserts "-"+stamp before the first dot of the file's base name,
// or appends it when the base name has no dot.
func BackupName(name, stamp string) string {
	base := strings.LastIndex(name, string(filepath.Separator))
	if base < 0 {
		base = 0
	}
	dot := strings.IndexByte(name[base:], '.')
	if dot < 0 {
		return name + "-" + stamp
	}
	dot += base
	return name[:dot] + "-" + stamp + name[dot:]
}

func (c *Checkpointer) exists(path string) bool {
	_, err := c.fs.Stat(path)
	return err == nil
}

func (c *Checkpointer) remove(path string) {
	if err := c.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("removing backup failed", zap.String("path", path), zap.Error(err))
	}
}

func (c *Checkpointer) rename(from, to string) {
	if err := c.fs.Rename(from, to); err != nil {
		c.logger.Warn("renaming snapshot failed", zap.String("from", from), zap.String("to", to), zap.Error(err))
	}
}
