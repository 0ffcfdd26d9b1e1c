package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Settings keys the engine reads and writes.
const (
	KeySaveFile          = "savefile"
	KeySaveFileFormat    = "savefile.format"
	KeyLastAuctionCount  = "last.auctioncount"
	KeyStatsAuctions     = "stats.auctions"
	KeySnipeMilliseconds = "snipemilliseconds"

	DefaultSaveFile          = "auctions.xml"
	DefaultSnipeMilliseconds = "30000"
)

// SaveFileSlot names the n-th short-term rotation slot.
func SaveFileSlot(n int) string { return fmt.Sprintf("save.file.%d", n) }

// ByDateSlot names the n-th dated backup slot.
func ByDateSlot(n int) string { return fmt.Sprintf("save.bydate.%d", n) }

// ChangeFunc observes a settings write.
type ChangeFunc func(key, value string)

// Settings is a process-wide string map. Reads never block: they load an
// immutable map through an atomic pointer. Writers copy the map under a mutex
// and publish the copy.
type Settings struct {
	fs     afero.Fs
	path   string
	logger *zap.Logger

	mu        sync.Mutex
	values    atomic.Pointer[map[string]string]
	listeners []ChangeFunc
}

// NewSettings returns empty Settings persisted at path on fsys.
func NewSettings(fsys afero.Fs, path string, logger *zap.Logger) *Settings {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Settings{fs: fsys, path: path, logger: logger}
	empty := map[string]string{}
	s.values.Store(&empty)
	return s
}

// Get returns the value for key or "".
func (s *Settings) Get(key string) string {
	return (*s.values.Load())[key]
}

// GetOr returns the value for key, or def when unset or empty.
func (s *Settings) GetOr(key, def string) string {
	if v := s.Get(key); v != "" {
		return v
	}
	return def
}

// Lookup reports whether key is set.
func (s *Settings) Lookup(key string) (string, bool) {
	v, ok := (*s.values.Load())[key]
	return v, ok
}

// Set stores value under key and notifies listeners when it changed.
func (s *Settings) Set(key, value string) {
	s.mu.Lock()
	cur := *s.values.Load()
	if old, ok := cur[key]; ok && old == value {
		s.mu.Unlock()
		return
	}
	next := make(map[string]string, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[key] = value
	s.values.Store(&next)
	listeners := append([]ChangeFunc(nil), s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(key, value)
	}
}

// Delete removes key.
func (s *Settings) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := *s.values.Load()
	if _, ok := cur[key]; !ok {
		return
	}
	next := make(map[string]string, len(cur))
	for k, v := range cur {
		if k != key {
			next[k] = v
		}
	}
	s.values.Store(&next)
}

// OnChange registers fn for every subsequent Set that changes a value.
func (s *Settings) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Keys returns the sorted set keys.
func (s *Settings) Keys() []string {
	cur := *s.values.Load()
	keys := make([]string, 0, len(cur))
	for k := range cur {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Settings) viper() *viper.Viper {
	// Keys such as savefile and savefile.format must stay flat.
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetFs(s.fs)
	v.SetConfigFile(s.path)
	return v
}

// Load replaces the settings with the file's contents. A missing file leaves
// the settings empty.
func (s *Settings) Load() error {
	if s.path == "" {
		return nil
	}
	if _, err := s.fs.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("settings file not found; starting empty", zap.String("path", s.path))
		return nil
	}
	v := s.viper()
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	next := make(map[string]string)
	for _, k := range v.AllKeys() {
		next[k] = v.GetString(k)
	}
	s.mu.Lock()
	s.values.Store(&next)
	s.mu.Unlock()
	return nil
}

// Save writes the settings file.
func (s *Settings) Save() error {
	if s.path == "" {
		return nil
	}
	v := s.viper()
	for k, val := range *s.values.Load() {
		v.Set(k, val)
	}
	if err := v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
