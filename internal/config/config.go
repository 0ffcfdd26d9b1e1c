// Package config loads and validates engine configuration via Viper, and
// holds the string-keyed user Settings the engine reads and writes at runtime.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Settings SettingsConfig `mapstructure:"settings"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Driver   DriverConfig   `mapstructure:"driver"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// EngineConfig tunes the ticker, scheduler and registry.
type EngineConfig struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	SlowHorizon        time.Duration `mapstructure:"slow_horizon"`
	FastHorizon        time.Duration `mapstructure:"fast_horizon"`
	EndingWindow       time.Duration `mapstructure:"ending_window"`
	CompletionGrace    time.Duration `mapstructure:"completion_grace"`
	CacheSize          int           `mapstructure:"cache_size"`
}

// SettingsConfig locates the user settings file.
type SettingsConfig struct {
	Path string `mapstructure:"path"`
}

// StorageConfig selects the durable record store behind the registry.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	TablePrefix string `mapstructure:"table_prefix"`
}

// DriverConfig paces and retries calls into the auction site driver.
type DriverConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
	MaxAttempts   int     `mapstructure:"max_attempts"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SNIPEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("engine.tick_interval", "990ms")
	v.SetDefault("engine.checkpoint_interval", "10m")
	v.SetDefault("engine.slow_horizon", "69m")
	v.SetDefault("engine.fast_horizon", "1m")
	v.SetDefault("engine.ending_window", "69m")
	v.SetDefault("engine.completion_grace", "2m")
	v.SetDefault("engine.cache_size", 512)
	v.SetDefault("settings.path", "jbidwatcher.yaml")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.sqlite_path", "snipewatch.db")
	v.SetDefault("storage.table_prefix", "")
	v.SetDefault("driver.rate_per_second", 1.0)
	v.SetDefault("driver.burst", 2)
	v.SetDefault("driver.max_attempts", 3)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be > 0")
	}
	if c.Engine.CheckpointInterval <= 0 {
		return fmt.Errorf("engine.checkpoint_interval must be > 0")
	}
	if c.Engine.SlowHorizon <= 0 || c.Engine.FastHorizon <= 0 {
		return fmt.Errorf("engine horizons must be > 0")
	}
	if c.Engine.EndingWindow <= 0 {
		return fmt.Errorf("engine.ending_window must be > 0")
	}
	if c.Engine.CompletionGrace < 0 {
		return fmt.Errorf("engine.completion_grace must be >= 0")
	}
	if c.Engine.CacheSize <= 0 {
		return fmt.Errorf("engine.cache_size must be > 0")
	}
	if c.Settings.Path == "" {
		return fmt.Errorf("settings.path is required")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Driver.RatePerSecond < 0 {
		return fmt.Errorf("driver.rate_per_second must be >= 0")
	}
	if c.Driver.MaxAttempts <= 0 {
		return fmt.Errorf("driver.max_attempts must be > 0")
	}
	return nil
}
