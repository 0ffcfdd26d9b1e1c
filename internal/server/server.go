// Package server builds the engine from configuration and runs it until the
// process is told to stop.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/snipewatch/internal/api"
	"github.com/JakeFAU/snipewatch/internal/bus"
	"github.com/JakeFAU/snipewatch/internal/checkpoint"
	"github.com/JakeFAU/snipewatch/internal/clock"
	"github.com/JakeFAU/snipewatch/internal/clock/system"
	"github.com/JakeFAU/snipewatch/internal/config"
	"github.com/JakeFAU/snipewatch/internal/corral"
	"github.com/JakeFAU/snipewatch/internal/driver"
	"github.com/JakeFAU/snipewatch/internal/filter"
	"github.com/JakeFAU/snipewatch/internal/id/uuid"
	"github.com/JakeFAU/snipewatch/internal/logging"
	"github.com/JakeFAU/snipewatch/internal/manager"
	"github.com/JakeFAU/snipewatch/internal/pause"
	"github.com/JakeFAU/snipewatch/internal/pipeline"
	"github.com/JakeFAU/snipewatch/internal/policy/ratelimit"
	"github.com/JakeFAU/snipewatch/internal/scheduler"
	"github.com/JakeFAU/snipewatch/internal/store"
	"github.com/JakeFAU/snipewatch/internal/store/memory"
	"github.com/JakeFAU/snipewatch/internal/store/postgres"
	"github.com/JakeFAU/snipewatch/internal/store/sqlite"
	"github.com/JakeFAU/snipewatch/internal/ticker"
)

const shutdownTimeout = 10 * time.Second

// Env carries the process-level collaborators Build would otherwise create.
// Zero fields take production defaults.
type Env struct {
	Logger *zap.Logger
	FS     afero.Fs
	Clock  clock.Clock
	Store  store.Store
	Driver driver.Driver
}

// App contains the engine's long-lived components.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store        store.Store
	settings     *config.Settings
	bus          *bus.Bus
	corral       *corral.Corral
	manager      *manager.Manager
	checkpointer *checkpoint.Checkpointer
	scheduler    *scheduler.Scheduler
	ticker       *ticker.Ticker
	updates      *pause.Flag
	apiServer    *api.Server

	loaded    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Build creates the application's dependencies from cfg.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWith(ctx, cfg, Env{Logger: logger})
}

// BuildWith creates the application using the collaborators in env.
func BuildWith(ctx context.Context, cfg config.Config, env Env) (*App, error) {
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	if env.FS == nil {
		env.FS = afero.NewOsFs()
	}
	if env.Clock == nil {
		env.Clock = system.New()
	}
	logger := env.Logger
	logger.Info("building application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Duration("tick_interval", cfg.Engine.TickInterval),
	)

	app := &App{cfg: cfg, logger: logger, updates: &pause.Flag{}}

	app.store = env.Store
	if app.store == nil {
		st, err := openStore(ctx, cfg.Storage, logger)
		if err != nil {
			return nil, err
		}
		app.store = st
	}

	app.settings = config.NewSettings(env.FS, cfg.Settings.Path, logging.Component(logger, "settings"))

	busLogger := logging.Component(logger, "bus")
	app.bus = bus.New(bus.Config{
		Logger:      busLogger,
		Clock:       env.Clock,
		IDs:         uuid.New(),
		BaseContext: ctx,
		Fallback:    logHandler(busLogger),
	})
	notifier := bus.NewNotifier(app.bus)

	var err error
	app.corral, err = corral.New(app.store, env.Clock, corral.Config{
		CacheSize:    cfg.Engine.CacheSize,
		EndingWindow: cfg.Engine.EndingWindow,
	}, logging.Component(logger, "corral"))
	if err != nil {
		return nil, fmt.Errorf("registry init failed: %w", err)
	}

	app.manager, err = manager.New(manager.Deps{
		Registry:   app.corral,
		Tombstones: app.store,
		Index:      filter.New(),
		Settings:   app.settings,
		Notifier:   notifier,
		Clock:      env.Clock,
		Logger:     logging.Component(logger, "manager"),
	})
	if err != nil {
		return nil, fmt.Errorf("manager init failed: %w", err)
	}

	app.checkpointer, err = checkpoint.New(checkpoint.Deps{
		FS:       env.FS,
		Settings: app.settings,
		Source:   app.manager,
		Notifier: notifier,
		Clock:    env.Clock,
		Logger:   logging.Component(logger, "checkpoint"),
	})
	if err != nil {
		return nil, fmt.Errorf("checkpointer init failed: %w", err)
	}
	app.manager.SetSaver(app.checkpointer)

	drv := buildDriver(cfg.Driver, env.Driver, logging.Component(logger, "driver"))

	runner, err := pipeline.New(app.corral, drv, notifier, app.updates, env.Clock, logging.Component(logger, "pipeline"))
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}
	runner.SetIndexer(app.manager)

	app.scheduler, err = scheduler.New(scheduler.Config{
		SlowHorizon:        cfg.Engine.SlowHorizon,
		FastHorizon:        cfg.Engine.FastHorizon,
		CheckpointInterval: cfg.Engine.CheckpointInterval,
		CompletionGrace:    cfg.Engine.CompletionGrace,
	}, scheduler.Deps{
		Registry:     app.corral,
		Runner:       runner,
		Checkpointer: app.checkpointer,
		Driver:       drv,
		Notifier:     notifier,
		Pause:        app.updates,
		Clock:        env.Clock,
		Logger:       logging.Component(logger, "scheduler"),
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	app.ticker, err = ticker.New(ticker.Config{
		Interval: cfg.Engine.TickInterval,
		Logger:   logging.Component(logger, "ticker"),
	}, app.scheduler.Check)
	if err != nil {
		return nil, fmt.Errorf("ticker init failed: %w", err)
	}

	app.apiServer = api.NewServer(api.Deps{
		Registry: app.corral,
		Pause:    app.updates,
		Ready:    app.ready,
		Logger:   logging.Component(logger, "api"),
	})
	return app, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		logger.Info("using sqlite store", zap.String("path", cfg.SQLitePath))
		return st, nil
	case config.BackendPostgres:
		st, err := postgres.New(ctx, postgres.Config{DSN: cfg.PostgresDSN, TablePrefix: cfg.TablePrefix})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		logger.Info("using postgres store", zap.String("table_prefix", cfg.TablePrefix))
		return st, nil
	default:
		logger.Info("using in-memory store")
		return memory.New(), nil
	}
}

// buildDriver wraps the site driver as Retrying(RateLimited(inner)) so every
// attempt waits for a token.
func buildDriver(cfg config.DriverConfig, inner driver.Driver, logger *zap.Logger) driver.Driver {
	if inner == nil {
		logger.Warn("no site driver configured, using offline driver")
		inner = driver.Offline{}
	}
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RatePerSecond, DefaultBurst: cfg.Burst})
	limited := driver.NewRateLimited(inner, limiter)
	logger.Info("driver configured",
		zap.Float64("rate_per_second", cfg.RatePerSecond),
		zap.Int("burst", cfg.Burst),
		zap.Int("max_attempts", cfg.MaxAttempts),
	)
	return driver.NewRetrying(limited, driver.NewExponentialRetryPolicy(cfg.MaxAttempts), logger)
}

func logHandler(logger *zap.Logger) bus.Handler {
	return func(_ context.Context, msg bus.Envelope) error {
		logger.Debug("bus message", zap.String("queue", msg.Queue), zap.String("body", msg.Body))
		return nil
	}
}

func (a *App) ready(context.Context) error {
	if !a.loaded.Load() {
		return errors.New("auctions not loaded")
	}
	return nil
}

// Manager exposes membership operations.
func (a *App) Manager() *manager.Manager { return a.manager }

// Updates is the global pause flag for scheduled updates.
func (a *App) Updates() *pause.Flag { return a.updates }

// Handler returns the operator HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Load reads user settings and restores saved auctions. A partially failed
// load is reported and the engine continues with what was restored.
func (a *App) Load(ctx context.Context) (int, error) {
	if err := a.settings.Load(); err != nil {
		return 0, fmt.Errorf("load settings: %w", err)
	}
	n, err := a.checkpointer.Load(ctx, a.manager)
	a.loaded.Store(true)
	if err != nil {
		if ctx.Err() != nil {
			return n, fmt.Errorf("load auctions: %w", ctx.Err())
		}
		a.logger.Warn("continuing after partial load", zap.Int("loaded", n), zap.Error(err))
	}
	return n, nil
}

// Save writes a snapshot now and resets the periodic checkpoint timer.
func (a *App) Save(ctx context.Context) error {
	return a.scheduler.CheckpointNow(ctx)
}

// Check runs one scheduler tick.
func (a *App) Check(ctx context.Context) error {
	return a.scheduler.Check(ctx)
}

// Counts reports active and total auctions.
func (a *App) Counts(ctx context.Context) (int, int, error) {
	return a.corral.Counts(ctx)
}

// Run loads, starts the ticker and HTTP server, and blocks until ctx is
// cancelled or a termination signal arrives. A final snapshot is written on
// the way out.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := a.Load(ctx); err != nil {
		return err
	}

	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		if err := a.ticker.Run(ctx); err != nil {
			a.logger.Error("ticker exited", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	<-tickerDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.Save(shutdownCtx); err != nil {
		a.logger.Error("final save failed", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// ClearDeleted forgets every deleted identifier and saves.
func (a *App) ClearDeleted(ctx context.Context) (int, error) {
	return a.manager.ClearDeleted(ctx)
}

// Close flushes the bus and releases the store. Later calls return the first
// result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		if err := a.bus.Close(ctx); err != nil && !errors.Is(err, bus.ErrClosed) {
			errs = append(errs, fmt.Errorf("close bus: %w", err))
		}
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
		a.logger.Info("shutdown complete")
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
