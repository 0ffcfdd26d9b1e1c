package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/snipewatch/internal/auction"
	"github.com/JakeFAU/snipewatch/internal/clock/fake"
	"github.com/JakeFAU/snipewatch/internal/config"
	"github.com/JakeFAU/snipewatch/internal/store/memory"
)

var start = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func testConfig() config.Config {
	return config.Config{
		Server:   config.ServerConfig{Port: 8080},
		Settings: config.SettingsConfig{Path: "/home/settings.yaml"},
		Storage:  config.StorageConfig{Backend: config.BackendMemory},
		Driver:   config.DriverConfig{MaxAttempts: 1},
	}
}

func build(t *testing.T, fs afero.Fs, clk *fake.Clock) *App {
	t.Helper()
	app, err := BuildWith(context.Background(), testConfig(), Env{FS: fs, Clock: clk, Store: memory.New()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	return app
}

func TestReadyAfterLoad(t *testing.T) {
	t.Parallel()
	app := build(t, afero.NewMemMapFs(), fake.New(start))

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	n, err := app.Load(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckSaveAndReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	clk := fake.New(start)

	app := build(t, fs, clk)
	_, err := app.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, app.Manager().AddEntry(ctx, auction.Record{
		ID: "123", Title: "Pocket watch", Category: "watches", EndTime: start.Add(3 * time.Hour),
	}))

	require.NoError(t, app.Check(ctx))
	got, err := app.Manager().Get(ctx, "123")
	require.NoError(t, err)
	assert.Equal(t, start, got.LastChecked)

	require.NoError(t, app.Save(ctx))
	raw, err := afero.ReadFile(fs, config.DefaultSaveFile)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), `id="123"`))

	again := build(t, fs, clk)
	n, err := again.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	active, total, err := again.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, total)
	assert.Equal(t, []string{"123"}, again.Manager().Index().Members("watches"))
}

func TestPausedSkipsScheduledUpdates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	app := build(t, afero.NewMemMapFs(), fake.New(start))
	_, err := app.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, app.Manager().AddEntry(ctx, auction.Record{ID: "9", Title: "Lamp", EndTime: start.Add(time.Hour)}))

	app.Updates().Pause()
	require.NoError(t, app.Check(ctx))

	got, err := app.Manager().Get(ctx, "9")
	require.NoError(t, err)
	assert.True(t, got.LastChecked.IsZero())
}

func TestClearDeletedAndClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	app := build(t, fs, fake.New(start))
	_, err := app.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, app.Manager().AddEntry(ctx, auction.Record{ID: "5", Title: "Vase", EndTime: start.Add(time.Hour)}))
	require.NoError(t, app.Manager().DeleteEntry(ctx, "5"))

	n, err := app.ClearDeleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ok, err := afero.Exists(fs, config.DefaultSaveFile)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, app.Close(ctx))
	require.NoError(t, app.Close(ctx))
}
