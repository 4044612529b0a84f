package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	manager := NewManager("", nil)
	cfg, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, "ohlcv-coverage", cfg.AppName)
	assert.Equal(t, "duckdb", cfg.Storage.Type)
	assert.Equal(t, "binance", cfg.Source.Type)
	assert.Equal(t, 1000, cfg.Backfill.PageLimit)
	assert.Equal(t, 2011, cfg.Backfill.EpochYear)
	assert.True(t, cfg.Backfill.SkipForwardOnEmptyPage)
	assert.Equal(t, "smart", cfg.Scheduler.RepairMode)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Same(t, cfg, manager.Config())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"storage": {"type": "memory"},
		"backfill": {"page_limit": 250},
		"scheduler": {"workers": 8, "repair_mode": "zero_fill"}
	}`), 0o644))

	cfg, err := NewManager(path, nil).Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, 250, cfg.Backfill.PageLimit)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, "zero_fill", cfg.Scheduler.RepairMode)
	// Untouched sections keep their defaults.
	assert.Equal(t, "binance", cfg.Source.Type)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewManager(filepath.Join(t.TempDir(), "nope.json"), nil).Load()
	require.NoError(t, err)
	assert.Equal(t, "duckdb", cfg.Storage.Type)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{ not json"), 0o644))

	_, err := NewManager(path, nil).Load()
	assert.Error(t, err)
}

// Environment variables override both defaults and the config file.
func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"backfill": {"page_limit": 250}}`), 0o644))

	t.Setenv("BACKFILL_PAGE_LIMIT", "500")
	t.Setenv("STORAGE_TYPE", "memory")
	t.Setenv("BACKFILL_SKIP_FORWARD", "false")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := NewManager(path, nil).Load()
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Backfill.PageLimit)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.False(t, cfg.Backfill.SkipForwardOnEmptyPage)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadIgnoresUnparseableEnvInt(t *testing.T) {
	t.Setenv("BACKFILL_PAGE_LIMIT", "a lot")
	cfg, err := NewManager("", nil).Load()
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Backfill.PageLimit)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr string
	}{
		{"valid defaults", func(c *AppConfig) {}, ""},
		{"missing state dir", func(c *AppConfig) { c.Coverage.StateDir = "" }, "coverage.state_dir"},
		{"bad lock timeout", func(c *AppConfig) { c.Coverage.LockTimeout = "soon" }, "coverage.lock_timeout"},
		{"unknown storage type", func(c *AppConfig) { c.Storage.Type = "postgres" }, "storage.type"},
		{"duckdb without path", func(c *AppConfig) { c.Storage.DatabasePath = "" }, "storage.database_path"},
		{"questdb without ilp addr", func(c *AppConfig) { c.Storage.QuestDBConnString = "postgres://localhost:8812" }, "questdb_ilp_addr"},
		{"zero rate limit", func(c *AppConfig) { c.Source.RateLimit = 0 }, "source.rate_limit"},
		{"epoch before bitcoin", func(c *AppConfig) { c.Backfill.EpochYear = 2005 }, "backfill.epoch_year"},
		{"bad trade page span", func(c *AppConfig) { c.Backfill.TradePageSpan = "fast" }, "backfill.trade_page_span"},
		{"zero retry attempts", func(c *AppConfig) { c.Backfill.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"bad retry interval", func(c *AppConfig) { c.Backfill.Retry.InitialInterval = "later" }, "initial_interval"},
		{"zero workers", func(c *AppConfig) { c.Scheduler.Workers = 0 }, "scheduler.workers"},
		{"bad repair mode", func(c *AppConfig) { c.Scheduler.RepairMode = "interpolate" }, "repair_mode"},
		{"bad audit lookback", func(c *AppConfig) {
			c.Scheduler.AuditEnabled = true
			c.Scheduler.AuditLookback = "yesterday"
		}, "audit_lookback"},
		{"bad log level", func(c *AppConfig) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *AppConfig) { c.Logging.Format = "xml" }, "logging.format"},
		{"metrics without addr", func(c *AppConfig) {
			c.Metrics.Enabled = true
			c.Metrics.Addr = ""
		}, "metrics.addr"},
	}

	manager := NewManager("", nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := manager.Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLockTimeoutDuration(t *testing.T) {
	assert.Equal(t, 10*time.Second, CoverageConfig{LockTimeout: "10s"}.LockTimeoutDuration())
	assert.Equal(t, 30*time.Second, CoverageConfig{}.LockTimeoutDuration())
	assert.Equal(t, 30*time.Second, CoverageConfig{LockTimeout: "bogus"}.LockTimeoutDuration())
}

func TestStringRedactsCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Source.APIKey = "key-material"
	cfg.Source.APISecret = "secret-material"

	rendered := cfg.String()
	assert.NotContains(t, rendered, "key-material")
	assert.NotContains(t, rendered, "secret-material")
	assert.Contains(t, rendered, "[REDACTED]")
}
