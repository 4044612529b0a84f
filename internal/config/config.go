// Package config provides centralized configuration for the coverage
// subsystem: defaults first, then an optional JSON file, then environment
// variables, then validation. Every component reads its section from the
// loaded AppConfig rather than the environment directly.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig is the complete application configuration.
type AppConfig struct {
	AppName string `json:"app_name" env:"APP_NAME"`
	Version string `json:"version" env:"VERSION"`

	Coverage  CoverageConfig  `json:"coverage"`
	Storage   StorageConfig   `json:"storage"`
	Source    SourceConfig    `json:"source"`
	Backfill  BackfillConfig  `json:"backfill"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// CoverageConfig configures the coverage state files.
type CoverageConfig struct {
	// StateDir holds the coverage and listing-date JSON state files.
	StateDir string `json:"state_dir" env:"COVERAGE_STATE_DIR"`

	// LockTimeout bounds how long an operation waits for the state file
	// lock before giving up.
	LockTimeout string `json:"lock_timeout" env:"COVERAGE_LOCK_TIMEOUT"`
}

// StorageConfig configures the storage backends.
type StorageConfig struct {
	// Type selects the record backend: "duckdb" or "memory".
	Type string `json:"type" env:"STORAGE_TYPE"`

	// DatabasePath is the DuckDB database file for candle and funding
	// records.
	DatabasePath string `json:"database_path" env:"DATABASE_PATH"`

	// QuestDB settings for trade data. Empty ConnString disables the
	// trade backend.
	QuestDBConnString string `json:"questdb_conn_string" env:"QUESTDB_CONN_STRING"`
	QuestDBILPAddr    string `json:"questdb_ilp_addr" env:"QUESTDB_ILP_ADDR"`
}

// SourceConfig configures the market data provider.
type SourceConfig struct {
	// Type selects the provider adapter. Only "binance" is implemented.
	Type      string `json:"type" env:"SOURCE_TYPE"`
	APIKey    string `json:"api_key" env:"SOURCE_API_KEY"`
	APISecret string `json:"api_secret" env:"SOURCE_API_SECRET"`

	// RateLimit is the client-side requests-per-second cap.
	RateLimit int `json:"rate_limit" env:"SOURCE_RATE_LIMIT"`
}

// BackfillConfig configures the fetch orchestrator.
type BackfillConfig struct {
	PageLimit int `json:"page_limit" env:"BACKFILL_PAGE_LIMIT"`
	EpochYear int `json:"epoch_year" env:"BACKFILL_EPOCH_YEAR"`

	// SkipForwardOnEmptyPage marks suspected provider holes as covered
	// instead of leaving the gap open.
	SkipForwardOnEmptyPage bool `json:"skip_forward_on_empty_page" env:"BACKFILL_SKIP_FORWARD"`

	// TradePageSpan is the nominal page duration for irregular series.
	TradePageSpan string `json:"trade_page_span" env:"BACKFILL_TRADE_PAGE_SPAN"`

	Retry RetryConfig `json:"retry"`
}

// RetryConfig configures retry behavior for provider calls.
type RetryConfig struct {
	MaxAttempts         int     `json:"max_attempts"`
	InitialInterval     string  `json:"initial_interval"`
	MaxInterval         string  `json:"max_interval"`
	Multiplier          float64 `json:"multiplier"`
	RandomizationFactor float64 `json:"randomization_factor"`
	RateLimitInterval   string  `json:"rate_limit_interval"`
}

// SchedulerConfig configures task dispatch and the periodic audit.
type SchedulerConfig struct {
	// Workers bounds concurrent non-trade tasks.
	Workers int `json:"workers" env:"SCHEDULER_WORKERS"`

	// AuditEnabled turns the periodic quality audit on.
	AuditEnabled bool `json:"audit_enabled" env:"AUDIT_ENABLED"`

	// AuditSchedule is a five-field cron expression.
	AuditSchedule string `json:"audit_schedule" env:"AUDIT_SCHEDULE"`

	// AuditLookback is how far back each audit scans.
	AuditLookback string `json:"audit_lookback" env:"AUDIT_LOOKBACK"`

	// AuditRepair enables automatic repair of gaps the audit finds.
	AuditRepair bool `json:"audit_repair" env:"AUDIT_REPAIR"`

	// RepairMode is the strategy the repair service applies: "smart" or
	// "zero_fill".
	RepairMode string `json:"repair_mode" env:"REPAIR_MODE"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`   // debug, info, warn, error
	Format     string `json:"format" env:"LOG_FORMAT"` // json, text
	Output     string `json:"output" env:"LOG_OUTPUT"` // stdout, stderr, file
	FilePath   string `json:"file_path" env:"LOG_FILE_PATH"`
	MaxSize    int    `json:"max_size" env:"LOG_MAX_SIZE"` // MB
	MaxBackups int    `json:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAge     int    `json:"max_age" env:"LOG_MAX_AGE"` // days
	Compress   bool   `json:"compress" env:"LOG_COMPRESS"`
}

// MetricsConfig configures the counters endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" env:"METRICS_ENABLED"`
	Addr    string `json:"addr" env:"METRICS_ADDR"`
	Path    string `json:"path" env:"METRICS_PATH"`
}

// Manager handles configuration loading and validation.
type Manager struct {
	config     *AppConfig
	configPath string
	logger     *slog.Logger
}

// NewManager creates a configuration manager. An empty configPath skips file
// loading.
func NewManager(configPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		configPath: configPath,
		logger:     logger,
	}
}

// Load builds the configuration with priority order:
// 1. Environment variables (highest priority)
// 2. Configuration file
// 3. Default values (lowest priority)
func (m *Manager) Load() (*AppConfig, error) {
	config := DefaultConfig()

	if m.configPath != "" {
		if err := m.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	m.loadFromEnv(config)

	if err := m.Validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	m.config = config
	m.logger.Info("configuration loaded",
		"config_path", m.configPath,
		"storage_type", config.Storage.Type,
		"source_type", config.Source.Type,
		"state_dir", config.Coverage.StateDir,
		"log_level", config.Logging.Level)

	return config, nil
}

// Config returns the last loaded configuration.
func (m *Manager) Config() *AppConfig {
	return m.config
}

// loadFromFile merges configuration from a JSON file. A missing file is not
// an error; defaults apply.
func (m *Manager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		m.logger.Debug("config file does not exist, using defaults", "path", m.configPath)
		return nil
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", m.configPath, err)
	}
	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", m.configPath, err)
	}

	m.logger.Debug("loaded configuration from file", "path", m.configPath)
	return nil
}

// loadFromEnv overrides configuration from environment variables.
// Unparseable numeric values keep the prior setting.
func (m *Manager) loadFromEnv(config *AppConfig) {
	setString := func(key string, target *string) {
		if val := os.Getenv(key); val != "" {
			*target = val
		}
	}
	setInt := func(key string, target *int) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*target = n
			}
		}
	}
	setBool := func(key string, target *bool) {
		if val := os.Getenv(key); val != "" {
			*target = val == "true"
		}
	}

	setString("APP_NAME", &config.AppName)
	setString("VERSION", &config.Version)

	setString("COVERAGE_STATE_DIR", &config.Coverage.StateDir)
	setString("COVERAGE_LOCK_TIMEOUT", &config.Coverage.LockTimeout)

	setString("STORAGE_TYPE", &config.Storage.Type)
	setString("DATABASE_PATH", &config.Storage.DatabasePath)
	setString("QUESTDB_CONN_STRING", &config.Storage.QuestDBConnString)
	setString("QUESTDB_ILP_ADDR", &config.Storage.QuestDBILPAddr)

	setString("SOURCE_TYPE", &config.Source.Type)
	setString("SOURCE_API_KEY", &config.Source.APIKey)
	setString("SOURCE_API_SECRET", &config.Source.APISecret)
	setInt("SOURCE_RATE_LIMIT", &config.Source.RateLimit)

	setInt("BACKFILL_PAGE_LIMIT", &config.Backfill.PageLimit)
	setInt("BACKFILL_EPOCH_YEAR", &config.Backfill.EpochYear)
	setBool("BACKFILL_SKIP_FORWARD", &config.Backfill.SkipForwardOnEmptyPage)
	setString("BACKFILL_TRADE_PAGE_SPAN", &config.Backfill.TradePageSpan)

	setInt("SCHEDULER_WORKERS", &config.Scheduler.Workers)
	setBool("AUDIT_ENABLED", &config.Scheduler.AuditEnabled)
	setString("AUDIT_SCHEDULE", &config.Scheduler.AuditSchedule)
	setString("AUDIT_LOOKBACK", &config.Scheduler.AuditLookback)
	setBool("AUDIT_REPAIR", &config.Scheduler.AuditRepair)
	setString("REPAIR_MODE", &config.Scheduler.RepairMode)

	setString("LOG_LEVEL", &config.Logging.Level)
	setString("LOG_FORMAT", &config.Logging.Format)
	setString("LOG_OUTPUT", &config.Logging.Output)
	setString("LOG_FILE_PATH", &config.Logging.FilePath)

	setBool("METRICS_ENABLED", &config.Metrics.Enabled)
	setString("METRICS_ADDR", &config.Metrics.Addr)
	setString("METRICS_PATH", &config.Metrics.Path)
}

// Validate checks the configuration for consistency and required fields.
func (m *Manager) Validate(config *AppConfig) error {
	var errs []string

	if config.Coverage.StateDir == "" {
		errs = append(errs, "coverage.state_dir is required")
	}
	if config.Coverage.LockTimeout != "" {
		if _, err := time.ParseDuration(config.Coverage.LockTimeout); err != nil {
			errs = append(errs, fmt.Sprintf("coverage.lock_timeout is not a valid duration: %v", err))
		}
	}

	switch config.Storage.Type {
	case "duckdb":
		if config.Storage.DatabasePath == "" {
			errs = append(errs, "storage.database_path is required for DuckDB storage")
		}
	case "memory":
	case "":
		errs = append(errs, "storage.type is required")
	default:
		errs = append(errs, fmt.Sprintf("storage.type must be one of: duckdb, memory (got %q)", config.Storage.Type))
	}
	if config.Storage.QuestDBConnString != "" && config.Storage.QuestDBILPAddr == "" {
		errs = append(errs, "storage.questdb_ilp_addr is required when questdb_conn_string is set")
	}

	if config.Source.Type == "" {
		errs = append(errs, "source.type is required")
	}
	if config.Source.RateLimit <= 0 {
		errs = append(errs, "source.rate_limit must be greater than 0")
	}

	if config.Backfill.PageLimit <= 0 {
		errs = append(errs, "backfill.page_limit must be greater than 0")
	}
	if config.Backfill.EpochYear < 2009 {
		errs = append(errs, "backfill.epoch_year must be 2009 or later")
	}
	if config.Backfill.TradePageSpan != "" {
		if _, err := time.ParseDuration(config.Backfill.TradePageSpan); err != nil {
			errs = append(errs, fmt.Sprintf("backfill.trade_page_span is not a valid duration: %v", err))
		}
	}
	if err := validateRetry(config.Backfill.Retry); err != nil {
		errs = append(errs, err.Error())
	}

	if config.Scheduler.Workers <= 0 {
		errs = append(errs, "scheduler.workers must be greater than 0")
	}
	if config.Scheduler.AuditEnabled {
		if config.Scheduler.AuditLookback != "" {
			if _, err := time.ParseDuration(config.Scheduler.AuditLookback); err != nil {
				errs = append(errs, fmt.Sprintf("scheduler.audit_lookback is not a valid duration: %v", err))
			}
		}
	}
	switch config.Scheduler.RepairMode {
	case "smart", "zero_fill", "":
	default:
		errs = append(errs, fmt.Sprintf("scheduler.repair_mode must be one of: smart, zero_fill (got %q)", config.Scheduler.RepairMode))
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if config.Metrics.Enabled && config.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

func validateRetry(r RetryConfig) error {
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("backfill.retry.max_attempts must be greater than 0")
	}
	for field, val := range map[string]string{
		"initial_interval":    r.InitialInterval,
		"max_interval":        r.MaxInterval,
		"rate_limit_interval": r.RateLimitInterval,
	} {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("backfill.retry.%s is not a valid duration: %v", field, err)
		}
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "ohlcv-coverage",
		Version: "1.0.0",
		Coverage: CoverageConfig{
			StateDir:    "./data/state",
			LockTimeout: "30s",
		},
		Storage: StorageConfig{
			Type:         "duckdb",
			DatabasePath: "./data/ohlcv.db",
		},
		Source: SourceConfig{
			Type:      "binance",
			RateLimit: 5,
		},
		Backfill: BackfillConfig{
			PageLimit:              1000,
			EpochYear:              2011,
			SkipForwardOnEmptyPage: true,
			TradePageSpan:          "1h",
			Retry: RetryConfig{
				MaxAttempts:         5,
				InitialInterval:     "500ms",
				MaxInterval:         "30s",
				Multiplier:          2.0,
				RandomizationFactor: 0.5,
				RateLimitInterval:   "1m",
			},
		},
		Scheduler: SchedulerConfig{
			Workers:       4,
			AuditEnabled:  false,
			AuditSchedule: "5 * * * *",
			AuditLookback: "24h",
			AuditRepair:   false,
			RepairMode:    "smart",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// LockTimeoutDuration parses the coverage lock timeout, falling back to the
// default when unset.
func (c CoverageConfig) LockTimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(c.LockTimeout); err == nil && d > 0 {
		return d
	}
	return 30 * time.Second
}

// String renders the configuration as indented JSON with credentials
// redacted.
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.Source.APIKey != "" {
		sanitized.Source.APIKey = "[REDACTED]"
	}
	if sanitized.Source.APISecret != "" {
		sanitized.Source.APISecret = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
