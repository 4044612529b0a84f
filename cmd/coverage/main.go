// Coverage CLI
// Command-line interface for tracking, auditing, and repairing the coverage
// of historical market data: candles, trades, and funding history.
//
// Usage:
//
//	coverage backfill --symbol BTCUSDT --series candles --resolution 1h --start 2024-01-01 --end 2024-02-01
//	coverage gaps --symbol BTCUSDT --series candles --resolution 1h --start 2024-01-01 --end 2024-02-01
//	coverage scan --symbol BTCUSDT --series candles --resolution 1h --start 2024-01-01 --end 2024-02-01
//	coverage repair --symbol BTCUSDT --series candles --resolution 1h --start 2024-01-01 --end 2024-02-01 --mode smart
//	coverage status
//	coverage audit
//
// For detailed help on any command, use: coverage <command> --help
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/johnayoung/go-ohlcv-coverage/internal/backfill"
	"github.com/johnayoung/go-ohlcv-coverage/internal/config"
	"github.com/johnayoung/go-ohlcv-coverage/internal/coverage"
	"github.com/johnayoung/go-ohlcv-coverage/internal/logger"
	"github.com/johnayoung/go-ohlcv-coverage/internal/metrics"
	"github.com/johnayoung/go-ohlcv-coverage/internal/models"
	"github.com/johnayoung/go-ohlcv-coverage/internal/quality"
	"github.com/johnayoung/go-ohlcv-coverage/internal/repair"
	"github.com/johnayoung/go-ohlcv-coverage/internal/report"
	"github.com/johnayoung/go-ohlcv-coverage/internal/scheduler"
	"github.com/johnayoung/go-ohlcv-coverage/internal/source"
	"github.com/johnayoung/go-ohlcv-coverage/internal/storage"
	"github.com/johnayoung/go-ohlcv-coverage/internal/timerange"
)

const (
	Version = "1.0.0"
	AppName = "coverage"
)

// Exit codes following standard conventions.
const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitRuntimeErr  = 3
	ExitInterrupt   = 130
)

// app bundles the wired components shared by all subcommands.
type app struct {
	cfg        *config.AppConfig
	logManager *logger.Manager
	logger     *slog.Logger
	registry   *metrics.Registry

	cov      *coverage.FileStore
	listings *coverage.ListingStore
	records  storage.RecordStorage
	funding  storage.FundingStorage
	trades   storage.TradeStorage
	managers []storage.Manager

	src        source.Source
	backfiller *backfill.Backfiller
	scanner    *quality.Scanner
	repairer   *repair.Service
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "version":
		fmt.Printf("%s %s\n", AppName, Version)
		os.Exit(ExitSuccess)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(ExitSuccess)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := initialize(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialization failed: %v\n", err)
		os.Exit(ExitConfigError)
	}
	defer a.shutdown()

	err = a.dispatch(ctx, command, args)
	switch {
	case err == nil:
		os.Exit(ExitSuccess)
	case ctx.Err() != nil:
		fmt.Fprintln(os.Stderr, "interrupted")
		os.Exit(ExitInterrupt)
	default:
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(ExitRuntimeErr)
	}
}

func initialize(ctx context.Context) (*app, error) {
	// .env is optional; values already in the environment win.
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.NewManager(cfgPath, slog.Default()).Load()
	if err != nil {
		return nil, err
	}

	logManager, err := logger.NewManager(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logManager.SetDefault()
	log := logManager.Logger()

	a := &app{
		cfg:        cfg,
		logManager: logManager,
		logger:     log,
		registry:   metrics.Default(),
	}

	lockTimeout := cfg.Coverage.LockTimeoutDuration()
	a.cov, err = coverage.NewFileStore(filepath.Join(cfg.Coverage.StateDir, "coverage.json"), log)
	if err != nil {
		return nil, err
	}
	a.cov.SetLockTimeout(lockTimeout)
	a.listings, err = coverage.NewListingStore(filepath.Join(cfg.Coverage.StateDir, "listings.json"), log)
	if err != nil {
		return nil, err
	}
	a.listings.SetLockTimeout(lockTimeout)

	switch cfg.Storage.Type {
	case "memory":
		mem := storage.NewMemoryStorage()
		a.records, a.funding, a.trades = mem, mem, mem
		a.managers = append(a.managers, mem)
	default:
		duck, err := storage.NewDuckDBStorage(cfg.Storage.DatabasePath, log)
		if err != nil {
			return nil, err
		}
		if err := duck.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("initialize duckdb: %w", err)
		}
		a.records, a.funding = duck, duck
		a.managers = append(a.managers, duck)
	}

	if cfg.Storage.QuestDBConnString != "" {
		quest, err := storage.NewQuestDBStorage(cfg.Storage.QuestDBConnString, cfg.Storage.QuestDBILPAddr, log)
		if err != nil {
			return nil, err
		}
		if err := quest.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("initialize questdb: %w", err)
		}
		a.trades = quest
		a.managers = append(a.managers, quest)
	}

	a.src = source.NewBinanceSource(source.BinanceConfig{
		APIKey:    cfg.Source.APIKey,
		APISecret: cfg.Source.APISecret,
		RateLimit: cfg.Source.RateLimit,
		Logger:    log,
	})

	tradePageSpan, _ := time.ParseDuration(cfg.Backfill.TradePageSpan)
	var tradeUpserter storage.TradeUpserter
	if a.trades != nil {
		tradeUpserter = a.trades
	}
	a.backfiller = backfill.New(a.src, a.records, a.funding, tradeUpserter, a.cov, a.listings, backfill.Config{
		PageLimit:              cfg.Backfill.PageLimit,
		EpochYear:              cfg.Backfill.EpochYear,
		SkipForwardOnEmptyPage: cfg.Backfill.SkipForwardOnEmptyPage,
		TradePageSpan:          tradePageSpan,
		Retry:                  retryPolicyFromConfig(cfg.Backfill.Retry),
		Logger:                 log,
		Metrics:                a.registry,
	})

	var tradeReader storage.TradeReader
	if a.trades != nil {
		tradeReader = a.trades
	}
	a.scanner = quality.NewScanner(a.records, tradeReader, quality.DefaultWeights(), log)
	a.repairer = repair.NewService(a.backfiller, a.records, a.cov, repair.Config{
		Mode:    repair.Mode(cfg.Scheduler.RepairMode),
		Logger:  log,
		Metrics: a.registry,
	})

	if cfg.Metrics.Enabled {
		a.registry.Serve(cfg.Metrics.Addr, cfg.Metrics.Path)
		log.Info("metrics endpoint started", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
	}

	return a, nil
}

func (a *app) shutdown() {
	for _, m := range a.managers {
		if err := m.Close(); err != nil {
			a.logger.Warn("storage close failed", "error", err)
		}
	}
	if err := a.logManager.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "log close failed: %v\n", err)
	}
}

func (a *app) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "backfill":
		return a.handleBackfill(ctx, args)
	case "gaps":
		return a.handleGaps(ctx, args)
	case "scan":
		return a.handleScan(ctx, args)
	case "repair":
		return a.handleRepair(ctx, args)
	case "status":
		return a.handleStatus(ctx)
	case "tasks":
		return a.handleTasks(ctx, args)
	case "audit":
		return a.handleAudit(ctx, args)
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// seriesFlags are the flags shared by every series-scoped subcommand.
type seriesFlags struct {
	key  models.SeriesKey
	span timerange.Range
}

func parseSeriesFlags(name string, args []string, extra func(*flag.FlagSet)) (*seriesFlags, *flag.FlagSet, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	src := fs.String("source", "binance", "data source name")
	instrument := fs.String("instrument", "spot", "instrument class: spot, futures, swap")
	symbol := fs.String("symbol", "", "trading symbol, e.g. BTCUSDT")
	series := fs.String("series", "candles", "series type: candles, trades, funding")
	resolution := fs.String("resolution", "", "resolution for cadenced series, e.g. 1h")
	start := fs.String("start", "", "range start (YYYY-MM-DD or RFC3339)")
	end := fs.String("end", "", "range end (YYYY-MM-DD or RFC3339), defaults to now")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	key, err := models.NewSeriesKey(*src, models.InstrumentClass(*instrument), *symbol, models.SeriesType(*series), models.Resolution(*resolution))
	if err != nil {
		return nil, nil, err
	}

	if *start == "" {
		return nil, nil, fmt.Errorf("--start is required")
	}
	startTime, err := parseTime(*start)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid --start: %w", err)
	}
	endTime := time.Now().UTC().Truncate(time.Minute)
	if *end != "" {
		if endTime, err = parseTime(*end); err != nil {
			return nil, nil, fmt.Errorf("invalid --end: %w", err)
		}
	}
	span, err := timerange.New(startTime, endTime)
	if err != nil {
		return nil, nil, err
	}

	return &seriesFlags{key: key, span: span}, fs, nil
}

func (a *app) handleBackfill(ctx context.Context, args []string) error {
	sf, _, err := parseSeriesFlags("backfill", args, nil)
	if err != nil {
		return err
	}

	stats, err := a.backfiller.Run(ctx, sf.key, sf.span)
	if err != nil {
		return err
	}
	return outputJSON(stats)
}

func (a *app) handleGaps(ctx context.Context, args []string) error {
	sf, _, err := parseSeriesFlags("gaps", args, nil)
	if err != nil {
		return err
	}

	gaps, err := a.cov.Gaps(ctx, sf.key, sf.span)
	if err != nil {
		return err
	}
	return outputJSON(struct {
		Key     string            `json:"key"`
		Span    string            `json:"span"`
		Gaps    []timerange.Range `json:"gaps"`
		Missing time.Duration     `json:"missing"`
	}{sf.key.String(), sf.span.String(), gaps, timerange.TotalDuration(gaps)})
}

func (a *app) handleScan(ctx context.Context, args []string) error {
	sf, _, err := parseSeriesFlags("scan", args, nil)
	if err != nil {
		return err
	}

	rep, err := a.scanner.Scan(ctx, sf.key, sf.span)
	if err != nil {
		return err
	}
	return outputJSON(rep)
}

func (a *app) handleRepair(ctx context.Context, args []string) error {
	var mode string
	sf, _, err := parseSeriesFlags("repair", args, func(fs *flag.FlagSet) {
		fs.StringVar(&mode, "mode", a.cfg.Scheduler.RepairMode, "repair mode: smart, zero_fill")
	})
	if err != nil {
		return err
	}
	if !repair.Mode(mode).Valid() {
		return fmt.Errorf("invalid --mode %q", mode)
	}

	rep, err := a.scanner.Scan(ctx, sf.key, sf.span)
	if err != nil {
		return err
	}
	gaps, err := repair.DetectGaps(rep)
	if err != nil {
		return err
	}
	if len(gaps) == 0 {
		a.logger.Info("no gaps to repair", "key", sf.key.String(), "span", sf.span.String())
		return outputJSON(&repair.Result{})
	}

	var result repair.Result
	for i := range gaps {
		if err := a.repairer.RepairGap(ctx, &gaps[i], repair.Mode(mode)); err != nil {
			result.Failed++
			a.logger.Warn("gap repair failed", "gap", gaps[i].Range().String(), "error", err)
			continue
		}
		result.Filled++
	}
	return outputJSON(&result)
}

func (a *app) handleStatus(ctx context.Context) error {
	var tradeReader storage.TradeReader
	if a.trades != nil {
		tradeReader = a.trades
	}
	builder := report.NewBuilder(a.records, a.funding, tradeReader, a.cov, a.logger)
	status, err := builder.Build(ctx)
	if err != nil {
		return err
	}
	return outputJSON(status)
}

// taskManifest is the JSON shape accepted by the tasks command.
type taskManifest struct {
	Tasks []struct {
		Kind  string           `json:"kind"`
		Key   models.SeriesKey `json:"key"`
		Start time.Time        `json:"start"`
		End   time.Time        `json:"end"`
	} `json:"tasks"`
}

// handleTasks runs a batch of backfill tasks from a JSON manifest through the
// scheduler's dispatch policies.
func (a *app) handleTasks(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tasks", flag.ContinueOnError)
	file := fs.String("file", "", "path to a JSON task manifest (required)")
	workers := fs.Int("workers", a.cfg.Scheduler.Workers, "concurrent non-trade tasks")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("--file is required")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read task manifest: %w", err)
	}
	var manifest taskManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse task manifest: %w", err)
	}

	tasks := make([]*models.Task, 0, len(manifest.Tasks))
	for i, entry := range manifest.Tasks {
		kind, err := models.ParseTaskKind(entry.Kind)
		if err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
		id := fmt.Sprintf("%s-%d", entry.Kind, i)
		tasks = append(tasks, models.NewTask(id, kind, entry.Key, entry.Start, entry.End))
	}

	sched := scheduler.New(a.backfiller, nil, scheduler.Config{
		Workers: *workers,
		Logger:  a.logger,
		Metrics: a.registry,
	})
	result, err := sched.Run(ctx, tasks)
	if err != nil {
		return err
	}
	return outputJSON(result)
}

// handleAudit runs the cron audit daemon in the foreground until interrupted.
func (a *app) handleAudit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	once := fs.Bool("once", false, "run a single audit pass and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	lookback, _ := time.ParseDuration(a.cfg.Scheduler.AuditLookback)
	auditor, err := scheduler.NewAuditor(a.scanner, a.cov, a.repairer, scheduler.AuditConfig{
		Schedule:   a.cfg.Scheduler.AuditSchedule,
		Lookback:   lookback,
		RepairGaps: a.cfg.Scheduler.AuditRepair,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}

	if *once {
		return auditor.RunOnce(ctx)
	}

	if err := auditor.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	auditor.Stop()
	return nil
}

// retryPolicyFromConfig builds a RetryPolicy from validated configuration.
func retryPolicyFromConfig(r config.RetryConfig) backfill.RetryPolicy {
	parse := func(s string) time.Duration {
		d, _ := time.ParseDuration(s)
		return d
	}
	return backfill.RetryPolicy{
		MaxAttempts:         r.MaxAttempts,
		InitialInterval:     parse(r.InitialInterval),
		MaxInterval:         parse(r.MaxInterval),
		Multiplier:          r.Multiplier,
		RandomizationFactor: r.RandomizationFactor,
		RateLimitInterval:   parse(r.RateLimitInterval),
	}
}

// parseTime accepts either a bare date or a full RFC3339 timestamp.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage() {
	fmt.Printf(`%s %s - market data coverage tracking and gap repair

Usage:
  %s <command> [flags]

Commands:
  backfill   Fetch missing ranges for a series and update coverage
  gaps       Show uncovered ranges for a series
  scan       Run a quality scan over stored records
  repair     Detect and repair gaps (smart refetch or zero-fill)
  status     Report stored extents and coverage for all tracked series
  tasks      Run a batch of backfill tasks from a JSON manifest
  audit      Run the periodic quality audit daemon (--once for one pass)
  version    Print version information

Common flags (backfill, gaps, scan, repair):
  --source      data source name (default "binance")
  --instrument  spot, futures, or swap (default "spot")
  --symbol      trading symbol, e.g. BTCUSDT (required)
  --series      candles, trades, or funding (default "candles")
  --resolution  resolution for cadenced series, e.g. 1h
  --start       range start, YYYY-MM-DD or RFC3339 (required)
  --end         range end, defaults to now

Configuration is read from defaults, then the JSON file named by
CONFIG_PATH, then environment variables. A .env file in the working
directory is loaded if present.
`, AppName, Version, AppName)
}
