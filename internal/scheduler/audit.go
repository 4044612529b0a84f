package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/johnayoung/go-ohlcv-coverage/internal/coverage"
	"github.com/johnayoung/go-ohlcv-coverage/internal/quality"
	"github.com/johnayoung/go-ohlcv-coverage/internal/repair"
	"github.com/johnayoung/go-ohlcv-coverage/internal/timerange"
)

const (
	// DefaultAuditSchedule runs the audit hourly at minute five, offset
	// from the top of the hour so it never races a just-closing candle.
	DefaultAuditSchedule = "5 * * * *"

	// DefaultAuditLookback is how far back each audit scans.
	DefaultAuditLookback = 24 * time.Hour
)

// AuditConfig tunes an Auditor.
type AuditConfig struct {
	// Schedule is a standard five-field cron expression. Empty selects
	// DefaultAuditSchedule.
	Schedule string

	// Lookback is the span each audit scans, ending at the audit start.
	Lookback time.Duration

	// RepairGaps enables automatic repair of gaps the audit finds.
	// Disabled, the audit only reports.
	RepairGaps bool

	Logger *slog.Logger
}

// Auditor periodically scans every tracked series for quality problems and
// optionally hands detected gaps to the repair service. One audit runs at a
// time; a tick that arrives while the previous audit is still running is
// skipped.
type Auditor struct {
	scanner  *quality.Scanner
	cov      coverage.Store
	repairer *repair.Service
	cfg      AuditConfig
	logger   *slog.Logger
	cron     *cron.Cron
	entryID  cron.EntryID
	cancel   context.CancelFunc
}

// NewAuditor creates an Auditor. The repairer may be nil when RepairGaps is
// false.
func NewAuditor(scanner *quality.Scanner, cov coverage.Store, repairer *repair.Service, cfg AuditConfig) (*Auditor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultAuditSchedule
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultAuditLookback
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RepairGaps && repairer == nil {
		return nil, fmt.Errorf("audit: repair enabled but no repair service configured")
	}

	return &Auditor{
		scanner:  scanner,
		cov:      cov,
		repairer: repairer,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "audit"),
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}, nil
}

// Start schedules the audit and returns immediately. The audit goroutines
// inherit a context canceled by Stop.
func (a *Auditor) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	id, err := a.cron.AddFunc(a.cfg.Schedule, func() {
		if err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("audit run failed", "error", err)
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("audit: invalid schedule %q: %w", a.cfg.Schedule, err)
	}
	a.entryID = id
	a.cron.Start()
	a.logger.Info("audit scheduled", "schedule", a.cfg.Schedule, "lookback", a.cfg.Lookback, "repair", a.cfg.RepairGaps)
	return nil
}

// Stop cancels any running audit and waits for scheduled jobs to finish.
func (a *Auditor) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	<-a.cron.Stop().Done()
}

// RunOnce audits every series key the coverage index knows about. Per-key
// failures are logged and skipped so one bad series cannot starve the rest.
func (a *Auditor) RunOnce(ctx context.Context) error {
	keys, err := a.cov.Keys(ctx)
	if err != nil {
		return fmt.Errorf("audit: list series keys: %w", err)
	}

	end := time.Now().UTC().Truncate(time.Minute)
	span := timerange.Range{Start: end.Add(-a.cfg.Lookback), End: end}

	var scanned, flagged, repaired int
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}

		report, err := a.scanner.Scan(ctx, key, span)
		if err != nil {
			a.logger.Warn("audit scan failed", "key", key.String(), "error", err)
			continue
		}
		scanned++
		if report.Complete() {
			continue
		}
		flagged++

		a.logger.Warn("audit found quality problems",
			"key", key.String(),
			"score", report.Score,
			"gaps", len(report.Gaps),
			"gap_duration", report.GapDuration(),
			"anomalies", report.AnomalyCount,
		)

		if !a.cfg.RepairGaps || len(report.Gaps) == 0 {
			continue
		}

		gaps, err := repair.DetectGaps(report)
		if err != nil {
			a.logger.Warn("audit gap conversion failed", "key", key.String(), "error", err)
			continue
		}
		res, err := a.repairer.Repair(ctx, gaps)
		if err != nil {
			return err
		}
		repaired += res.Filled
	}

	a.logger.Info("audit finished",
		"keys", len(keys),
		"scanned", scanned,
		"flagged", flagged,
		"gaps_repaired", repaired,
		"span", span.String(),
	)
	return nil
}
