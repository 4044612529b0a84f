// Package repair turns detected gaps back into complete series. Smart mode
// re-fetches the missing span from the provider through the backfill loop;
// zero-fill mode synthesizes flat placeholder records from the last known
// close so downstream consumers see an unbroken cadence. Both modes update
// the coverage index for every span they close, so a repaired gap is never
// re-detected.
package repair

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/johnayoung/go-ohlcv-coverage/internal/backfill"
	"github.com/johnayoung/go-ohlcv-coverage/internal/coverage"
	"github.com/johnayoung/go-ohlcv-coverage/internal/metrics"
	"github.com/johnayoung/go-ohlcv-coverage/internal/models"
	"github.com/johnayoung/go-ohlcv-coverage/internal/quality"
	"github.com/johnayoung/go-ohlcv-coverage/internal/storage"
	"github.com/johnayoung/go-ohlcv-coverage/internal/timerange"
)

// Mode selects the repair strategy.
type Mode string

const (
	// ModeSmart re-fetches gap spans from the provider.
	ModeSmart Mode = "smart"

	// ModeZeroFill synthesizes interpolated placeholder records carrying
	// the last known close and zero volume. Used for spans the provider
	// is known not to have.
	ModeZeroFill Mode = "zero_fill"
)

// Valid reports whether the mode is one of the defined strategies.
func (m Mode) Valid() bool {
	return m == ModeSmart || m == ModeZeroFill
}

// neutralPlaceholderPrice fills slots when no prior close exists at all,
// e.g. a zero-fill at the very start of a series.
var neutralPlaceholderPrice = decimal.Zero

// Config tunes a Service.
type Config struct {
	// Mode is the default strategy applied by Repair. RepairGap accepts a
	// per-call override.
	Mode Mode

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Result aggregates the outcome of one repair pass. Failed gaps do not abort
// the pass; they are counted and logged.
type Result struct {
	Filled  int
	Failed  int
	Skipped int
}

// Service repairs gaps detected by the quality scanner or reported by
// coverage queries.
type Service struct {
	filler  backfill.GapFiller
	records storage.RecordStorage
	cov     coverage.Store
	mode    Mode
	logger  *slog.Logger
	metrics *metrics.Registry
}

// NewService creates a repair service. The records storage is required for
// zero-fill; smart-only deployments may pass a nil records store and must
// then never request zero-fill.
func NewService(filler backfill.GapFiller, records storage.RecordStorage, cov coverage.Store, cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeSmart
	}
	return &Service{
		filler:  filler,
		records: records,
		cov:     cov,
		mode:    mode,
		logger:  logger.With("component", "repair"),
		metrics: cfg.Metrics,
	}
}

// DetectGaps converts a quality report's gap spans into repair work items.
// Gap IDs are fresh UUIDs; the scanner does not assign identity.
func DetectGaps(report *quality.Report) ([]models.Gap, error) {
	gaps := make([]models.Gap, 0, len(report.Gaps))
	for _, span := range report.Gaps {
		g, err := models.NewGap(uuid.NewString(), report.Key, span.Start, span.End)
		if err != nil {
			return nil, fmt.Errorf("repair: build gap for %s: %w", report.Key, err)
		}
		gaps = append(gaps, *g)
	}
	return gaps, nil
}

// Repair processes the given gaps using the service's default mode. Gaps are
// grouped by source: groups run in parallel (distinct providers have
// independent rate budgets) while gaps within one group run sequentially in
// time order. Returns the aggregate result; the error is non-nil only for
// context cancellation.
func (s *Service) Repair(ctx context.Context, gaps []models.Gap) (*Result, error) {
	result := &Result{}
	if len(gaps) == 0 {
		return result, nil
	}

	bySource := make(map[string][]models.Gap)
	for _, g := range gaps {
		if !g.CanFill() {
			result.Skipped++
			s.metrics.Inc(metrics.RepairsSkipped)
			continue
		}
		bySource[g.Key.Source] = append(bySource[g.Key.Source], g)
	}

	type groupResult struct {
		filled int
		failed int
	}
	results := make([]groupResult, 0, len(bySource))
	resultIdx := make(map[string]int, len(bySource))
	for src := range bySource {
		resultIdx[src] = len(results)
		results = append(results, groupResult{})
	}

	grp, gctx := errgroup.WithContext(ctx)
	for src, group := range bySource {
		src, group := src, group
		sort.Slice(group, func(i, j int) bool {
			return group[i].StartTime.Before(group[j].StartTime)
		})

		grp.Go(func() error {
			gr := &results[resultIdx[src]]
			for i := range group {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := s.RepairGap(gctx, &group[i], s.mode); err != nil {
					gr.failed++
					s.logger.Warn("gap repair failed",
						"gap", group[i].ID,
						"key", group[i].Key.String(),
						"span", group[i].Range().String(),
						"error", err,
					)
					continue
				}
				gr.filled++
			}
			return nil
		})
	}

	err := grp.Wait()
	for _, gr := range results {
		result.Filled += gr.filled
		result.Failed += gr.failed
	}
	s.metrics.Add(metrics.RepairsFilled, int64(result.Filled))
	s.metrics.Add(metrics.RepairsFailed, int64(result.Failed))

	s.logger.Info("repair pass finished",
		"filled", result.Filled,
		"failed", result.Failed,
		"skipped", result.Skipped,
	)
	return result, err
}

// RepairGap repairs one gap with the given mode, driving its lifecycle
// transitions. On failure the gap returns to detected status with the error
// recorded, eligible for a later retry.
func (s *Service) RepairGap(ctx context.Context, gap *models.Gap, mode Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("repair: invalid mode %q", mode)
	}
	if err := gap.StartFilling(); err != nil {
		return fmt.Errorf("repair: %w", err)
	}

	var err error
	switch mode {
	case ModeSmart:
		err = s.smartFill(ctx, gap)
	case ModeZeroFill:
		err = s.zeroFill(ctx, gap)
	}
	if err != nil {
		if recErr := gap.RecordFailure(err.Error()); recErr != nil {
			s.logger.Warn("gap state transition failed", "gap", gap.ID, "error", recErr)
		}
		return err
	}

	if err := gap.MarkFilled(); err != nil {
		return fmt.Errorf("repair: %w", err)
	}
	s.logger.Info("gap repaired",
		"gap", gap.ID,
		"key", gap.Key.String(),
		"span", gap.Range().String(),
		"mode", string(mode),
	)
	return nil
}

// smartFill re-runs the backfill loop scoped to the gap's span. The gap
// counts as filled only when no coverage hole remains afterwards; a partial
// fill (pages fetched but a skip or abandonment inside the span) is a
// failure so the gap stays eligible for retry or zero-fill.
func (s *Service) smartFill(ctx context.Context, gap *models.Gap) error {
	stats, err := s.filler.Run(ctx, gap.Key, gap.Range())
	if err != nil {
		return fmt.Errorf("refetch gap span: %w", err)
	}
	if stats.GapsAbandoned > 0 {
		return fmt.Errorf("refetch left %d of %d sub-gaps open", stats.GapsAbandoned, stats.GapsFound)
	}

	remaining, err := s.cov.Gaps(ctx, gap.Key, gap.Range())
	if err != nil {
		return fmt.Errorf("verify coverage after refetch: %w", err)
	}
	if len(remaining) > 0 {
		return fmt.Errorf("refetch left %d coverage holes in gap span", len(remaining))
	}
	return nil
}

// zeroFill writes one interpolated record per resolution slot across the gap,
// carrying the last close observed before the gap, then marks the span
// covered. Only cadenced series can be zero-filled: a synthetic trade tape
// would be fabricated market activity, not a placeholder.
func (s *Service) zeroFill(ctx context.Context, gap *models.Gap) error {
	if gap.Key.Series != models.SeriesCandles {
		return fmt.Errorf("zero-fill supports candle series only, got %s", gap.Key.Series)
	}
	if s.records == nil {
		return fmt.Errorf("zero-fill requires record storage")
	}

	step, err := gap.Key.Resolution.Duration()
	if err != nil {
		return fmt.Errorf("zero-fill: %w", err)
	}

	price := neutralPlaceholderPrice
	if prev, err := s.records.LastRecordBefore(ctx, gap.Key, gap.StartTime); err != nil {
		return fmt.Errorf("zero-fill: read prior close: %w", err)
	} else if prev != nil {
		price, err = prev.GetCloseDecimal()
		if err != nil {
			return fmt.Errorf("zero-fill: parse prior close: %w", err)
		}
	}

	// Slots align to the resolution grid anchored at the gap start; the
	// scanner emits gaps already aligned to record timestamps.
	var records []models.Record
	for ts := gap.StartTime; ts.Before(gap.EndTime); ts = ts.Add(step) {
		rec, err := models.NewInterpolatedRecord(gap.Key, ts, price)
		if err != nil {
			return fmt.Errorf("zero-fill: build record at %s: %w", ts.Format(time.RFC3339), err)
		}
		records = append(records, *rec)
	}
	if len(records) == 0 {
		return nil
	}

	if err := s.records.Upsert(ctx, records); err != nil {
		return fmt.Errorf("zero-fill: persist records: %w", err)
	}
	if err := s.cov.MarkCovered(ctx, gap.Key, timerange.Range{Start: gap.StartTime, End: gap.EndTime}); err != nil {
		return fmt.Errorf("zero-fill: update coverage: %w", err)
	}

	s.logger.Debug("zero-filled gap",
		"gap", gap.ID,
		"key", gap.Key.String(),
		"records", len(records),
	)
	return nil
}
