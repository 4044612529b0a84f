// Package report assembles operator-facing status summaries: for every
// tracked series, what storage actually holds, what the coverage index
// claims, and how far the two agree. The report reads both sides
// independently so a drifted coverage file shows up as a discrepancy instead
// of being trusted.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/johnayoung/go-ohlcv-coverage/internal/coverage"
	"github.com/johnayoung/go-ohlcv-coverage/internal/models"
	"github.com/johnayoung/go-ohlcv-coverage/internal/storage"
	"github.com/johnayoung/go-ohlcv-coverage/internal/timerange"
)

// SeriesStatus is the status line for one series.
type SeriesStatus struct {
	Key models.SeriesKey `json:"key"`

	// Stored extent, absent when storage has no data for the key.
	First *time.Time `json:"first,omitempty"`
	Last  *time.Time `json:"last,omitempty"`
	Count int64      `json:"count"`

	// CoveredDuration is the total length of the covered set.
	CoveredDuration time.Duration `json:"covered_duration"`

	// CoverageRatio is the covered share of the stored extent, in [0,1].
	// 1.0 with a non-zero count means coverage fully spans what storage
	// holds.
	CoverageRatio float64 `json:"coverage_ratio"`

	// OpenGaps counts coverage holes inside the stored extent.
	OpenGaps int `json:"open_gaps"`
}

// Status is a full status report across all tracked series.
type Status struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Series      []SeriesStatus `json:"series"`
}

// Builder assembles status reports. Funding and trade stores may be nil;
// their series kinds are then reported from the coverage side only.
type Builder struct {
	records storage.RecordStorage
	funding storage.FundingStorage
	trades  storage.TradeReader
	cov     coverage.Store
	logger  *slog.Logger
}

// NewBuilder creates a report builder.
func NewBuilder(records storage.RecordStorage, funding storage.FundingStorage, trades storage.TradeReader, cov coverage.Store, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		records: records,
		funding: funding,
		trades:  trades,
		cov:     cov,
		logger:  logger.With("component", "report"),
	}
}

// Build produces a status report over the union of keys known to storage and
// to the coverage index, sorted by key string. Per-key read failures are
// logged and the key skipped rather than failing the whole report.
func (b *Builder) Build(ctx context.Context) (*Status, error) {
	keys, err := b.allKeys(ctx)
	if err != nil {
		return nil, err
	}

	status := &Status{
		GeneratedAt: time.Now().UTC(),
		Series:      make([]SeriesStatus, 0, len(keys)),
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := b.seriesStatus(ctx, key)
		if err != nil {
			b.logger.Warn("skipping series in status report", "key", key.String(), "error", err)
			continue
		}
		status.Series = append(status.Series, *line)
	}

	sort.Slice(status.Series, func(i, j int) bool {
		return status.Series[i].Key.String() < status.Series[j].Key.String()
	})
	return status, nil
}

func (b *Builder) allKeys(ctx context.Context) ([]models.SeriesKey, error) {
	seen := make(map[models.SeriesKey]struct{})
	var keys []models.SeriesKey
	add := func(ks []models.SeriesKey) {
		for _, k := range ks {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}

	covKeys, err := b.cov.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("report: list coverage keys: %w", err)
	}
	add(covKeys)

	if b.records != nil {
		storageKeys, err := b.records.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("report: list storage keys: %w", err)
		}
		add(storageKeys)
	}
	return keys, nil
}

func (b *Builder) seriesStatus(ctx context.Context, key models.SeriesKey) (*SeriesStatus, error) {
	line := &SeriesStatus{Key: key}

	extent, err := b.extentFor(ctx, key)
	if err != nil {
		return nil, err
	}
	if extent != nil {
		first, last := extent.First, extent.Last
		line.First = &first
		line.Last = &last
		line.Count = extent.Count
	}

	covered, err := b.cov.Covered(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read covered set: %w", err)
	}
	line.CoveredDuration = timerange.TotalDuration(covered)

	if extent == nil || !extent.Last.After(extent.First) {
		if line.CoveredDuration == 0 {
			line.CoverageRatio = 0
		} else {
			// Coverage exists but storage is empty: drift worth seeing.
			line.CoverageRatio = 1
		}
		return line, nil
	}

	// The observed extent spans through the last record's slot; for
	// irregular series the last instant itself is the edge.
	extentEnd := extent.Last
	if step, err := key.Resolution.Duration(); err == nil {
		extentEnd = extentEnd.Add(step)
	}
	span := timerange.Range{Start: extent.First, End: extentEnd}

	gaps, err := b.cov.Gaps(ctx, key, span)
	if err != nil {
		return nil, fmt.Errorf("compute gaps: %w", err)
	}
	line.OpenGaps = len(gaps)

	total := span.Duration()
	if total > 0 {
		missing := timerange.TotalDuration(gaps)
		line.CoverageRatio = float64(total-missing) / float64(total)
	}
	return line, nil
}

func (b *Builder) extentFor(ctx context.Context, key models.SeriesKey) (*storage.Extent, error) {
	switch key.Series {
	case models.SeriesCandles:
		if b.records == nil {
			return nil, nil
		}
		extent, err := b.records.ObservedExtent(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read record extent: %w", err)
		}
		return extent, nil
	case models.SeriesFunding:
		if b.funding == nil {
			return nil, nil
		}
		extent, err := b.funding.FundingExtent(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read funding extent: %w", err)
		}
		return extent, nil
	case models.SeriesTrades:
		if b.trades == nil {
			return nil, nil
		}
		extent, err := b.trades.TradeExtent(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read trade extent: %w", err)
		}
		return extent, nil
	default:
		return nil, fmt.Errorf("unknown series type %q", key.Series)
	}
}
