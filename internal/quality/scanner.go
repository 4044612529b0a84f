package quality

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-ohlcv-coverage/internal/models"
	"github.com/johnayoung/go-ohlcv-coverage/internal/storage"
	"github.com/johnayoung/go-ohlcv-coverage/internal/timerange"
)

// Scanner computes quality reports from stored records. It deliberately
// bypasses the coverage index: coverage records what was fetched, the
// scanner reports what exists.
type Scanner struct {
	records storage.RecordReader
	trades  storage.TradeReader
	weights Weights
	logger  *slog.Logger
}

// NewScanner creates a quality scanner. The trades reader may be nil when
// only fixed-cadence series are scanned; weights falls back to
// DefaultWeights when zero.
func NewScanner(records storage.RecordReader, trades storage.TradeReader, weights Weights, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	return &Scanner{
		records: records,
		trades:  trades,
		weights: weights,
		logger:  logger.With("component", "quality_scanner"),
	}
}

// Scan dispatches to the scan appropriate for the series kind.
func (s *Scanner) Scan(ctx context.Context, key models.SeriesKey, span timerange.Range) (*Report, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("quality: invalid key: %w", err)
	}
	if key.Series.Cadenced() {
		return s.ScanCadenced(ctx, key, span)
	}
	return s.ScanTrades(ctx, key, span)
}

// ScanCadenced scans a fixed-cadence series. Records are read in time
// order; any consecutive delta beyond 1.1x the resolution opens a gap
// covering the missing slots between the two records. Span edges before the
// first record and after the last are also reported as gaps, so a scan over
// an empty span yields the whole span as one gap.
func (s *Scanner) ScanCadenced(ctx context.Context, key models.SeriesKey, span timerange.Range) (*Report, error) {
	step, err := key.Resolution.Duration()
	if err != nil {
		return nil, fmt.Errorf("quality: %w", err)
	}

	records, err := s.records.ReadRange(ctx, key, span)
	if err != nil {
		return nil, fmt.Errorf("quality: read records for %s: %w", key, err)
	}

	report := &Report{
		Key:            key,
		Span:           span,
		ObservedCount:  int64(len(records)),
		ExpectedCount:  int64(span.Duration() / step),
		AlignmentScore: 1.0,
		GeneratedAt:    time.Now().UTC(),
	}

	if len(records) == 0 {
		report.Gaps = []timerange.Range{span}
		report.Score = score(s.weights, 0, 1, 0)
		return report, nil
	}

	gapThreshold := time.Duration(float64(step) * cadenceTolerance)

	// Edge gaps: at least one whole slot missing before the first record
	// or after the last one.
	var gaps []timerange.Range
	if records[0].Timestamp.Sub(span.Start) >= step {
		gaps = append(gaps, timerange.Range{Start: span.Start, End: records[0].Timestamp})
	}

	var alignedPairs, cadencedPairs int64
	for i := range records {
		if isAnomalous(&records[i]) {
			report.AnomalyCount++
		}
		if i == 0 {
			continue
		}

		prev, curr := &records[i-1], &records[i]
		delta := curr.Timestamp.Sub(prev.Timestamp)

		if delta > gapThreshold {
			// The missing slots start one resolution after the last
			// record seen; the record at curr itself exists.
			gaps = append(gaps, timerange.Range{Start: prev.Timestamp.Add(step), End: curr.Timestamp})
			continue
		}

		// In-cadence pair: check open/close continuity.
		cadencedPairs++
		if aligned(prev, curr) {
			alignedPairs++
		}
	}

	if lastEnd := records[len(records)-1].Timestamp.Add(step); span.End.Sub(lastEnd) >= step {
		gaps = append(gaps, timerange.Range{Start: lastEnd, End: span.End})
	}

	report.Gaps = timerange.Merge(gaps)

	if cadencedPairs > 0 {
		report.AlignmentScore = float64(alignedPairs) / float64(cadencedPairs)
	}

	completeness := 1.0
	if report.ExpectedCount > 0 {
		completeness = float64(report.ObservedCount) / float64(report.ExpectedCount)
	}
	anomalyRate := 0.0
	if report.ObservedCount > 0 {
		anomalyRate = float64(report.AnomalyCount) / float64(report.ObservedCount)
	}
	report.Score = score(s.weights, completeness, report.AlignmentScore, anomalyRate)

	if len(report.Gaps) > 0 {
		s.logger.Debug("quality scan found gaps",
			"key", key.String(),
			"gaps", len(report.Gaps),
			"gap_duration", report.GapDuration(),
			"score", report.Score,
		)
	}
	return report, nil
}

// ScanTrades scans an irregular series by bucketing the span into fixed
// one-hour windows and coalescing runs of consecutive empty buckets into
// single gaps. The quality score for trades is the covered fraction of the
// span.
func (s *Scanner) ScanTrades(ctx context.Context, key models.SeriesKey, span timerange.Range) (*Report, error) {
	if s.trades == nil {
		return nil, fmt.Errorf("quality: no trade storage configured for %s", key)
	}

	buckets, err := s.trades.HourlyTradeCounts(ctx, key, span)
	if err != nil {
		return nil, fmt.Errorf("quality: bucket counts for %s: %w", key, err)
	}

	report := &Report{
		Key:            key,
		Span:           span,
		AlignmentScore: 1.0,
		GeneratedAt:    time.Now().UTC(),
	}

	var gaps []timerange.Range
	var runStart time.Time
	inRun := false
	for _, b := range buckets {
		report.ObservedCount += b.Count
		if b.Count == 0 {
			if !inRun {
				runStart = b.Bucket
				inRun = true
			}
			continue
		}
		if inRun {
			gaps = append(gaps, timerange.Range{Start: runStart, End: b.Bucket})
			inRun = false
		}
	}
	if inRun {
		gaps = append(gaps, timerange.Range{Start: runStart, End: span.End})
	}

	// Clamp the leading gap to the span; the first bucket may start
	// before span.Start because buckets align to the hour.
	clamped := make([]timerange.Range, 0, len(gaps))
	for _, g := range gaps {
		if c, ok := g.Clamp(span); ok {
			clamped = append(clamped, c)
		}
	}
	report.Gaps = timerange.Merge(clamped)

	total := span.Duration()
	if total > 0 {
		report.Score = clamp01(1 - float64(report.GapDuration())/float64(total))
	}
	return report, nil
}

// aligned reports whether curr's open is within 0.1% of prev's close.
// Unparseable prices count as misaligned rather than failing the scan.
func aligned(prev, curr *models.Record) bool {
	prevClose, err := prev.GetCloseDecimal()
	if err != nil {
		return false
	}
	open, err := curr.GetOpenDecimal()
	if err != nil {
		return false
	}
	if open.IsZero() {
		return prevClose.IsZero()
	}
	diff := open.Sub(prevClose).Abs()
	limit := open.Abs().Mul(decimal.NewFromFloat(alignmentTolerance))
	return diff.LessThanOrEqual(limit)
}

// isAnomalous reports whether a record carries impossible values. Records
// synthesized by gap repair are exempt from the positive-price rule because
// they may legitimately carry the neutral zero placeholder.
func isAnomalous(r *models.Record) bool {
	open, err1 := r.GetOpenDecimal()
	high, err2 := r.GetHighDecimal()
	low, err3 := r.GetLowDecimal()
	closePrice, err4 := r.GetCloseDecimal()
	volume, err5 := r.GetVolumeDecimal()
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return true
	}

	if volume.IsNegative() {
		return true
	}
	if high.LessThan(low) {
		return true
	}
	if r.Interpolated {
		return false
	}
	zero := decimal.Zero
	return open.LessThanOrEqual(zero) || high.LessThanOrEqual(zero) ||
		low.LessThanOrEqual(zero) || closePrice.LessThanOrEqual(zero)
}
