// Package quality determines the ground truth about stored data: which gaps
// really exist and how trustworthy a series is. Unlike the coverage index,
// which records what was asked for, the scanner reads the records that
// actually made it into storage, so its gaps are authoritative and its
// reports are the input to gap repair.
package quality

import (
	"time"

	"github.com/johnayoung/go-ohlcv-coverage/internal/models"
	"github.com/johnayoung/go-ohlcv-coverage/internal/timerange"
)

const (
	// cadenceTolerance is the slack allowed on consecutive-record deltas
	// before a gap is opened: a delta up to 1.1x the resolution passes,
	// anything beyond is a hole.
	cadenceTolerance = 1.1

	// alignmentTolerance is the relative difference allowed between a
	// record's open and the previous record's close for the pair to count
	// as aligned (0.1%).
	alignmentTolerance = 0.001
)

// Weights tunes the blend of the composite quality score. Each weight scales
// a component in [0, 1]; the score is monotonic in every component
// regardless of the weights chosen.
type Weights struct {
	Completeness float64
	Alignment    float64
	Anomaly      float64
}

// DefaultWeights weight completeness highest, then open/close continuity,
// then anomaly rate.
func DefaultWeights() Weights {
	return Weights{Completeness: 0.5, Alignment: 0.3, Anomaly: 0.2}
}

// Report is the outcome of one quality scan over a series span. Computed on
// demand, never persisted.
type Report struct {
	Key  models.SeriesKey
	Span timerange.Range

	// ObservedCount is the number of records actually stored in the span.
	ObservedCount int64

	// ExpectedCount is the slot count the span implies at the series
	// resolution (zero for irregular series).
	ExpectedCount int64

	// Gaps are the true holes found in stored data, sorted and disjoint.
	Gaps []timerange.Range

	// AlignmentScore is the fraction of in-cadence consecutive pairs
	// whose open matches the previous close within tolerance. 1.0 when no
	// pair qualifies for the check.
	AlignmentScore float64

	// AnomalyCount is the number of records with impossible values:
	// non-positive prices, high below low, or negative volume.
	AnomalyCount int64

	// Score is the composite quality score in [0, 1].
	Score float64

	GeneratedAt time.Time
}

// GapDuration sums the duration of all reported gaps.
func (r *Report) GapDuration() time.Duration {
	return timerange.TotalDuration(r.Gaps)
}

// Complete reports whether the scan found no gaps and no anomalies.
func (r *Report) Complete() bool {
	return len(r.Gaps) == 0 && r.AnomalyCount == 0
}

// score blends completeness, alignment, and the inverse anomaly rate. Each
// component is clamped to [0, 1] before weighting, so improving any input
// never lowers the result.
func score(w Weights, completeness, alignment, anomalyRate float64) float64 {
	total := w.Completeness + w.Alignment + w.Anomaly
	if total <= 0 {
		return 0
	}
	c := clamp01(completeness)
	a := clamp01(alignment)
	f := clamp01(1 - anomalyRate)
	return (w.Completeness*c + w.Alignment*a + w.Anomaly*f) / total
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
