package quality

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-coverage/internal/models"
	"github.com/johnayoung/go-ohlcv-coverage/internal/storage"
	"github.com/johnayoung/go-ohlcv-coverage/internal/timerange"
)

func candleKey(t *testing.T) models.SeriesKey {
	t.Helper()
	key, err := models.NewSeriesKey("binance", models.InstrumentSpot, "BTCUSDT", models.SeriesCandles, "1h")
	require.NoError(t, err)
	return key
}

func tradeKey(t *testing.T) models.SeriesKey {
	t.Helper()
	key, err := models.NewSeriesKey("binance", models.InstrumentSpot, "BTCUSDT", models.SeriesTrades, "")
	require.NoError(t, err)
	return key
}

// storeCandles writes one flat-priced candle per hour at the given offsets
// from base.
func storeCandles(t *testing.T, mem *storage.MemoryStorage, key models.SeriesKey, base time.Time, hours ...int) {
	t.Helper()
	records := make([]models.Record, 0, len(hours))
	for _, h := range hours {
		rec, err := models.NewRecord(key, base.Add(time.Duration(h)*time.Hour), "100", "101", "99", "100", "10")
		require.NoError(t, err)
		records = append(records, *rec)
	}
	require.NoError(t, mem.Upsert(context.Background(), records))
}

func TestScanCadencedCompleteSeries(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	key := candleKey(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	storeCandles(t, mem, key, base, 0, 1, 2, 3, 4, 5)
	scanner := NewScanner(mem, mem, Weights{}, nil)

	report, err := scanner.Scan(ctx, key, timerange.Range{Start: base, End: base.Add(6 * time.Hour)})
	require.NoError(t, err)

	assert.Empty(t, report.Gaps)
	assert.True(t, report.Complete())
	assert.Equal(t, int64(6), report.ObservedCount)
	assert.Equal(t, int64(6), report.ExpectedCount)
	assert.InDelta(t, 1.0, report.Score, 1e-9)
}

func TestScanCadencedGapDetection(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	key := candleKey(t)

	t.Run("slightly late record is not a gap", func(t *testing.T) {
		mem := storage.NewMemoryStorage()
		// 65 minutes between consecutive 1h records stays under the
		// 1.1x tolerance.
		recA, err := models.NewRecord(key, base, "100", "101", "99", "100", "10")
		require.NoError(t, err)
		recB, err := models.NewRecord(key, base.Add(65*time.Minute), "100", "101", "99", "100", "10")
		require.NoError(t, err)
		require.NoError(t, mem.Upsert(ctx, []models.Record{*recA, *recB}))

		scanner := NewScanner(mem, mem, Weights{}, nil)
		report, err := scanner.Scan(ctx, key, timerange.Range{Start: base, End: base.Add(2 * time.Hour)})
		require.NoError(t, err)
		assert.Empty(t, report.Gaps)
	})

	t.Run("three silent hours open a three hour gap", func(t *testing.T) {
		mem := storage.NewMemoryStorage()
		// Records at 00:00 and 04:00; slots 01:00-04:00 are missing,
		// but 04:00 itself exists.
		storeCandles(t, mem, key, base, 0, 4, 5)

		scanner := NewScanner(mem, mem, Weights{}, nil)
		report, err := scanner.Scan(ctx, key, timerange.Range{Start: base, End: base.Add(6 * time.Hour)})
		require.NoError(t, err)

		require.Len(t, report.Gaps, 1)
		assert.True(t, report.Gaps[0].Equal(timerange.Range{
			Start: base.Add(1 * time.Hour),
			End:   base.Add(4 * time.Hour),
		}))
		assert.Equal(t, 3*time.Hour, report.GapDuration())
	})

	t.Run("missing span edges are gaps", func(t *testing.T) {
		mem := storage.NewMemoryStorage()
		storeCandles(t, mem, key, base, 2, 3)

		scanner := NewScanner(mem, mem, Weights{}, nil)
		report, err := scanner.Scan(ctx, key, timerange.Range{Start: base, End: base.Add(6 * time.Hour)})
		require.NoError(t, err)

		require.Len(t, report.Gaps, 2)
		assert.True(t, report.Gaps[0].Equal(timerange.Range{Start: base, End: base.Add(2 * time.Hour)}))
		assert.True(t, report.Gaps[1].Equal(timerange.Range{Start: base.Add(4 * time.Hour), End: base.Add(6 * time.Hour)}))
	})

	t.Run("empty span is one whole gap", func(t *testing.T) {
		mem := storage.NewMemoryStorage()
		span := timerange.Range{Start: base, End: base.Add(6 * time.Hour)}

		scanner := NewScanner(mem, mem, Weights{}, nil)
		report, err := scanner.Scan(ctx, key, span)
		require.NoError(t, err)

		require.Len(t, report.Gaps, 1)
		assert.True(t, report.Gaps[0].Equal(span))
		assert.Zero(t, report.ObservedCount)
	})
}

func TestScanCadencedAlignment(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	key := candleKey(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// close 100 -> open 100 (aligned), close 100 -> open 150 (misaligned).
	recs := []struct{ open, close string }{
		{"100", "100"},
		{"100", "100"},
		{"150", "150"},
	}
	records := make([]models.Record, 0, len(recs))
	for i, r := range recs {
		rec, err := models.NewRecord(key, base.Add(time.Duration(i)*time.Hour), r.open, "200", "50", r.close, "10")
		require.NoError(t, err)
		records = append(records, *rec)
	}
	require.NoError(t, mem.Upsert(ctx, records))

	scanner := NewScanner(mem, mem, Weights{}, nil)
	report, err := scanner.Scan(ctx, key, timerange.Range{Start: base, End: base.Add(3 * time.Hour)})
	require.NoError(t, err)

	assert.InDelta(t, 0.5, report.AlignmentScore, 1e-9)
	assert.Less(t, report.Score, 1.0)
}

func TestScanCadencedAnomalies(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	key := candleKey(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	good, err := models.NewRecord(key, base, "100", "101", "99", "100", "10")
	require.NoError(t, err)
	// Interpolated zero-price placeholders are not anomalies.
	placeholder, err := models.NewInterpolatedRecord(key, base.Add(time.Hour), decimal.Zero)
	require.NoError(t, err)
	// A negative volume sneaks past upsert but not past the scan.
	bad := *good
	bad.Timestamp = base.Add(2 * time.Hour)
	bad.Volume = "-5"
	require.NoError(t, mem.Upsert(ctx, []models.Record{*good, *placeholder, bad}))

	scanner := NewScanner(mem, mem, Weights{}, nil)
	report, err := scanner.Scan(ctx, key, timerange.Range{Start: base, End: base.Add(3 * time.Hour)})
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.AnomalyCount)
	assert.False(t, report.Complete())
}

func TestScanTrades(t *testing.T) {
	ctx := context.Background()
	key := tradeKey(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	storeTrades := func(t *testing.T, mem *storage.MemoryStorage, offsets ...time.Duration) {
		t.Helper()
		trades := make([]models.Trade, 0, len(offsets))
		for i, off := range offsets {
			trades = append(trades, models.Trade{
				Timestamp:  base.Add(off),
				Price:      "100",
				Quantity:   fmt.Sprintf("%d", i+1),
				Source:     key.Source,
				Instrument: key.Instrument,
				Symbol:     key.Symbol,
			})
		}
		require.NoError(t, mem.UpsertTrades(ctx, trades))
	}

	t.Run("empty hour buckets coalesce into one gap", func(t *testing.T) {
		mem := storage.NewMemoryStorage()
		// Trades in hours 0 and 4; hours 1-3 are silent.
		storeTrades(t, mem, 10*time.Minute, 4*time.Hour+5*time.Minute)

		scanner := NewScanner(mem, mem, Weights{}, nil)
		report, err := scanner.Scan(ctx, key, timerange.Range{Start: base, End: base.Add(5 * time.Hour)})
		require.NoError(t, err)

		require.Len(t, report.Gaps, 1)
		assert.True(t, report.Gaps[0].Equal(timerange.Range{
			Start: base.Add(1 * time.Hour),
			End:   base.Add(4 * time.Hour),
		}))
		assert.Equal(t, int64(2), report.ObservedCount)
		assert.InDelta(t, 0.4, report.Score, 1e-9)
	})

	t.Run("continuous tape has no gaps", func(t *testing.T) {
		mem := storage.NewMemoryStorage()
		storeTrades(t, mem, 5*time.Minute, 65*time.Minute, 125*time.Minute)

		scanner := NewScanner(mem, mem, Weights{}, nil)
		report, err := scanner.Scan(ctx, key, timerange.Range{Start: base, End: base.Add(3 * time.Hour)})
		require.NoError(t, err)

		assert.Empty(t, report.Gaps)
		assert.InDelta(t, 1.0, report.Score, 1e-9)
	})

	t.Run("trailing silence is a gap", func(t *testing.T) {
		mem := storage.NewMemoryStorage()
		storeTrades(t, mem, 5*time.Minute)

		scanner := NewScanner(mem, mem, Weights{}, nil)
		report, err := scanner.Scan(ctx, key, timerange.Range{Start: base, End: base.Add(3 * time.Hour)})
		require.NoError(t, err)

		require.Len(t, report.Gaps, 1)
		assert.True(t, report.Gaps[0].Equal(timerange.Range{
			Start: base.Add(1 * time.Hour),
			End:   base.Add(3 * time.Hour),
		}))
	})
}

func TestScoreMonotonic(t *testing.T) {
	w := DefaultWeights()

	low := score(w, 0.5, 1.0, 0)
	high := score(w, 0.9, 1.0, 0)
	assert.Greater(t, high, low, "more completeness never lowers the score")

	clean := score(w, 1.0, 1.0, 0)
	dirty := score(w, 1.0, 1.0, 0.5)
	assert.Greater(t, clean, dirty, "more anomalies never raise the score")

	assert.GreaterOrEqual(t, score(w, 2.0, 1.0, 0), 0.0)
	assert.LessOrEqual(t, score(w, 2.0, 1.0, -1), 1.0)
}
