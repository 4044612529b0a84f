package report

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-coverage/internal/coverage"
	"github.com/johnayoung/go-ohlcv-coverage/internal/models"
	"github.com/johnayoung/go-ohlcv-coverage/internal/storage"
	"github.com/johnayoung/go-ohlcv-coverage/internal/timerange"
)

func candleKey(t *testing.T, symbol string) models.SeriesKey {
	t.Helper()
	key, err := models.NewSeriesKey("binance", models.InstrumentSpot, symbol, models.SeriesCandles, "1h")
	require.NoError(t, err)
	return key
}

func newCoverage(t *testing.T) *coverage.FileStore {
	t.Helper()
	store, err := coverage.NewFileStore(filepath.Join(t.TempDir(), "coverage.json"), nil)
	require.NoError(t, err)
	return store
}

func storeHours(t *testing.T, mem *storage.MemoryStorage, key models.SeriesKey, base time.Time, hours ...int) {
	t.Helper()
	for _, h := range hours {
		rec, err := models.NewRecord(key, base.Add(time.Duration(h)*time.Hour), "100", "101", "99", "100", "10")
		require.NoError(t, err)
		require.NoError(t, mem.Upsert(context.Background(), []models.Record{*rec}))
	}
}

func findSeries(t *testing.T, status *Status, key models.SeriesKey) SeriesStatus {
	t.Helper()
	for _, line := range status.Series {
		if line.Key == key {
			return line
		}
	}
	t.Fatalf("series %s missing from report", key)
	return SeriesStatus{}
}

func TestBuildEmpty(t *testing.T) {
	b := NewBuilder(storage.NewMemoryStorage(), nil, nil, newCoverage(t), nil)
	status, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Empty(t, status.Series)
	assert.False(t, status.GeneratedAt.IsZero())
}

func TestBuildFullyCoveredSeries(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	cov := newCoverage(t)
	key := candleKey(t, "BTCUSDT")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	storeHours(t, mem, key, base, 0, 1, 2, 3)
	// Covered through the last record's slot.
	require.NoError(t, cov.MarkCovered(ctx, key, timerange.Range{Start: base, End: base.Add(4 * time.Hour)}))

	status, err := NewBuilder(mem, mem, mem, cov, nil).Build(ctx)
	require.NoError(t, err)

	line := findSeries(t, status, key)
	require.NotNil(t, line.First)
	assert.True(t, line.First.Equal(base))
	assert.True(t, line.Last.Equal(base.Add(3*time.Hour)))
	assert.Equal(t, int64(4), line.Count)
	assert.Equal(t, 4*time.Hour, line.CoveredDuration)
	assert.InDelta(t, 1.0, line.CoverageRatio, 1e-9)
	assert.Zero(t, line.OpenGaps)
}

func TestBuildPartiallyCoveredSeries(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	cov := newCoverage(t)
	key := candleKey(t, "BTCUSDT")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Records span hours 0-7, coverage only claims the first half.
	storeHours(t, mem, key, base, 0, 1, 2, 3, 4, 5, 6, 7)
	require.NoError(t, cov.MarkCovered(ctx, key, timerange.Range{Start: base, End: base.Add(4 * time.Hour)}))

	status, err := NewBuilder(mem, mem, mem, cov, nil).Build(ctx)
	require.NoError(t, err)

	line := findSeries(t, status, key)
	assert.Equal(t, int64(8), line.Count)
	assert.Equal(t, 1, line.OpenGaps)
	assert.InDelta(t, 0.5, line.CoverageRatio, 1e-9)
}

// A key present in storage but unknown to coverage must still appear, showing
// the whole extent as uncovered.
func TestBuildSurfacesUntrackedStorage(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	cov := newCoverage(t)
	key := candleKey(t, "ETHUSDT")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	storeHours(t, mem, key, base, 0, 1)

	status, err := NewBuilder(mem, mem, mem, cov, nil).Build(ctx)
	require.NoError(t, err)

	line := findSeries(t, status, key)
	assert.Equal(t, int64(2), line.Count)
	assert.Zero(t, line.CoveredDuration)
	assert.Zero(t, line.CoverageRatio)
	assert.Equal(t, 1, line.OpenGaps)
}

// The opposite drift: coverage claims a span but storage holds nothing. The
// ratio pins to 1 with a zero count, which is the operator's cue to dig in.
func TestBuildSurfacesCoverageWithoutStorage(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	cov := newCoverage(t)
	key := candleKey(t, "BTCUSDT")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, cov.MarkCovered(ctx, key, timerange.Range{Start: base, End: base.Add(6 * time.Hour)}))

	status, err := NewBuilder(mem, mem, mem, cov, nil).Build(ctx)
	require.NoError(t, err)

	line := findSeries(t, status, key)
	assert.Nil(t, line.First)
	assert.Zero(t, line.Count)
	assert.Equal(t, 6*time.Hour, line.CoveredDuration)
	assert.InDelta(t, 1.0, line.CoverageRatio, 1e-9)
}

func TestBuildTradeSeriesUsesInstantExtent(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	cov := newCoverage(t)
	key, err := models.NewSeriesKey("binance", models.InstrumentSpot, "BTCUSDT", models.SeriesTrades, "")
	require.NoError(t, err)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, mem.UpsertTrades(ctx, []models.Trade{
		{Timestamp: base, Price: "100", Quantity: "1", Source: key.Source, Instrument: key.Instrument, Symbol: key.Symbol},
		{Timestamp: base.Add(2 * time.Hour), Price: "101", Quantity: "2", Source: key.Source, Instrument: key.Instrument, Symbol: key.Symbol},
	}))
	require.NoError(t, cov.MarkCovered(ctx, key, timerange.Range{Start: base, End: base.Add(time.Hour)}))

	status, err := NewBuilder(mem, mem, mem, cov, nil).Build(ctx)
	require.NoError(t, err)

	// Trade extents end at the last tick itself; no resolution padding.
	line := findSeries(t, status, key)
	assert.Equal(t, int64(2), line.Count)
	assert.InDelta(t, 0.5, line.CoverageRatio, 1e-9)
	assert.Equal(t, 1, line.OpenGaps)
}

func TestBuildSortsByKey(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	cov := newCoverage(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	storeHours(t, mem, candleKey(t, "ETHUSDT"), base, 0)
	storeHours(t, mem, candleKey(t, "BTCUSDT"), base, 0)

	status, err := NewBuilder(mem, mem, mem, cov, nil).Build(ctx)
	require.NoError(t, err)
	require.Len(t, status.Series, 2)
	assert.Equal(t, "BTCUSDT", status.Series[0].Key.Symbol)
	assert.Equal(t, "ETHUSDT", status.Series[1].Key.Symbol)
}
