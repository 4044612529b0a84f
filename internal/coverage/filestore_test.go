package coverage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-coverage/internal/models"
	"github.com/johnayoung/go-ohlcv-coverage/internal/timerange"
)

func testKey(t *testing.T) models.SeriesKey {
	t.Helper()
	key, err := models.NewSeriesKey("binance", models.InstrumentSpot, "BTCUSDT", models.SeriesCandles, "1h")
	require.NoError(t, err)
	return key
}

func testStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "coverage.json"), nil)
	require.NoError(t, err)
	return store
}

func hourRange(t *testing.T, day string, startHour, endHour int) timerange.Range {
	t.Helper()
	base, err := time.Parse("2006-01-02", day)
	require.NoError(t, err)
	return timerange.Range{
		Start: base.Add(time.Duration(startHour) * time.Hour),
		End:   base.Add(time.Duration(endHour) * time.Hour),
	}
}

func TestFileStoreEmptyState(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	key := testKey(t)
	query := hourRange(t, "2024-01-01", 0, 24)

	t.Run("unknown key yields whole query as one gap", func(t *testing.T) {
		gaps, err := store.Gaps(ctx, key, query)
		require.NoError(t, err)
		require.Len(t, gaps, 1)
		assert.True(t, gaps[0].Equal(query))
	})

	t.Run("covered set is empty", func(t *testing.T) {
		covered, err := store.Covered(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, covered)
	})

	t.Run("no keys listed", func(t *testing.T) {
		keys, err := store.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestFileStoreMarkCovered(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)

	t.Run("marking twice is a no-op", func(t *testing.T) {
		store := testStore(t)
		r := hourRange(t, "2024-01-01", 0, 6)

		require.NoError(t, store.MarkCovered(ctx, key, r))
		require.NoError(t, store.MarkCovered(ctx, key, r))

		covered, err := store.Covered(ctx, key)
		require.NoError(t, err)
		require.Len(t, covered, 1)
		assert.True(t, covered[0].Equal(r))
	})

	t.Run("touching ranges merge", func(t *testing.T) {
		store := testStore(t)
		require.NoError(t, store.MarkCovered(ctx, key, hourRange(t, "2024-01-01", 0, 6)))
		require.NoError(t, store.MarkCovered(ctx, key, hourRange(t, "2024-01-01", 6, 12)))

		covered, err := store.Covered(ctx, key)
		require.NoError(t, err)
		require.Len(t, covered, 1)
		assert.True(t, covered[0].Equal(hourRange(t, "2024-01-01", 0, 12)))
	})

	t.Run("insertion order does not matter", func(t *testing.T) {
		ranges := []timerange.Range{
			hourRange(t, "2024-01-01", 12, 18),
			hourRange(t, "2024-01-01", 0, 6),
			hourRange(t, "2024-01-01", 4, 13),
		}

		forward := testStore(t)
		for _, r := range ranges {
			require.NoError(t, forward.MarkCovered(ctx, key, r))
		}
		backward := testStore(t)
		for i := len(ranges) - 1; i >= 0; i-- {
			require.NoError(t, backward.MarkCovered(ctx, key, ranges[i]))
		}

		coveredFwd, err := forward.Covered(ctx, key)
		require.NoError(t, err)
		coveredBwd, err := backward.Covered(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, coveredFwd, coveredBwd)
		require.Len(t, coveredFwd, 1)
		assert.True(t, coveredFwd[0].Equal(hourRange(t, "2024-01-01", 0, 18)))
	})

	t.Run("distinct keys are independent", func(t *testing.T) {
		store := testStore(t)
		other, err := models.NewSeriesKey("binance", models.InstrumentSpot, "ETHUSDT", models.SeriesCandles, "1h")
		require.NoError(t, err)

		require.NoError(t, store.MarkCovered(ctx, key, hourRange(t, "2024-01-01", 0, 6)))

		covered, err := store.Covered(ctx, other)
		require.NoError(t, err)
		assert.Empty(t, covered)
	})
}

// A partially covered query reports exactly the uncovered remainder, which is
// what makes an interrupted backfill resume where it stopped instead of
// refetching from the beginning.
func TestFileStoreResumesAfterPartialCoverage(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	key := testKey(t)
	query := hourRange(t, "2024-01-01", 0, 24)

	// First run covered hours 0-9 before being interrupted.
	require.NoError(t, store.MarkCovered(ctx, key, hourRange(t, "2024-01-01", 0, 9)))

	// A second store over the same file sees the persisted progress.
	reopened, err := NewFileStore(store.Path(), nil)
	require.NoError(t, err)

	gaps, err := reopened.Gaps(ctx, key, query)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.True(t, gaps[0].Equal(hourRange(t, "2024-01-01", 9, 24)))
}

func TestFileStoreGapsBetweenIslands(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	key := testKey(t)

	require.NoError(t, store.MarkCovered(ctx, key, hourRange(t, "2024-01-01", 2, 5)))
	require.NoError(t, store.MarkCovered(ctx, key, hourRange(t, "2024-01-01", 8, 10)))

	gaps, err := store.Gaps(ctx, key, hourRange(t, "2024-01-01", 0, 12))
	require.NoError(t, err)
	require.Len(t, gaps, 3)
	assert.True(t, gaps[0].Equal(hourRange(t, "2024-01-01", 0, 2)))
	assert.True(t, gaps[1].Equal(hourRange(t, "2024-01-01", 5, 8)))
	assert.True(t, gaps[2].Equal(hourRange(t, "2024-01-01", 10, 12)))
}

func TestFileStoreKeysAndReset(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	key := testKey(t)

	tradeKey, err := models.NewSeriesKey("binance", models.InstrumentSpot, "BTCUSDT", models.SeriesTrades, "")
	require.NoError(t, err)

	require.NoError(t, store.MarkCovered(ctx, key, hourRange(t, "2024-01-01", 0, 6)))
	require.NoError(t, store.MarkCovered(ctx, tradeKey, hourRange(t, "2024-01-01", 0, 1)))

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.SeriesKey{key, tradeKey}, keys)

	require.NoError(t, store.Reset(ctx, key))

	covered, err := store.Covered(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, covered)

	// The irregular series is untouched by the reset.
	covered, err = store.Covered(ctx, tradeKey)
	require.NoError(t, err)
	assert.Len(t, covered, 1)
}

func TestFileStoreQuarantinesCorruptState(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	key := testKey(t)

	require.NoError(t, store.MarkCovered(ctx, key, hourRange(t, "2024-01-01", 0, 6)))
	require.NoError(t, os.WriteFile(store.Path(), []byte("{ not json"), 0o644))

	// The unreadable file is moved aside and the store continues from
	// empty state.
	covered, err := store.Covered(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, covered)

	matches, err := filepath.Glob(store.Path() + ".corrupt.*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	// The store is usable again after quarantine.
	require.NoError(t, store.MarkCovered(ctx, key, hourRange(t, "2024-01-01", 0, 3)))
	covered, err = store.Covered(ctx, key)
	require.NoError(t, err)
	require.Len(t, covered, 1)
	assert.True(t, covered[0].Equal(hourRange(t, "2024-01-01", 0, 3)))
}

func TestFileStoreRejectsNewerSchema(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	key := testKey(t)

	require.NoError(t, os.WriteFile(store.Path(), []byte(`{"schema_version": 99, "coverage": {}}`), 0o644))

	_, err := store.Covered(ctx, key)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaTooNew)
}

func TestFileStoreConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	key := testKey(t)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(hour int) {
			defer wg.Done()
			errs <- store.MarkCovered(ctx, key, hourRange(t, "2024-01-01", hour, hour+1))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// All eight touching hour ranges survive and merge into one.
	covered, err := store.Covered(ctx, key)
	require.NoError(t, err)
	require.Len(t, covered, 1)
	assert.True(t, covered[0].Equal(hourRange(t, "2024-01-01", 0, writers)))
}

func TestFileStoreSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "coverage.json")
	key := testKey(t)

	a, err := NewFileStore(path, nil)
	require.NoError(t, err)
	b, err := NewFileStore(path, nil)
	require.NoError(t, err)

	require.NoError(t, a.MarkCovered(ctx, key, hourRange(t, "2024-01-01", 0, 4)))
	require.NoError(t, b.MarkCovered(ctx, key, hourRange(t, "2024-01-01", 4, 8)))

	covered, err := a.Covered(ctx, key)
	require.NoError(t, err)
	require.Len(t, covered, 1)
	assert.True(t, covered[0].Equal(hourRange(t, "2024-01-01", 0, 8)))
}
