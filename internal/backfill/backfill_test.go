package backfill

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-coverage/internal/coverage"
	"github.com/johnayoung/go-ohlcv-coverage/internal/models"
	"github.com/johnayoung/go-ohlcv-coverage/internal/source"
	"github.com/johnayoung/go-ohlcv-coverage/internal/storage"
	"github.com/johnayoung/go-ohlcv-coverage/internal/timerange"
)

// fakeSource serves hourly candles from a fixed data window and records how
// many fetches were made. failures injects transient errors before the first
// success. windowed makes requests before dataStart return empty pages,
// modeling a provider-side hole, instead of skipping ahead to the first
// available record.
type fakeSource struct {
	dataStart time.Time
	dataEnd   time.Time
	fetches   int
	failures  int
	listing   time.Time
	windowed  bool
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) FetchCandles(ctx context.Context, key models.SeriesKey, since time.Time, limit int) ([]models.Record, error) {
	f.fetches++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset by peer")
	}
	if f.windowed && since.Before(f.dataStart) {
		return nil, nil
	}

	start := since.Truncate(time.Hour)
	if start.Before(since) {
		start = start.Add(time.Hour)
	}
	if start.Before(f.dataStart) {
		start = f.dataStart
	}

	var out []models.Record
	for ts := start; len(out) < limit && ts.Before(f.dataEnd); ts = ts.Add(time.Hour) {
		rec, err := models.NewRecord(key, ts, "100", "101", "99", "100", "10")
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (f *fakeSource) FetchTrades(ctx context.Context, key models.SeriesKey, since time.Time, limit int) ([]models.Trade, error) {
	return nil, nil
}

func (f *fakeSource) FetchFunding(ctx context.Context, key models.SeriesKey, since time.Time, limit int) ([]models.FundingRecord, error) {
	return nil, nil
}

func (f *fakeSource) ListingDate(ctx context.Context, key models.SeriesKey) (time.Time, error) {
	if f.listing.IsZero() {
		return time.Time{}, source.ErrListingDateUnsupported
	}
	return f.listing, nil
}

func candleKey(t *testing.T) models.SeriesKey {
	t.Helper()
	key, err := models.NewSeriesKey("fake", models.InstrumentSpot, "BTCUSDT", models.SeriesCandles, "1h")
	require.NoError(t, err)
	return key
}

func newTestStore(t *testing.T) *coverage.FileStore {
	t.Helper()
	store, err := coverage.NewFileStore(filepath.Join(t.TempDir(), "coverage.json"), nil)
	require.NoError(t, err)
	return store
}

// fastRetry keeps test runs quick while still exercising the retry loop.
func fastRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialInterval:   time.Millisecond,
		MaxInterval:       5 * time.Millisecond,
		RateLimitInterval: time.Millisecond,
	}
}

func TestBackfillFillsWholeRange(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	key := candleKey(t)
	mem := storage.NewMemoryStorage()
	cov := newTestStore(t)

	src := &fakeSource{dataStart: base, dataEnd: base.Add(48 * time.Hour), listing: base}
	b := New(src, mem, mem, mem, cov, nil, Config{PageLimit: 10, Retry: fastRetry()})

	span := timerange.Range{Start: base, End: base.Add(24 * time.Hour)}
	stats, err := b.Run(ctx, key, span)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.GapsFound)
	assert.Equal(t, 1, stats.GapsFilled)
	assert.Zero(t, stats.GapsAbandoned)
	assert.Equal(t, 24, stats.RecordsStored)

	// All 24 records landed and coverage closed over the span.
	records, err := mem.ReadRange(ctx, key, span)
	require.NoError(t, err)
	assert.Len(t, records, 24)

	gaps, err := cov.Gaps(ctx, key, span)
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestBackfillIsIdempotent(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	key := candleKey(t)
	mem := storage.NewMemoryStorage()
	cov := newTestStore(t)

	src := &fakeSource{dataStart: base, dataEnd: base.Add(48 * time.Hour), listing: base}
	b := New(src, mem, mem, mem, cov, nil, Config{PageLimit: 10, Retry: fastRetry()})
	span := timerange.Range{Start: base, End: base.Add(24 * time.Hour)}

	_, err := b.Run(ctx, key, span)
	require.NoError(t, err)
	fetchesAfterFirst := src.fetches

	// Second run finds no gaps and never touches the provider.
	stats, err := b.Run(ctx, key, span)
	require.NoError(t, err)
	assert.Zero(t, stats.GapsFound)
	assert.Equal(t, fetchesAfterFirst, src.fetches)
}

// Coverage advances page by page, so a run that dies mid-way resumes from the
// first unfetched page rather than the start of the range.
func TestBackfillResumesAfterInterruption(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	key := candleKey(t)
	mem := storage.NewMemoryStorage()
	cov := newTestStore(t)
	span := timerange.Range{Start: base, End: base.Add(24 * time.Hour)}

	// First run: pages of 6, provider dies after two successful pages.
	src := &fakeSource{dataStart: base, dataEnd: base.Add(48 * time.Hour), listing: base}
	b := New(src, mem, mem, mem, cov, nil, Config{PageLimit: 6, Retry: RetryPolicy{
		MaxAttempts:     1,
		InitialInterval: time.Millisecond,
	}})

	pagesBeforeFailure := 2
	failAfter := &failingAfter{inner: src, allow: pagesBeforeFailure}
	bFailing := New(failAfter, mem, mem, mem, cov, nil, Config{PageLimit: 6, Retry: RetryPolicy{
		MaxAttempts:     1,
		InitialInterval: time.Millisecond,
	}})

	stats, err := bFailing.Run(ctx, key, span)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.GapsAbandoned)
	assert.Equal(t, 12, stats.RecordsStored)

	// The first twelve hours are durably covered.
	gaps, err := cov.Gaps(ctx, key, span)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.True(t, gaps[0].Equal(timerange.Range{Start: base.Add(12 * time.Hour), End: span.End}))

	// Second run only fetches the remainder.
	src.fetches = 0
	stats, err = b.Run(ctx, key, span)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.GapsFilled)
	assert.Equal(t, 12, stats.RecordsStored)

	gaps, err = cov.Gaps(ctx, key, span)
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

// failingAfter passes through a fixed number of fetches, then fails every
// call.
type failingAfter struct {
	inner *fakeSource
	allow int
}

func (f *failingAfter) Name() string { return f.inner.Name() }

func (f *failingAfter) FetchCandles(ctx context.Context, key models.SeriesKey, since time.Time, limit int) ([]models.Record, error) {
	if f.allow <= 0 {
		return nil, errors.New("connection reset by peer")
	}
	f.allow--
	return f.inner.FetchCandles(ctx, key, since, limit)
}

func (f *failingAfter) FetchTrades(ctx context.Context, key models.SeriesKey, since time.Time, limit int) ([]models.Trade, error) {
	return f.inner.FetchTrades(ctx, key, since, limit)
}

func (f *failingAfter) FetchFunding(ctx context.Context, key models.SeriesKey, since time.Time, limit int) ([]models.FundingRecord, error) {
	return f.inner.FetchFunding(ctx, key, since, limit)
}

func (f *failingAfter) ListingDate(ctx context.Context, key models.SeriesKey) (time.Time, error) {
	return f.inner.ListingDate(ctx, key)
}

func TestBackfillEmptyPageNearGapEnd(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	key := candleKey(t)
	mem := storage.NewMemoryStorage()
	cov := newTestStore(t)

	// Provider data ends at hour 20; the requested range runs to hour 24.
	// With a 10-hour page span the 4-hour tail is within one page of the
	// end, so it is marked covered as legitimate end-of-data.
	src := &fakeSource{dataStart: base, dataEnd: base.Add(20 * time.Hour), listing: base}
	b := New(src, mem, mem, mem, cov, nil, Config{PageLimit: 10, Retry: fastRetry()})

	span := timerange.Range{Start: base, End: base.Add(24 * time.Hour)}
	stats, err := b.Run(ctx, key, span)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.GapsFilled)
	assert.Equal(t, 20, stats.RecordsStored)
	assert.Zero(t, stats.SpansSkipped)

	gaps, err := cov.Gaps(ctx, key, span)
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestBackfillEmptyPageFarFromGapEnd(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	key := candleKey(t)
	// Provider has no data at all for the first 8 hours of a 24-hour
	// range; page span is 4 hours, so the hole is far from the gap end.
	span := timerange.Range{Start: base, End: base.Add(24 * time.Hour)}

	t.Run("skip-forward marks the hole covered", func(t *testing.T) {
		mem := storage.NewMemoryStorage()
		cov := newTestStore(t)
		src := &fakeSource{dataStart: base.Add(8 * time.Hour), dataEnd: base.Add(48 * time.Hour), listing: base, windowed: true}
		b := New(src, mem, mem, mem, cov, nil, Config{
			PageLimit:              4,
			SkipForwardOnEmptyPage: true,
			Retry:                  fastRetry(),
		})

		stats, err := b.Run(ctx, key, span)
		require.NoError(t, err)

		assert.Equal(t, 1, stats.GapsFilled)
		assert.Equal(t, 2, stats.SpansSkipped)
		assert.Equal(t, 16, stats.RecordsStored)

		// The hole is accepted: no gaps remain anywhere in the span.
		gaps, err := cov.Gaps(ctx, key, span)
		require.NoError(t, err)
		assert.Empty(t, gaps)
	})

	t.Run("disabled skip-forward leaves the gap open", func(t *testing.T) {
		mem := storage.NewMemoryStorage()
		cov := newTestStore(t)
		src := &fakeSource{dataStart: base.Add(8 * time.Hour), dataEnd: base.Add(48 * time.Hour), listing: base, windowed: true}
		b := New(src, mem, mem, mem, cov, nil, Config{
			PageLimit:              4,
			SkipForwardOnEmptyPage: false,
			Retry:                  fastRetry(),
		})

		stats, err := b.Run(ctx, key, span)
		require.NoError(t, err)

		assert.Equal(t, 1, stats.GapsAbandoned)
		assert.Zero(t, stats.GapsFilled)

		// The gap survives for a future run.
		gaps, err := cov.Gaps(ctx, key, span)
		require.NoError(t, err)
		require.Len(t, gaps, 1)
		assert.True(t, gaps[0].Equal(span))
	})
}

func TestBackfillRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	key := candleKey(t)
	mem := storage.NewMemoryStorage()
	cov := newTestStore(t)

	// Two transient failures, then success; the retry budget is three.
	src := &fakeSource{dataStart: base, dataEnd: base.Add(48 * time.Hour), failures: 2, listing: base}
	b := New(src, mem, mem, mem, cov, nil, Config{PageLimit: 24, Retry: fastRetry()})

	span := timerange.Range{Start: base, End: base.Add(12 * time.Hour)}
	stats, err := b.Run(ctx, key, span)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.GapsFilled)
	assert.Equal(t, 12, stats.RecordsStored)
	assert.GreaterOrEqual(t, src.fetches, 3)
}

func TestBackfillClampsToListingDate(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	key := candleKey(t)
	mem := storage.NewMemoryStorage()
	cov := newTestStore(t)
	listings, err := coverage.NewListingStore(filepath.Join(t.TempDir(), "listings.json"), nil)
	require.NoError(t, err)

	listed := base.Add(12 * time.Hour)
	src := &fakeSource{dataStart: listed, dataEnd: base.Add(48 * time.Hour), listing: listed}
	b := New(src, mem, mem, mem, cov, listings, Config{PageLimit: 24, Retry: fastRetry()})

	span := timerange.Range{Start: base, End: base.Add(24 * time.Hour)}
	stats, err := b.Run(ctx, key, span)
	require.NoError(t, err)

	// Only the 12 hours after listing are fetched; nothing before is
	// treated as a gap.
	assert.True(t, stats.Effective.Equal(timerange.Range{Start: listed, End: span.End}))
	assert.Equal(t, 12, stats.RecordsStored)

	// The resolved listing date is cached for the next run.
	got, ok, err := listings.ListingDate(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(listed))
}

func TestBackfillInvalidInput(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mem := storage.NewMemoryStorage()
	cov := newTestStore(t)
	src := &fakeSource{dataStart: base, dataEnd: base.Add(24 * time.Hour)}
	b := New(src, mem, mem, mem, cov, nil, Config{Retry: fastRetry()})

	t.Run("invalid key", func(t *testing.T) {
		_, err := b.Run(ctx, models.SeriesKey{}, timerange.Range{Start: base, End: base.Add(time.Hour)})
		assert.Error(t, err)
	})

	t.Run("inverted range", func(t *testing.T) {
		_, err := b.Run(ctx, candleKey(t), timerange.Range{Start: base.Add(time.Hour), End: base})
		assert.Error(t, err)
	})
}
