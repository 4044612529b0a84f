// Package backfill implements the resumable incremental fetch loop: consult
// the coverage index for missing ranges, pull pages from the provider in
// increasing time order, persist each page, and mark it covered immediately
// so a crash wastes at most one page of work.
//
// Empty pages carry policy, not just data: an empty page near the end of a
// gap is legitimate end-of-data, while an empty page far from the end is a
// suspected provider-side hole. By default the loop skips forward over the
// hole and marks it covered so it is never refetched endlessly; that
// deliberately converts a possibly-recoverable gap into an accepted one, and
// SkipForwardOnEmptyPage exists so operators can choose the other trade-off.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-ohlcv-coverage/internal/coverage"
	"github.com/johnayoung/go-ohlcv-coverage/internal/metrics"
	"github.com/johnayoung/go-ohlcv-coverage/internal/models"
	"github.com/johnayoung/go-ohlcv-coverage/internal/source"
	"github.com/johnayoung/go-ohlcv-coverage/internal/storage"
	"github.com/johnayoung/go-ohlcv-coverage/internal/timerange"
)

const (
	// DefaultPageLimit is the records-per-page cap requested from the
	// provider.
	DefaultPageLimit = 1000

	// cursorStep is the minimal time unit the cursor advances past the
	// last fetched record, matching provider timestamp granularity.
	cursorStep = time.Millisecond

	// DefaultEpochYear is where the stepped listing-date probe starts.
	// No supported venue predates it.
	DefaultEpochYear = 2011

	// DefaultTradePageSpan is the nominal page duration assumed for
	// irregular series, used only by the empty-page policy.
	DefaultTradePageSpan = time.Hour
)

// GapFiller runs one resumable backfill for a series over a requested range.
// The repair service re-invokes it scoped to individual gaps.
type GapFiller interface {
	Run(ctx context.Context, key models.SeriesKey, requested timerange.Range) (*Stats, error)
}

// Config tunes a Backfiller.
type Config struct {
	// PageLimit caps records per provider request.
	PageLimit int

	// EpochYear is the first year the stepped listing-date probe tries.
	EpochYear int

	// SkipForwardOnEmptyPage controls the suspected-provider-hole
	// policy. True (the default wiring) marks the empty span covered and
	// moves on; false abandons the gap, leaving it open for future runs.
	SkipForwardOnEmptyPage bool

	// TradePageSpan is the nominal page duration for irregular series.
	TradePageSpan time.Duration

	// Retry is the policy applied to every provider page fetch.
	Retry RetryPolicy

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Stats aggregates the outcome of one Run. Failures are folded into
// counters rather than aborting sibling gaps.
type Stats struct {
	Key       models.SeriesKey
	Requested timerange.Range
	Effective timerange.Range

	GapsFound     int
	GapsFilled    int
	GapsAbandoned int
	PagesFetched  int
	RecordsStored int
	SpansSkipped  int
}

// Backfiller is the fetch orchestrator for one source. It is safe for
// concurrent Runs on distinct keys; within one Run pages proceed strictly in
// increasing time order.
type Backfiller struct {
	src      source.Source
	records  storage.RecordUpserter
	funding  storage.FundingStorage
	trades   storage.TradeUpserter
	coverage coverage.Store
	listings coverage.ListingResolver

	pageLimit     int
	epochYear     int
	skipForward   bool
	tradePageSpan time.Duration
	retry         RetryPolicy
	logger        *slog.Logger
	metrics       *metrics.Registry
}

// New creates a Backfiller. The funding and trades stores may be nil when
// only candle series are backfilled; listings may be nil to disable the
// listing-date cache (every run then re-probes).
func New(src source.Source, records storage.RecordUpserter, funding storage.FundingStorage, trades storage.TradeUpserter, cov coverage.Store, listings coverage.ListingResolver, cfg Config) *Backfiller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pageLimit := cfg.PageLimit
	if pageLimit <= 0 {
		pageLimit = DefaultPageLimit
	}
	epochYear := cfg.EpochYear
	if epochYear <= 0 {
		epochYear = DefaultEpochYear
	}
	tradePageSpan := cfg.TradePageSpan
	if tradePageSpan <= 0 {
		tradePageSpan = DefaultTradePageSpan
	}

	return &Backfiller{
		src:           src,
		records:       records,
		funding:       funding,
		trades:        trades,
		coverage:      cov,
		listings:      listings,
		pageLimit:     pageLimit,
		epochYear:     epochYear,
		skipForward:   cfg.SkipForwardOnEmptyPage,
		tradePageSpan: tradePageSpan,
		retry:         cfg.Retry.withDefaults(),
		logger:        logger.With("component", "backfill"),
		metrics:       cfg.Metrics,
	}
}

// page is the outcome of one provider fetch, normalized across series kinds.
type page struct {
	count   int
	last    time.Time                   // last record instant within the gap
	persist func(context.Context) error // idempotent storage write
}

// Run implements GapFiller.Run: clamp the requested range to the symbol's
// listing date, compute the remaining gaps, and fill each one page by page.
// Per-gap failures are isolated; Run only returns an error for invalid input
// or context cancellation.
func (b *Backfiller) Run(ctx context.Context, key models.SeriesKey, requested timerange.Range) (*Stats, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("backfill: invalid key: %w", err)
	}
	if err := requested.Validate(); err != nil {
		return nil, fmt.Errorf("backfill: invalid range: %w", err)
	}

	stats := &Stats{Key: key, Requested: requested, Effective: requested}
	log := b.logger.With("key", key.String())

	if lower := b.resolveLowerBound(ctx, key, requested.Start); lower.After(requested.Start) {
		if !lower.Before(requested.End) {
			log.Info("requested range predates listing date entirely, nothing to fetch",
				"listing_date", lower, "requested_end", requested.End)
			return stats, nil
		}
		log.Info("clamped range start to listing date", "listing_date", lower)
		stats.Effective = timerange.Range{Start: lower, End: requested.End}
	}

	gaps, err := b.coverage.Gaps(ctx, key, stats.Effective)
	if err != nil {
		return nil, fmt.Errorf("backfill: compute gaps for %s: %w", key, err)
	}
	stats.GapsFound = len(gaps)
	b.metrics.Add(metrics.GapsDetected, int64(len(gaps)))
	if len(gaps) == 0 {
		log.Debug("range already fully covered")
		return stats, nil
	}

	log.Info("starting backfill", "gaps", len(gaps), "span", stats.Effective.String())

	for _, gap := range gaps {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		filled, err := b.fillGap(ctx, key, gap, stats)
		switch {
		case err != nil:
			// Leave the rest of this gap open for a future run.
			stats.GapsAbandoned++
			b.metrics.Inc(metrics.GapsAbandoned)
			log.Warn("abandoning gap after repeated failures", "gap", gap.String(), "error", err)
		case !filled:
			stats.GapsAbandoned++
			b.metrics.Inc(metrics.GapsAbandoned)
		default:
			stats.GapsFilled++
			b.metrics.Inc(metrics.GapsFilled)
		}
	}

	log.Info("backfill finished",
		"gaps_filled", stats.GapsFilled,
		"gaps_abandoned", stats.GapsAbandoned,
		"pages", stats.PagesFetched,
		"records", stats.RecordsStored,
		"spans_skipped", stats.SpansSkipped,
	)
	return stats, nil
}

// fillGap drains one gap in increasing time order. Coverage is updated
// after every persisted page, never ahead of storage, so cancellation at any
// point leaves coverage reflecting exactly the records that reached storage.
func (b *Backfiller) fillGap(ctx context.Context, key models.SeriesKey, gap timerange.Range, stats *Stats) (bool, error) {
	fetch, coveredStep, pageSpan, err := b.pager(key)
	if err != nil {
		return false, err
	}

	log := b.logger.With("key", key.String(), "gap", gap.String())
	cursor := gap.Start

	for cursor.Before(gap.End) {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		var pg *page
		err := b.retry.Execute(ctx, log, "fetch_page", func() error {
			var fetchErr error
			pg, fetchErr = fetch(ctx, cursor, gap.End)
			return fetchErr
		})
		if err != nil {
			return false, err
		}

		stats.PagesFetched++
		b.metrics.Inc(metrics.PagesFetched)

		if pg.count == 0 {
			remaining := gap.End.Sub(cursor)
			if remaining <= pageSpan {
				// End of provider data within one page of the gap
				// end: the tail is legitimately empty.
				if err := b.markCovered(ctx, key, timerange.Range{Start: cursor, End: gap.End}); err != nil {
					return false, err
				}
				return true, nil
			}

			if !b.skipForward {
				log.Warn("empty page far from gap end, leaving remainder open (skip-forward disabled)",
					"cursor", cursor, "remaining", remaining)
				return false, nil
			}

			// Suspected provider-side hole: mark one page-span covered
			// and move on. This accepts the hole permanently; see the
			// package comment for the trade-off.
			skipEnd := cursor.Add(pageSpan)
			if skipEnd.After(gap.End) {
				skipEnd = gap.End
			}
			log.Warn("empty page far from gap end, skipping forward over suspected provider hole",
				"cursor", cursor, "skip_until", skipEnd)
			if err := b.markCovered(ctx, key, timerange.Range{Start: cursor, End: skipEnd}); err != nil {
				return false, err
			}
			stats.SpansSkipped++
			b.metrics.Inc(metrics.SpansSkipped)
			cursor = skipEnd
			continue
		}

		if err := pg.persist(ctx); err != nil {
			return false, fmt.Errorf("persist page: %w", err)
		}
		stats.RecordsStored += pg.count
		b.metrics.Add(metrics.RecordsStored, int64(pg.count))

		coveredEnd := pg.last.Add(coveredStep)
		if coveredEnd.After(gap.End) {
			coveredEnd = gap.End
		}
		if coveredEnd.After(cursor) {
			if err := b.markCovered(ctx, key, timerange.Range{Start: cursor, End: coveredEnd}); err != nil {
				return false, err
			}
		}

		cursor = pg.last.Add(cursorStep)
	}

	return true, nil
}

func (b *Backfiller) markCovered(ctx context.Context, key models.SeriesKey, r timerange.Range) error {
	if err := b.coverage.MarkCovered(ctx, key, r); err != nil {
		return fmt.Errorf("update coverage: %w", err)
	}
	b.metrics.Inc(metrics.CoverageUpdates)
	return nil
}

// pager builds the fetch closure for the key's series kind along with the
// duration one record covers and the nominal span of one full page.
func (b *Backfiller) pager(key models.SeriesKey) (func(context.Context, time.Time, time.Time) (*page, error), time.Duration, time.Duration, error) {
	switch key.Series {
	case models.SeriesCandles:
		if b.records == nil {
			return nil, 0, 0, fmt.Errorf("backfill: no record storage configured")
		}
		step, err := key.Resolution.Duration()
		if err != nil {
			return nil, 0, 0, fmt.Errorf("backfill: %w", err)
		}
		pageSpan := time.Duration(b.pageLimit) * step
		fetch := func(ctx context.Context, since, until time.Time) (*page, error) {
			recs, err := b.src.FetchCandles(ctx, key, since, b.pageLimit)
			if err != nil {
				return nil, err
			}
			recs = clampRecords(recs, until)
			if len(recs) == 0 {
				return &page{}, nil
			}
			return &page{
				count: len(recs),
				last:  recs[len(recs)-1].Timestamp,
				persist: func(ctx context.Context) error {
					return b.records.Upsert(ctx, recs)
				},
			}, nil
		}
		return fetch, step, pageSpan, nil

	case models.SeriesFunding:
		if b.funding == nil {
			return nil, 0, 0, fmt.Errorf("backfill: no funding storage configured")
		}
		step, err := key.Resolution.Duration()
		if err != nil {
			return nil, 0, 0, fmt.Errorf("backfill: %w", err)
		}
		pageSpan := time.Duration(b.pageLimit) * step
		fetch := func(ctx context.Context, since, until time.Time) (*page, error) {
			recs, err := b.src.FetchFunding(ctx, key, since, b.pageLimit)
			if err != nil {
				return nil, err
			}
			recs = clampFunding(recs, until)
			if len(recs) == 0 {
				return &page{}, nil
			}
			return &page{
				count: len(recs),
				last:  recs[len(recs)-1].Timestamp,
				persist: func(ctx context.Context) error {
					return b.funding.UpsertFunding(ctx, recs)
				},
			}, nil
		}
		return fetch, step, pageSpan, nil

	case models.SeriesTrades:
		if b.trades == nil {
			return nil, 0, 0, fmt.Errorf("backfill: no trade storage configured")
		}
		fetch := func(ctx context.Context, since, until time.Time) (*page, error) {
			trades, err := b.src.FetchTrades(ctx, key, since, b.pageLimit)
			if err != nil {
				return nil, err
			}
			trades = clampTrades(trades, until)
			if len(trades) == 0 {
				return &page{}, nil
			}
			return &page{
				count: len(trades),
				last:  trades[len(trades)-1].Timestamp,
				persist: func(ctx context.Context) error {
					if err := b.trades.UpsertTrades(ctx, trades); err != nil {
						return err
					}
					b.metrics.Add(metrics.TradesStored, int64(len(trades)))
					return nil
				},
			}, nil
		}
		// A trade covers only its own instant; coverage advances by the
		// cursor step past the last trade.
		return fetch, cursorStep, b.tradePageSpan, nil

	default:
		return nil, 0, 0, fmt.Errorf("backfill: unsupported series type %q", key.Series)
	}
}

// resolveLowerBound finds the symbol's listing date when it is later than
// the requested start: cached value first, then the provider's direct
// answer, then a probe at the dawn of time, then stepped yearly probes. All
// probe failures degrade to the requested start; the backfill then simply
// walks empty pages under the skip-forward policy.
func (b *Backfiller) resolveLowerBound(ctx context.Context, key models.SeriesKey, start time.Time) time.Time {
	log := b.logger.With("key", key.String())

	if b.listings != nil {
		if listed, ok, err := b.listings.ListingDate(ctx, key); err != nil {
			log.Warn("listing cache read failed", "error", err)
		} else if ok {
			return maxTime(start, listed)
		}
	}

	listed, err := b.probeListingDate(ctx, key)
	if err != nil {
		log.Warn("listing date resolution failed, using requested start", "error", err)
		return start
	}
	if listed.IsZero() {
		return start
	}

	if b.listings != nil {
		if err := b.listings.PutListingDate(ctx, key, listed); err != nil {
			log.Warn("listing cache write failed", "error", err)
		}
	}
	return maxTime(start, listed)
}

func (b *Backfiller) probeListingDate(ctx context.Context, key models.SeriesKey) (time.Time, error) {
	// Probes always use a daily candle key: listing is a symbol-level
	// fact and daily klines reach back the furthest.
	probeKey := key
	probeKey.Series = models.SeriesCandles
	probeKey.Resolution = "1d"

	if listed, err := b.src.ListingDate(ctx, probeKey); err == nil {
		return listed, nil
	} else if err != source.ErrListingDateUnsupported {
		return time.Time{}, err
	}

	// Direct probe: the first record at or after the dawn of time.
	var recs []models.Record
	err := b.retry.Execute(ctx, b.logger, "probe_listing_direct", func() error {
		var fetchErr error
		recs, fetchErr = b.src.FetchCandles(ctx, probeKey, time.Unix(0, 0).UTC(), 1)
		return fetchErr
	})
	if err == nil && len(recs) > 0 {
		return recs[0].Timestamp, nil
	}

	// Stepped probe: walk calendar years forward until the provider
	// answers. A record more than a year past the probed year is a
	// pagination artifact, not a listing date, and is rejected.
	currentYear := time.Now().UTC().Year()
	for year := b.epochYear; year <= currentYear; year++ {
		since := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		err := b.retry.Execute(ctx, b.logger, "probe_listing_stepped", func() error {
			var fetchErr error
			recs, fetchErr = b.src.FetchCandles(ctx, probeKey, since, 1)
			return fetchErr
		})
		if err != nil {
			return time.Time{}, err
		}
		if len(recs) > 0 && recs[0].Timestamp.Year()-year <= 1 {
			return recs[0].Timestamp, nil
		}
	}
	return time.Time{}, nil
}

func clampRecords(recs []models.Record, until time.Time) []models.Record {
	out := recs[:0]
	for _, r := range recs {
		if r.Timestamp.Before(until) {
			out = append(out, r)
		}
	}
	return out
}

func clampFunding(recs []models.FundingRecord, until time.Time) []models.FundingRecord {
	out := recs[:0]
	for _, r := range recs {
		if r.Timestamp.Before(until) {
			out = append(out, r)
		}
	}
	return out
}

func clampTrades(trades []models.Trade, until time.Time) []models.Trade {
	out := trades[:0]
	for _, t := range trades {
		if t.Timestamp.Before(until) {
			out = append(out, t)
		}
	}
	return out
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
