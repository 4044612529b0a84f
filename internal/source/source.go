// Package source defines the data-provider boundary: paged fetches of
// candles, trades, and funding history, plus optional listing-date
// discovery. Adapters translate provider wire formats into models and keep
// provider quirks (rate limits, pagination rules) out of the backfill loop.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/johnayoung/go-ohlcv-coverage/internal/models"
)

// ErrListingDateUnsupported is returned by adapters whose provider has no
// direct listing-date endpoint; the backfiller falls back to probing.
var ErrListingDateUnsupported = errors.New("source: provider does not expose listing dates")

// Source fetches pages of historical data from one provider. All fetch
// methods return records ordered ascending by timestamp, starting at or
// after since, at most limit entries; an empty slice means the provider has
// nothing at or after since (within its own pagination horizon).
type Source interface {
	// Name returns the provider identifier used in series keys.
	Name() string

	// FetchCandles returns one page of OHLCV records for the key's
	// symbol and resolution.
	FetchCandles(ctx context.Context, key models.SeriesKey, since time.Time, limit int) ([]models.Record, error)

	// FetchTrades returns one page of trades.
	FetchTrades(ctx context.Context, key models.SeriesKey, since time.Time, limit int) ([]models.Trade, error)

	// FetchFunding returns one page of funding-rate records.
	FetchFunding(ctx context.Context, key models.SeriesKey, since time.Time, limit int) ([]models.FundingRecord, error)

	// ListingDate returns the earliest instant the provider has data for
	// the symbol, or ErrListingDateUnsupported when the provider cannot
	// answer directly.
	ListingDate(ctx context.Context, key models.SeriesKey) (time.Time, error)
}
