package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"github.com/johnayoung/go-ohlcv-coverage/internal/models"
)

const (
	// maxBinancePageLimit is Binance's hard cap on klines per request.
	maxBinancePageLimit = 1000

	// DefaultBinanceRateLimit is a conservative requests-per-second
	// budget well inside Binance's weight limits.
	DefaultBinanceRateLimit = 5
)

// BinanceConfig configures the Binance adapter.
type BinanceConfig struct {
	APIKey    string
	APISecret string

	// RateLimit is the client-side requests-per-second cap applied
	// before every call. Zero selects DefaultBinanceRateLimit.
	RateLimit int

	Logger *slog.Logger
}

// BinanceSource adapts the Binance REST API to the Source interface. Spot
// series go through the spot client; futures and swap series through the
// USD-M futures client. Every outbound call waits on a shared client-side
// rate limiter so concurrent backfill runs cannot blow the request budget.
type BinanceSource struct {
	spot    *binance.Client
	futures *futures.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewBinanceSource creates a Binance source adapter.
func NewBinanceSource(cfg BinanceConfig) *BinanceSource {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = DefaultBinanceRateLimit
	}
	return &BinanceSource{
		spot:    binance.NewClient(cfg.APIKey, cfg.APISecret),
		futures: binance.NewFuturesClient(cfg.APIKey, cfg.APISecret),
		limiter: rate.NewLimiter(rate.Limit(limit), 1),
		logger:  logger.With("component", "binance_source"),
	}
}

// Name implements Source.Name.
func (b *BinanceSource) Name() string { return "binance" }

// FetchCandles implements Source.FetchCandles.
func (b *BinanceSource) FetchCandles(ctx context.Context, key models.SeriesKey, since time.Time, limit int) ([]models.Record, error) {
	if limit <= 0 || limit > maxBinancePageLimit {
		limit = maxBinancePageLimit
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("binance: rate limiter wait: %w", err)
	}

	startMS := since.UTC().UnixMilli()

	if key.Instrument == models.InstrumentSpot {
		klines, err := b.spot.NewKlinesService().
			Symbol(key.Symbol).
			Interval(string(key.Resolution)).
			StartTime(startMS).
			Limit(limit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("binance: spot klines %s %s: %w", key.Symbol, key.Resolution, err)
		}
		return b.spotKlinesToRecords(key, klines), nil
	}

	klines, err := b.futures.NewKlinesService().
		Symbol(key.Symbol).
		Interval(string(key.Resolution)).
		StartTime(startMS).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: futures klines %s %s: %w", key.Symbol, key.Resolution, err)
	}
	return b.futuresKlinesToRecords(key, klines), nil
}

func (b *BinanceSource) spotKlinesToRecords(key models.SeriesKey, klines []*binance.Kline) []models.Record {
	out := make([]models.Record, 0, len(klines))
	for _, kl := range klines {
		if kl == nil {
			continue
		}
		rec, err := models.NewRecord(key, time.UnixMilli(kl.OpenTime).UTC(), kl.Open, kl.High, kl.Low, kl.Close, kl.Volume)
		if err != nil {
			// A malformed kline skips the record, not the page.
			b.logger.Warn("skipping malformed kline", "symbol", key.Symbol, "open_time", kl.OpenTime, "error", err)
			continue
		}
		out = append(out, *rec)
	}
	return out
}

func (b *BinanceSource) futuresKlinesToRecords(key models.SeriesKey, klines []*futures.Kline) []models.Record {
	out := make([]models.Record, 0, len(klines))
	for _, kl := range klines {
		if kl == nil {
			continue
		}
		rec, err := models.NewRecord(key, time.UnixMilli(kl.OpenTime).UTC(), kl.Open, kl.High, kl.Low, kl.Close, kl.Volume)
		if err != nil {
			b.logger.Warn("skipping malformed kline", "symbol", key.Symbol, "open_time", kl.OpenTime, "error", err)
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// FetchTrades implements Source.FetchTrades using the aggregated-trades
// endpoint, which paginates cleanly by start time.
func (b *BinanceSource) FetchTrades(ctx context.Context, key models.SeriesKey, since time.Time, limit int) ([]models.Trade, error) {
	if limit <= 0 || limit > maxBinancePageLimit {
		limit = maxBinancePageLimit
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("binance: rate limiter wait: %w", err)
	}

	trades, err := b.spot.NewAggTradesService().
		Symbol(key.Symbol).
		StartTime(since.UTC().UnixMilli()).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: agg trades %s: %w", key.Symbol, err)
	}

	out := make([]models.Trade, 0, len(trades))
	for _, t := range trades {
		if t == nil {
			continue
		}
		trade := models.Trade{
			Timestamp:  time.UnixMilli(t.Timestamp).UTC(),
			Price:      t.Price,
			Quantity:   t.Quantity,
			Source:     key.Source,
			Instrument: key.Instrument,
			Symbol:     key.Symbol,
		}
		if err := trade.Validate(); err != nil {
			b.logger.Warn("skipping malformed trade", "symbol", key.Symbol, "trade_id", t.AggTradeID, "error", err)
			continue
		}
		out = append(out, trade)
	}
	return out, nil
}

// FetchFunding implements Source.FetchFunding via the USD-M funding-rate
// history endpoint. Spot keys have no funding history.
func (b *BinanceSource) FetchFunding(ctx context.Context, key models.SeriesKey, since time.Time, limit int) ([]models.FundingRecord, error) {
	if key.Instrument == models.InstrumentSpot {
		return nil, fmt.Errorf("binance: spot symbols have no funding history")
	}
	if limit <= 0 || limit > maxBinancePageLimit {
		limit = maxBinancePageLimit
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("binance: rate limiter wait: %w", err)
	}

	rates, err := b.futures.NewFundingRateService().
		Symbol(key.Symbol).
		StartTime(since.UTC().UnixMilli()).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: funding rates %s: %w", key.Symbol, err)
	}

	out := make([]models.FundingRecord, 0, len(rates))
	for _, r := range rates {
		if r == nil {
			continue
		}
		rec := models.FundingRecord{
			Timestamp:  time.UnixMilli(r.FundingTime).UTC(),
			Rate:       r.FundingRate,
			Source:     key.Source,
			Instrument: key.Instrument,
			Symbol:     key.Symbol,
			Resolution: key.Resolution,
		}
		if err := rec.Validate(); err != nil {
			b.logger.Warn("skipping malformed funding record", "symbol", key.Symbol, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListingDate implements Source.ListingDate. Binance has no listing-date
// endpoint; the backfiller discovers listing dates by probing klines.
func (b *BinanceSource) ListingDate(ctx context.Context, key models.SeriesKey) (time.Time, error) {
	return time.Time{}, ErrListingDateUnsupported
}
