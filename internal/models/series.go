// Package models provides the data structures and validation for the
// coverage-tracking subsystem: series identity keys, market data records,
// data gaps, and backfill tasks.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SeriesType identifies the kind of time series a key refers to.
type SeriesType string

const (
	// SeriesCandles is fixed-cadence OHLCV data.
	SeriesCandles SeriesType = "candles"
	// SeriesTrades is irregular tick/trade data with no fixed cadence.
	SeriesTrades SeriesType = "trades"
	// SeriesFunding is the funding-rate history of a perpetual contract.
	SeriesFunding SeriesType = "funding"
)

// Valid reports whether the series type is one of the defined values.
func (s SeriesType) Valid() bool {
	switch s {
	case SeriesCandles, SeriesTrades, SeriesFunding:
		return true
	default:
		return false
	}
}

// Cadenced reports whether records of this series arrive on a fixed
// resolution grid. Trades are irregular; everything else is cadenced.
func (s SeriesType) Cadenced() bool {
	return s == SeriesCandles || s == SeriesFunding
}

// InstrumentClass distinguishes the market segment a symbol trades in.
type InstrumentClass string

const (
	InstrumentSpot    InstrumentClass = "spot"
	InstrumentFutures InstrumentClass = "futures"
	InstrumentSwap    InstrumentClass = "swap"
)

// Valid reports whether the instrument class is one of the defined values.
func (i InstrumentClass) Valid() bool {
	switch i {
	case InstrumentSpot, InstrumentFutures, InstrumentSwap:
		return true
	default:
		return false
	}
}

// Resolution is the fixed cadence of a regularly-sampled series, expressed in
// the conventional shorthand ("1m", "1h", "1d"). Irregular series use the
// empty resolution.
type Resolution string

// Duration converts the resolution shorthand into a time.Duration.
// Returns an error for unrecognized formats.
func (r Resolution) Duration() (time.Duration, error) {
	switch r {
	case "1m":
		return time.Minute, nil
	case "3m":
		return 3 * time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "30m":
		return 30 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "2h":
		return 2 * time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "6h":
		return 6 * time.Hour, nil
	case "8h":
		return 8 * time.Hour, nil
	case "12h":
		return 12 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	case "3d":
		return 72 * time.Hour, nil
	case "1w":
		return 7 * 24 * time.Hour, nil
	}

	// Fall back to parsing a numeric prefix with a unit suffix so uncommon
	// but well-formed resolutions ("45m", "10h") still work.
	s := string(r)
	if len(s) >= 2 {
		value, err := strconv.Atoi(s[:len(s)-1])
		if err == nil && value > 0 {
			switch s[len(s)-1] {
			case 'm':
				return time.Duration(value) * time.Minute, nil
			case 'h':
				return time.Duration(value) * time.Hour, nil
			case 'd':
				return time.Duration(value) * 24 * time.Hour, nil
			case 'w':
				return time.Duration(value) * 7 * 24 * time.Hour, nil
			}
		}
	}

	return 0, fmt.Errorf("unsupported resolution: %s", r)
}

// Valid reports whether the resolution parses to a positive duration.
func (r Resolution) Valid() bool {
	d, err := r.Duration()
	return err == nil && d > 0
}

// IsZero reports whether the resolution is unset.
func (r Resolution) IsZero() bool {
	return r == ""
}

// SeriesKey is the composite identifier for one logically independent time
// series: which source it comes from, which market segment, which symbol,
// what kind of series, and at what resolution. Every coverage, quality, and
// backfill operation is namespaced by a SeriesKey.
//
// Keys are comparable and usable as map keys.
type SeriesKey struct {
	Source     string          `json:"source" db:"source"`
	Instrument InstrumentClass `json:"instrument" db:"instrument"`
	Symbol     string          `json:"symbol" db:"symbol"`
	Series     SeriesType      `json:"series" db:"series"`
	Resolution Resolution      `json:"resolution,omitempty" db:"resolution"`
}

// NewSeriesKey builds and validates a SeriesKey.
func NewSeriesKey(source string, instrument InstrumentClass, symbol string, series SeriesType, resolution Resolution) (SeriesKey, error) {
	k := SeriesKey{
		Source:     strings.ToLower(strings.TrimSpace(source)),
		Instrument: instrument,
		Symbol:     strings.ToUpper(strings.TrimSpace(symbol)),
		Series:     series,
		Resolution: resolution,
	}
	if err := k.Validate(); err != nil {
		return SeriesKey{}, err
	}
	return k, nil
}

// Validate checks the key's components. Cadenced series require a parseable
// resolution; irregular series must leave it empty.
func (k SeriesKey) Validate() error {
	if k.Source == "" {
		return &ValidationError{Field: "source", Message: "source cannot be empty"}
	}
	if !k.Instrument.Valid() {
		return &ValidationError{Field: "instrument", Message: fmt.Sprintf("invalid instrument class: %q", k.Instrument)}
	}
	if k.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if !k.Series.Valid() {
		return &ValidationError{Field: "series", Message: fmt.Sprintf("invalid series type: %q", k.Series)}
	}
	if k.Series.Cadenced() {
		if !k.Resolution.Valid() {
			return &ValidationError{Field: "resolution", Message: fmt.Sprintf("cadenced series require a valid resolution, got %q", k.Resolution)}
		}
	} else if !k.Resolution.IsZero() {
		return &ValidationError{Field: "resolution", Message: "irregular series must not set a resolution"}
	}
	return nil
}

// String renders the key as a colon-joined path, e.g.
// "binance:spot:BTCUSDT:candles:1h". Irregular series omit the resolution
// segment.
func (k SeriesKey) String() string {
	parts := []string{k.Source, string(k.Instrument), k.Symbol, string(k.Series)}
	if !k.Resolution.IsZero() {
		parts = append(parts, string(k.Resolution))
	}
	return strings.Join(parts, ":")
}

// SymbolKey returns the (source, instrument, symbol) prefix shared by all
// series of one symbol. Listing dates are cached under this prefix because a
// symbol lists once, regardless of series type or resolution.
func (k SeriesKey) SymbolKey() string {
	return strings.Join([]string{k.Source, string(k.Instrument), k.Symbol}, ":")
}
