package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Record represents one fixed-cadence OHLCV data point for a series.
// Prices and volume are decimal strings to avoid float drift between the
// provider wire format and storage; use the Get*Decimal helpers for math.
//
// Interpolated marks records synthesized by gap repair rather than fetched
// from a provider: such records carry open=high=low=close=last-known-close
// and zero volume.
type Record struct {
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
	Open         string          `json:"open" db:"open"`
	High         string          `json:"high" db:"high"`
	Low          string          `json:"low" db:"low"`
	Close        string          `json:"close" db:"close"`
	Volume       string          `json:"volume" db:"volume"`
	Source       string          `json:"source" db:"source"`
	Instrument   InstrumentClass `json:"instrument" db:"instrument"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Resolution   Resolution      `json:"resolution" db:"resolution"`
	Interpolated bool            `json:"interpolated,omitempty" db:"interpolated"`
}

// ValidationError represents a model validation failure with field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message describes the validation failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate performs comprehensive validation on the record.
// All price fields must parse as decimals, volume must be non-negative, and
// the OHLC relationships must hold: high >= max(open, close) and
// low <= min(open, close). Prices must be strictly positive for fetched
// records; interpolated records may carry zero prices because they are
// synthesized from a neutral placeholder when no prior close exists.
func (r *Record) Validate() error {
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}

	open, err := decimal.NewFromString(r.Open)
	if err != nil {
		return &ValidationError{Field: "open", Message: fmt.Sprintf("invalid open price format: %v", err)}
	}
	high, err := decimal.NewFromString(r.High)
	if err != nil {
		return &ValidationError{Field: "high", Message: fmt.Sprintf("invalid high price format: %v", err)}
	}
	low, err := decimal.NewFromString(r.Low)
	if err != nil {
		return &ValidationError{Field: "low", Message: fmt.Sprintf("invalid low price format: %v", err)}
	}
	closePrice, err := decimal.NewFromString(r.Close)
	if err != nil {
		return &ValidationError{Field: "close", Message: fmt.Sprintf("invalid close price format: %v", err)}
	}
	volume, err := decimal.NewFromString(r.Volume)
	if err != nil {
		return &ValidationError{Field: "volume", Message: fmt.Sprintf("invalid volume format: %v", err)}
	}

	zero := decimal.Zero
	if !r.Interpolated {
		if open.LessThanOrEqual(zero) {
			return &ValidationError{Field: "open", Message: "open price must be greater than 0"}
		}
		if high.LessThanOrEqual(zero) {
			return &ValidationError{Field: "high", Message: "high price must be greater than 0"}
		}
		if low.LessThanOrEqual(zero) {
			return &ValidationError{Field: "low", Message: "low price must be greater than 0"}
		}
		if closePrice.LessThanOrEqual(zero) {
			return &ValidationError{Field: "close", Message: "close price must be greater than 0"}
		}
	} else {
		if open.LessThan(zero) || high.LessThan(zero) || low.LessThan(zero) || closePrice.LessThan(zero) {
			return &ValidationError{Field: "open", Message: "interpolated prices cannot be negative"}
		}
	}

	if volume.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	maxOpenClose := decimal.Max(open, closePrice)
	if high.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", high, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(open, closePrice)
	if low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", low, minOpenClose),
		}
	}

	if r.Source == "" {
		return &ValidationError{Field: "source", Message: "source cannot be empty"}
	}
	if r.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if !r.Resolution.Valid() {
		return &ValidationError{Field: "resolution", Message: fmt.Sprintf("invalid resolution: %q", r.Resolution)}
	}

	return nil
}

// GetOpenDecimal returns the open price as a decimal.Decimal.
func (r *Record) GetOpenDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(r.Open)
}

// GetHighDecimal returns the high price as a decimal.Decimal.
func (r *Record) GetHighDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(r.High)
}

// GetLowDecimal returns the low price as a decimal.Decimal.
func (r *Record) GetLowDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(r.Low)
}

// GetCloseDecimal returns the close price as a decimal.Decimal.
func (r *Record) GetCloseDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(r.Close)
}

// GetVolumeDecimal returns the volume as a decimal.Decimal.
func (r *Record) GetVolumeDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(r.Volume)
}

// Key assembles the SeriesKey this record belongs to.
func (r *Record) Key() SeriesKey {
	return SeriesKey{
		Source:     r.Source,
		Instrument: r.Instrument,
		Symbol:     r.Symbol,
		Series:     SeriesCandles,
		Resolution: r.Resolution,
	}
}

// String returns a human-readable representation of the record.
func (r *Record) String() string {
	flag := ""
	if r.Interpolated {
		flag = ", interpolated"
	}
	return fmt.Sprintf("Record{%s %s %s @ %s, O: %s, H: %s, L: %s, C: %s, V: %s%s}",
		r.Source, r.Symbol, r.Resolution, r.Timestamp.Format(time.RFC3339),
		r.Open, r.High, r.Low, r.Close, r.Volume, flag)
}

// NewRecord creates a validated Record from provider data. Prices and volume
// are decimal strings; the timestamp is the start of the record's slot.
func NewRecord(key SeriesKey, timestamp time.Time, open, high, low, closePrice, volume string) (*Record, error) {
	record := &Record{
		Timestamp:  timestamp.UTC(),
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closePrice,
		Volume:     volume,
		Source:     key.Source,
		Instrument: key.Instrument,
		Symbol:     key.Symbol,
		Resolution: key.Resolution,
	}

	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create record: %w", err)
	}

	return record, nil
}

// NewInterpolatedRecord synthesizes a placeholder record for one slot of a
// confirmed data hole: open=high=low=close set to the given price (the last
// known close before the hole), zero volume, interpolated flag set.
func NewInterpolatedRecord(key SeriesKey, timestamp time.Time, closePrice decimal.Decimal) (*Record, error) {
	price := closePrice.String()
	record := &Record{
		Timestamp:    timestamp.UTC(),
		Open:         price,
		High:         price,
		Low:          price,
		Close:        price,
		Volume:       "0",
		Source:       key.Source,
		Instrument:   key.Instrument,
		Symbol:       key.Symbol,
		Resolution:   key.Resolution,
		Interpolated: true,
	}

	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create interpolated record: %w", err)
	}

	return record, nil
}

// Trade represents one irregular tick: a single executed trade.
type Trade struct {
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
	Price      string          `json:"price" db:"price"`
	Quantity   string          `json:"quantity" db:"quantity"`
	Source     string          `json:"source" db:"source"`
	Instrument InstrumentClass `json:"instrument" db:"instrument"`
	Symbol     string          `json:"symbol" db:"symbol"`
}

// Validate checks the trade fields: parseable positive price, parseable
// non-negative quantity, non-zero timestamp, source and symbol set.
func (t *Trade) Validate() error {
	if t.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}

	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return &ValidationError{Field: "price", Message: fmt.Sprintf("invalid price format: %v", err)}
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "price", Message: "price must be greater than 0"}
	}

	quantity, err := decimal.NewFromString(t.Quantity)
	if err != nil {
		return &ValidationError{Field: "quantity", Message: fmt.Sprintf("invalid quantity format: %v", err)}
	}
	if quantity.LessThan(decimal.Zero) {
		return &ValidationError{Field: "quantity", Message: "quantity cannot be negative"}
	}

	if t.Source == "" {
		return &ValidationError{Field: "source", Message: "source cannot be empty"}
	}
	if t.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}

	return nil
}

// GetPriceDecimal returns the trade price as a decimal.Decimal.
func (t *Trade) GetPriceDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(t.Price)
}

// GetQuantityDecimal returns the trade quantity as a decimal.Decimal.
func (t *Trade) GetQuantityDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(t.Quantity)
}

// Key assembles the SeriesKey this trade belongs to.
func (t *Trade) Key() SeriesKey {
	return SeriesKey{
		Source:     t.Source,
		Instrument: t.Instrument,
		Symbol:     t.Symbol,
		Series:     SeriesTrades,
	}
}

// FundingRecord represents one funding-rate observation for a perpetual
// contract.
type FundingRecord struct {
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
	Rate       string          `json:"rate" db:"rate"`
	Source     string          `json:"source" db:"source"`
	Instrument InstrumentClass `json:"instrument" db:"instrument"`
	Symbol     string          `json:"symbol" db:"symbol"`
	Resolution Resolution      `json:"resolution" db:"resolution"`
}

// Validate checks the funding record fields. Funding rates may be negative.
func (f *FundingRecord) Validate() error {
	if f.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}
	if _, err := decimal.NewFromString(f.Rate); err != nil {
		return &ValidationError{Field: "rate", Message: fmt.Sprintf("invalid rate format: %v", err)}
	}
	if f.Source == "" {
		return &ValidationError{Field: "source", Message: "source cannot be empty"}
	}
	if f.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if !f.Resolution.Valid() {
		return &ValidationError{Field: "resolution", Message: fmt.Sprintf("invalid resolution: %q", f.Resolution)}
	}
	return nil
}

// GetRateDecimal returns the funding rate as a decimal.Decimal.
func (f *FundingRecord) GetRateDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(f.Rate)
}

// Key assembles the SeriesKey this funding record belongs to.
func (f *FundingRecord) Key() SeriesKey {
	return SeriesKey{
		Source:     f.Source,
		Instrument: f.Instrument,
		Symbol:     f.Symbol,
		Series:     SeriesFunding,
		Resolution: f.Resolution,
	}
}
