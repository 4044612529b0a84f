// Package storage defines the persistence layer for fetched market data.
// Interfaces are small and composable so backends can be mixed per series
// kind: candles and funding history live in DuckDB, irregular trade data in
// QuestDB, and the in-memory implementation backs tests.
//
// The one contract every writer must honor is idempotent upsert: storing the
// same records twice leaves storage unchanged. The coverage subsystem leans
// on this to make crash recovery and re-fetching safe.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-ohlcv-coverage/internal/models"
	"github.com/johnayoung/go-ohlcv-coverage/internal/timerange"
)

// Extent summarizes what actually exists in storage for one series: the
// first and last record instants and the total record count.
type Extent struct {
	First time.Time
	Last  time.Time
	Count int64
}

// BucketCount is the number of records observed in one fixed time window.
// Empty buckets are reported with a zero count so gap coalescing can see
// them.
type BucketCount struct {
	Bucket time.Time
	Count  int64
}

// RecordUpserter writes fixed-cadence records.
type RecordUpserter interface {
	// Upsert persists the records, replacing any existing record at the
	// same (key, timestamp). Safe to call with overlapping or duplicate
	// batches.
	Upsert(ctx context.Context, records []models.Record) error
}

// RecordReader reads fixed-cadence records back in time order.
type RecordReader interface {
	// ReadRange returns all records for key with timestamps inside the
	// half-open range, ordered ascending by timestamp.
	ReadRange(ctx context.Context, key models.SeriesKey, r timerange.Range) ([]models.Record, error)

	// LastRecordBefore returns the most recent record strictly before
	// instant, or nil if none exists.
	LastRecordBefore(ctx context.Context, key models.SeriesKey, instant time.Time) (*models.Record, error)

	// ObservedExtent reports the stored extent for key, or nil if the
	// series has no records.
	ObservedExtent(ctx context.Context, key models.SeriesKey) (*Extent, error)
}

// RecordStorage combines candle/funding record reads and writes with key
// enumeration for status reporting.
type RecordStorage interface {
	RecordUpserter
	RecordReader

	// Keys lists every series key that has at least one stored record.
	Keys(ctx context.Context) ([]models.SeriesKey, error)
}

// FundingStorage persists funding-rate history for perpetual contracts.
type FundingStorage interface {
	UpsertFunding(ctx context.Context, records []models.FundingRecord) error
	ReadFundingRange(ctx context.Context, key models.SeriesKey, r timerange.Range) ([]models.FundingRecord, error)
	FundingExtent(ctx context.Context, key models.SeriesKey) (*Extent, error)
}

// TradeUpserter writes irregular trade records.
type TradeUpserter interface {
	// UpsertTrades persists the trades idempotently.
	UpsertTrades(ctx context.Context, trades []models.Trade) error
}

// TradeReader reads trade data and the bucketed counts the tick quality scan
// is built on.
type TradeReader interface {
	// ReadTrades returns all trades for key inside the half-open range,
	// ordered ascending by timestamp.
	ReadTrades(ctx context.Context, key models.SeriesKey, r timerange.Range) ([]models.Trade, error)

	// TradeExtent reports the stored extent for key, or nil if the series
	// has no trades.
	TradeExtent(ctx context.Context, key models.SeriesKey) (*Extent, error)

	// HourlyTradeCounts buckets the range into fixed one-hour windows and
	// returns the trade count per bucket, including empty buckets.
	HourlyTradeCounts(ctx context.Context, key models.SeriesKey, r timerange.Range) ([]BucketCount, error)
}

// TradeStorage combines trade reads and writes.
type TradeStorage interface {
	TradeUpserter
	TradeReader
}

// Manager handles backend lifecycle and operational concerns.
type Manager interface {
	// Initialize prepares the backend: connects, creates schema, runs
	// pending migrations. Idempotent.
	Initialize(ctx context.Context) error

	// Close releases connections and flushes pending writes.
	Close() error

	// HealthCheck verifies the backend is reachable with a lightweight
	// probe.
	HealthCheck(ctx context.Context) error
}

// FullStorage is the union of every storage capability. The in-memory
// backend implements all of it; production wiring composes DuckDB for
// records and QuestDB for trades instead.
type FullStorage interface {
	RecordStorage
	FundingStorage
	TradeStorage
	Manager
}

// StorageError wraps a failed storage operation with enough context to log
// and classify it.
type StorageError struct {
	// Operation is the storage operation that failed (e.g. "upsert",
	// "read_range").
	Operation string

	// Table is the table involved, when known.
	Table string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a StorageError with the provided details.
func NewStorageError(operation, table string, err error) *StorageError {
	return &StorageError{Operation: operation, Table: table, Err: err}
}
