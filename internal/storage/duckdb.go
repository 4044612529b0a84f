// DuckDB-backed storage for fixed-cadence series (candles and funding
// history). DuckDB's columnar layout suits the append-heavy, scan-heavy
// access pattern of backfill and quality scans, and its ON CONFLICT upsert
// gives the idempotent-write contract the coverage subsystem depends on.

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/johnayoung/go-ohlcv-coverage/internal/models"
	"github.com/johnayoung/go-ohlcv-coverage/internal/timerange"
)

// DuckDBStorage implements RecordStorage, FundingStorage, and Manager over a
// DuckDB database file. DuckDB prefers a single writer, so the connection
// pool is pinned to one connection and writes are additionally serialized by
// an in-process mutex.
type DuckDBStorage struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewDuckDBStorage opens (or creates) a DuckDB database at dbPath.
// Use ":memory:" for an ephemeral database.
func NewDuckDBStorage(dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("open duckdb database: %w", err))
	}

	// Single-writer pattern recommended for DuckDB.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{
		db:     db,
		dbPath: dbPath,
		logger: logger.With("component", "duckdb_storage"),
	}, nil
}

// Initialize implements Manager.Initialize: runs all pending schema
// migrations.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Info("initializing duckdb storage", "db_path", d.dbPath)
	if err := runMigrations(ctx, d.db, d.logger); err != nil {
		return NewStorageError("initialize", "", err)
	}
	return nil
}

// Close implements Manager.Close.
func (d *DuckDBStorage) Close() error {
	return d.db.Close()
}

// HealthCheck implements Manager.HealthCheck.
func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	var one int
	if err := d.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return NewStorageError("health_check", "", err)
	}
	return nil
}

// Upsert implements RecordUpserter.Upsert. Records land in one transaction
// with ON CONFLICT replacement on the (key, timestamp) primary key, so
// overlapping batches are safe and the whole batch is visible atomically.
func (d *DuckDBStorage) Upsert(ctx context.Context, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return NewStorageError("upsert", "records", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (source, instrument, symbol, resolution, ts, open, high, low, close, volume, interpolated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, instrument, symbol, resolution, ts)
		DO UPDATE SET open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume, interpolated = excluded.interpolated`)
	if err != nil {
		return NewStorageError("upsert", "records", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.Source, string(r.Instrument), r.Symbol, string(r.Resolution),
			r.Timestamp.UTC(), r.Open, r.High, r.Low, r.Close, r.Volume, r.Interpolated,
		); err != nil {
			return NewStorageError("upsert", "records", fmt.Errorf("record at %s: %w", r.Timestamp.Format(time.RFC3339), err))
		}
	}

	if err := tx.Commit(); err != nil {
		return NewStorageError("upsert", "records", err)
	}
	return nil
}

// ReadRange implements RecordReader.ReadRange.
func (d *DuckDBStorage) ReadRange(ctx context.Context, key models.SeriesKey, r timerange.Range) ([]models.Record, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume, interpolated
		FROM records
		WHERE source = ? AND instrument = ? AND symbol = ? AND resolution = ?
		  AND ts >= ? AND ts < ?
		ORDER BY ts ASC`,
		key.Source, string(key.Instrument), key.Symbol, string(key.Resolution),
		r.Start.UTC(), r.End.UTC(),
	)
	if err != nil {
		return nil, NewStorageError("read_range", "records", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		rec := models.Record{
			Source:     key.Source,
			Instrument: key.Instrument,
			Symbol:     key.Symbol,
			Resolution: key.Resolution,
		}
		var ts time.Time
		if err := rows.Scan(&ts, &rec.Open, &rec.High, &rec.Low, &rec.Close, &rec.Volume, &rec.Interpolated); err != nil {
			return nil, NewStorageError("read_range", "records", err)
		}
		rec.Timestamp = ts.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError("read_range", "records", err)
	}
	return out, nil
}

// LastRecordBefore implements RecordReader.LastRecordBefore.
func (d *DuckDBStorage) LastRecordBefore(ctx context.Context, key models.SeriesKey, instant time.Time) (*models.Record, error) {
	rec := models.Record{
		Source:     key.Source,
		Instrument: key.Instrument,
		Symbol:     key.Symbol,
		Resolution: key.Resolution,
	}
	var ts time.Time
	err := d.db.QueryRowContext(ctx, `
		SELECT ts, open, high, low, close, volume, interpolated
		FROM records
		WHERE source = ? AND instrument = ? AND symbol = ? AND resolution = ? AND ts < ?
		ORDER BY ts DESC LIMIT 1`,
		key.Source, string(key.Instrument), key.Symbol, string(key.Resolution), instant.UTC(),
	).Scan(&ts, &rec.Open, &rec.High, &rec.Low, &rec.Close, &rec.Volume, &rec.Interpolated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, NewStorageError("last_before", "records", err)
	}
	rec.Timestamp = ts.UTC()
	return &rec, nil
}

// ObservedExtent implements RecordReader.ObservedExtent.
func (d *DuckDBStorage) ObservedExtent(ctx context.Context, key models.SeriesKey) (*Extent, error) {
	var first, last sql.NullTime
	var count int64
	err := d.db.QueryRowContext(ctx, `
		SELECT min(ts), max(ts), count(*)
		FROM records
		WHERE source = ? AND instrument = ? AND symbol = ? AND resolution = ?`,
		key.Source, string(key.Instrument), key.Symbol, string(key.Resolution),
	).Scan(&first, &last, &count)
	if err != nil {
		return nil, NewStorageError("extent", "records", err)
	}
	if count == 0 || !first.Valid || !last.Valid {
		return nil, nil
	}
	return &Extent{First: first.Time.UTC(), Last: last.Time.UTC(), Count: count}, nil
}

// Keys implements RecordStorage.Keys.
func (d *DuckDBStorage) Keys(ctx context.Context) ([]models.SeriesKey, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT DISTINCT source, instrument, symbol, resolution FROM records
		ORDER BY source, instrument, symbol, resolution`)
	if err != nil {
		return nil, NewStorageError("keys", "records", err)
	}
	defer rows.Close()

	var keys []models.SeriesKey
	for rows.Next() {
		var source, instrument, symbol, resolution string
		if err := rows.Scan(&source, &instrument, &symbol, &resolution); err != nil {
			return nil, NewStorageError("keys", "records", err)
		}
		keys = append(keys, models.SeriesKey{
			Source:     source,
			Instrument: models.InstrumentClass(instrument),
			Symbol:     symbol,
			Series:     models.SeriesCandles,
			Resolution: models.Resolution(resolution),
		})
	}
	return keys, rows.Err()
}

// UpsertFunding implements FundingStorage.UpsertFunding.
func (d *DuckDBStorage) UpsertFunding(ctx context.Context, records []models.FundingRecord) error {
	if len(records) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return NewStorageError("upsert", "funding", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO funding (source, instrument, symbol, resolution, ts, rate)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, instrument, symbol, resolution, ts)
		DO UPDATE SET rate = excluded.rate`)
	if err != nil {
		return NewStorageError("upsert", "funding", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.Source, string(r.Instrument), r.Symbol, string(r.Resolution), r.Timestamp.UTC(), r.Rate,
		); err != nil {
			return NewStorageError("upsert", "funding", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return NewStorageError("upsert", "funding", err)
	}
	return nil
}

// ReadFundingRange implements FundingStorage.ReadFundingRange.
func (d *DuckDBStorage) ReadFundingRange(ctx context.Context, key models.SeriesKey, r timerange.Range) ([]models.FundingRecord, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT ts, rate FROM funding
		WHERE source = ? AND instrument = ? AND symbol = ? AND resolution = ?
		  AND ts >= ? AND ts < ?
		ORDER BY ts ASC`,
		key.Source, string(key.Instrument), key.Symbol, string(key.Resolution),
		r.Start.UTC(), r.End.UTC(),
	)
	if err != nil {
		return nil, NewStorageError("read_range", "funding", err)
	}
	defer rows.Close()

	var out []models.FundingRecord
	for rows.Next() {
		rec := models.FundingRecord{
			Source:     key.Source,
			Instrument: key.Instrument,
			Symbol:     key.Symbol,
			Resolution: key.Resolution,
		}
		var ts time.Time
		if err := rows.Scan(&ts, &rec.Rate); err != nil {
			return nil, NewStorageError("read_range", "funding", err)
		}
		rec.Timestamp = ts.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FundingExtent implements FundingStorage.FundingExtent.
func (d *DuckDBStorage) FundingExtent(ctx context.Context, key models.SeriesKey) (*Extent, error) {
	var first, last sql.NullTime
	var count int64
	err := d.db.QueryRowContext(ctx, `
		SELECT min(ts), max(ts), count(*)
		FROM funding
		WHERE source = ? AND instrument = ? AND symbol = ? AND resolution = ?`,
		key.Source, string(key.Instrument), key.Symbol, string(key.Resolution),
	).Scan(&first, &last, &count)
	if err != nil {
		return nil, NewStorageError("extent", "funding", err)
	}
	if count == 0 || !first.Valid || !last.Valid {
		return nil, nil
	}
	return &Extent{First: first.Time.UTC(), Last: last.Time.UTC(), Count: count}, nil
}
