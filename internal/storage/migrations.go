package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// migration is one versioned schema change. Versions are applied in order
// and recorded in schema_migrations, so Initialize is idempotent.
type migration struct {
	Version     int
	Description string
	Statements  []string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "records table for fixed-cadence series",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS records (
				source VARCHAR NOT NULL,
				instrument VARCHAR NOT NULL,
				symbol VARCHAR NOT NULL,
				resolution VARCHAR NOT NULL,
				ts TIMESTAMP NOT NULL,
				open VARCHAR NOT NULL,
				high VARCHAR NOT NULL,
				low VARCHAR NOT NULL,
				close VARCHAR NOT NULL,
				volume VARCHAR NOT NULL,
				interpolated BOOLEAN NOT NULL DEFAULT FALSE,
				PRIMARY KEY (source, instrument, symbol, resolution, ts)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_records_series_ts
				ON records (source, instrument, symbol, resolution, ts)`,
		},
	},
	{
		Version:     2,
		Description: "funding-rate history table",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS funding (
				source VARCHAR NOT NULL,
				instrument VARCHAR NOT NULL,
				symbol VARCHAR NOT NULL,
				resolution VARCHAR NOT NULL,
				ts TIMESTAMP NOT NULL,
				rate VARCHAR NOT NULL,
				PRIMARY KEY (source, instrument, symbol, resolution, ts)
			)`,
		},
	},
}

// runMigrations applies every migration newer than the recorded schema
// version inside its own transaction.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT current_timestamp
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT max(version) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if current.Valid && int64(m.Version) <= current.Int64 {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %d: begin: %w", m.Version, err)
		}
		for _, stmt := range m.Statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, description) VALUES (?, ?)`,
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: record: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", m.Version, err)
		}
		logger.Info("applied schema migration", "version", m.Version, "description", m.Description)
	}
	return nil
}
