package database

import (
	"context"
	"fmt"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		initial_total REAL NOT NULL,
		final_total REAL NOT NULL DEFAULT 0,
		gain REAL NOT NULL DEFAULT 0,
		rate_per_minute REAL NOT NULL DEFAULT 0,
		polls INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS balances (
		path TEXT PRIMARY KEY,
		identity TEXT NOT NULL,
		session_id TEXT NOT NULL,
		amount REAL NOT NULL,
		sampled_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS claims (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identity TEXT NOT NULL,
		path TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		amount REAL NOT NULL,
		claimed_at TIMESTAMP NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_claims_identity ON claims(identity)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		initial_total DOUBLE PRECISION NOT NULL,
		final_total DOUBLE PRECISION NOT NULL DEFAULT 0,
		gain DOUBLE PRECISION NOT NULL DEFAULT 0,
		rate_per_minute DOUBLE PRECISION NOT NULL DEFAULT 0,
		polls INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS balances (
		path TEXT PRIMARY KEY,
		identity TEXT NOT NULL,
		session_id TEXT NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		sampled_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS claims (
		id BIGSERIAL PRIMARY KEY,
		identity TEXT NOT NULL,
		path TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		claimed_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_claims_identity ON claims(identity)`,
}

func (d *DB) initializeSchema(ctx context.Context) error {
	schema := sqliteSchema
	if d.driver == "postgres" {
		schema = postgresSchema
	}

	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}
