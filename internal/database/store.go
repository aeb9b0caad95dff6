package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shizukutanaka/orefleet/internal/claim"
	"github.com/shizukutanaka/orefleet/internal/ledger"
)

// SessionRecord is a persisted session. EndedAt is zero while the session is
// still open or was never closed cleanly.
type SessionRecord struct {
	ID        string    `json:"id" yaml:"id"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	Initial   float64   `json:"initial" yaml:"initial"`
	Final     float64   `json:"final" yaml:"final"`
	Gain      float64   `json:"gain" yaml:"gain"`
	Rate      float64   `json:"rate_per_minute" yaml:"rate_per_minute"`
	Polls     int       `json:"polls" yaml:"polls"`
}

// Open reports whether the session has no recorded end.
func (s SessionRecord) Open() bool {
	return s.EndedAt.IsZero()
}

// BalanceRecord is the latest persisted balance of one identity.
type BalanceRecord struct {
	Identity  string    `json:"identity" yaml:"identity"`
	Path      string    `json:"path" yaml:"path"`
	SessionID string    `json:"session_id" yaml:"session_id"`
	Amount    float64   `json:"amount" yaml:"amount"`
	SampledAt time.Time `json:"sampled_at" yaml:"sampled_at"`
}

// ClaimRecord is a persisted claim outcome.
type ClaimRecord struct {
	Identity  string    `json:"identity" yaml:"identity"`
	State     string    `json:"state" yaml:"state"`
	Attempts  int       `json:"attempts" yaml:"attempts"`
	Amount    float64   `json:"amount" yaml:"amount"`
	ClaimedAt time.Time `json:"claimed_at" yaml:"claimed_at"`
}

// Store implements the persistence needs of the ledger and claim packages.
type Store struct {
	db *DB
}

var (
	_ ledger.Store = (*Store)(nil)
	_ claim.Store  = (*Store)(nil)
)

// NewStore creates a store on an open database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// StartSession inserts an open session.
func (s *Store) StartSession(ctx context.Context, id string, startedAt time.Time, initial float64) error {
	_, err := s.db.execute(ctx,
		`INSERT INTO sessions (id, started_at, initial_total, final_total) VALUES (?, ?, ?, ?)`,
		id, startedAt.UTC(), initial, initial)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	return nil
}

// RecordBalance replaces the latest balance of the sample's keypair.
func (s *Store) RecordBalance(ctx context.Context, sessionID string, sample ledger.BalanceSample) error {
	_, err := s.db.execute(ctx,
		`INSERT INTO balances (identity, path, session_id, amount, sampled_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (path) DO UPDATE SET
			identity = excluded.identity,
			session_id = excluded.session_id,
			amount = excluded.amount,
			sampled_at = excluded.sampled_at`,
		sample.Identity.Name, sample.Identity.Path, sessionID, sample.Amount, sample.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to record balance: %w", err)
	}
	return nil
}

// EndSession closes the session with its summary.
func (s *Store) EndSession(ctx context.Context, summary ledger.Summary) error {
	result, err := s.db.execute(ctx,
		`UPDATE sessions SET ended_at = ?, final_total = ?, gain = ?, rate_per_minute = ?, polls = ? WHERE id = ?`,
		summary.EndedAt.UTC(), summary.Final, summary.Gain, summary.Rate, summary.Polls, summary.SessionID)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to end session: %s: %w", summary.SessionID, sql.ErrNoRows)
	}
	return nil
}

// RecordClaim appends a claim outcome.
func (s *Store) RecordClaim(ctx context.Context, outcome claim.Outcome) error {
	at := outcome.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.execute(ctx,
		`INSERT INTO claims (identity, path, state, attempts, amount, claimed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		outcome.Identity.Name, outcome.Identity.Path, string(outcome.State), outcome.Attempts, outcome.Amount, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record claim: %w", err)
	}
	return nil
}

// RecentSessions returns up to limit sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.query(ctx,
		`SELECT id, started_at, ended_at, initial_total, final_total, gain, rate_per_minute, polls
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionRecord
	for rows.Next() {
		var (
			rec     SessionRecord
			endedAt sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.StartedAt, &endedAt, &rec.Initial, &rec.Final, &rec.Gain, &rec.Rate, &rec.Polls); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if endedAt.Valid {
			rec.EndedAt = endedAt.Time
		}
		sessions = append(sessions, rec)
	}
	return sessions, rows.Err()
}

// LatestBalances returns the latest balance of every identity seen.
func (s *Store) LatestBalances(ctx context.Context) ([]BalanceRecord, error) {
	rows, err := s.db.query(ctx,
		`SELECT identity, path, session_id, amount, sampled_at FROM balances ORDER BY identity, path`)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var balances []BalanceRecord
	for rows.Next() {
		var rec BalanceRecord
		if err := rows.Scan(&rec.Identity, &rec.Path, &rec.SessionID, &rec.Amount, &rec.SampledAt); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances = append(balances, rec)
	}
	return balances, rows.Err()
}

// RecentClaims returns up to limit claim outcomes, newest first.
func (s *Store) RecentClaims(ctx context.Context, limit int) ([]ClaimRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.query(ctx,
		`SELECT identity, state, attempts, amount, claimed_at FROM claims ORDER BY claimed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	defer rows.Close()

	var claims []ClaimRecord
	for rows.Next() {
		var rec ClaimRecord
		if err := rows.Scan(&rec.Identity, &rec.State, &rec.Attempts, &rec.Amount, &rec.ClaimedAt); err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		claims = append(claims, rec)
	}
	return claims, rows.Err()
}
