// Package postgres backs the entitlement store with PostgreSQL. API keys
// are stored hashed; a lookup joins the key row to its account's plan to
// build the full admission context in one round trip.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/oropendola/modelgate/pkg/entitlement"
)

// Store implements entitlement.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects with the given DSN and verifies connectivity.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection pool. Used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the entitlement tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS plans (
		    id               TEXT PRIMARY KEY,
		    daily_quota_limit BIGINT NOT NULL DEFAULT -1,
		    rate_limit_rpm   INTEGER NOT NULL DEFAULT 0,
		    priority_weight  DOUBLE PRECISION NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS accounts (
		    id      TEXT PRIMARY KEY,
		    plan_id TEXT NOT NULL REFERENCES plans(id)
		);
		CREATE TABLE IF NOT EXISTS api_keys (
		    key_hash       TEXT PRIMARY KEY,
		    account_id     TEXT NOT NULL REFERENCES accounts(id),
		    allowed_models TEXT[] NOT NULL DEFAULT '{}',
		    is_active      BOOLEAN NOT NULL DEFAULT TRUE,
		    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		    expires_at     TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS usage_events (
		    id            TEXT PRIMARY KEY,
		    account_id    TEXT NOT NULL,
		    model         TEXT NOT NULL,
		    cost_units    BIGINT NOT NULL,
		    outcome       TEXT NOT NULL,
		    latency_ms    BIGINT NOT NULL,
		    tokens_input  INTEGER NOT NULL DEFAULT 0,
		    tokens_output INTEGER NOT NULL DEFAULT 0,
		    recorded_at   TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS usage_events_account_day
		    ON usage_events (account_id, recorded_at);`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Lookup resolves a raw API key to its account context. Inactive and
// expired keys resolve to ErrKeyNotFound, indistinguishable from unknown
// keys on purpose.
func (s *Store) Lookup(ctx context.Context, apiKey string) (*entitlement.AccountContext, error) {
	const query = `
		SELECT k.account_id, p.id, p.daily_quota_limit, p.rate_limit_rpm,
		       p.priority_weight, k.allowed_models
		FROM api_keys k
		JOIN accounts a ON a.id = k.account_id
		JOIN plans p ON p.id = a.plan_id
		WHERE k.key_hash = $1
		  AND k.is_active
		  AND (k.expires_at IS NULL OR k.expires_at > now())`

	var acct entitlement.AccountContext
	var allowedModels pq.StringArray

	err := s.db.QueryRowContext(ctx, query, entitlement.HashKey(apiKey)).Scan(
		&acct.AccountID, &acct.PlanID, &acct.DailyQuotaLimit,
		&acct.RateLimitRPM, &acct.PriorityWeight, &allowedModels,
	)
	if err == sql.ErrNoRows {
		return nil, entitlement.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}

	acct.AllowedModels = allowedModels
	return &acct, nil
}

// AppendUsage persists one usage event.
func (s *Store) AppendUsage(ctx context.Context, event entitlement.UsageEvent) error {
	const query = `
		INSERT INTO usage_events
		    (id, account_id, model, cost_units, outcome, latency_ms,
		     tokens_input, tokens_output, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.AccountID, event.Model, event.CostUnits,
		string(event.Outcome), event.LatencyMs,
		event.TokensInput, event.TokensOutput, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}
