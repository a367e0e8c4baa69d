// Package database is the relational store layer: tenants, chains,
// properties, API keys, MFA enrollments, approval requests, and the audit
// log, all behind the resilience fabric's SQL pool.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/voicehive/backend/internal/errdefs"
	"github.com/voicehive/backend/internal/resilience"
)

// Store owns the SQL handle. One instance serves every domain package.
type Store struct {
	pool *resilience.SQLPool
}

func NewStore(pool *resilience.SQLPool) *Store {
	return &Store{pool: pool}
}

// Open dials Postgres and wraps it in the tuned pool.
func Open(dsn string, cfg resilience.SQLPoolConfig) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errdefs.Internal("open postgres", err)
	}
	return NewStore(resilience.NewSQLPool(db, cfg)), nil
}

// Pool exposes the underlying pool for the health supervisor.
func (s *Store) Pool() *resilience.SQLPool { return s.pool }

func (s *Store) Close() error { return s.pool.Close() }

// Migrate applies the schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.DB().ExecContext(ctx, stmt); err != nil {
			return errdefs.Internal("apply schema", err)
		}
	}
	slog.Info("[Database] Schema up to date", "statements", len(schema))
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		tenant_id  TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		tier       TEXT NOT NULL DEFAULT 'standard',
		status     TEXT NOT NULL DEFAULT 'ACTIVE',
		limits     JSONB,
		chain_ref  TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS chains (
		chain_id       TEXT PRIMARY KEY,
		code           TEXT NOT NULL UNIQUE,
		hq_property_id TEXT,
		tier           TEXT NOT NULL DEFAULT 'standard',
		policies       JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS properties (
		property_id        TEXT PRIMARY KEY,
		chain_id           TEXT NOT NULL REFERENCES chains(chain_id),
		parent_property_id TEXT,
		level              INT NOT NULL DEFAULT 0,
		type               TEXT NOT NULL,
		status             TEXT NOT NULL DEFAULT 'active',
		inheritance        TEXT NOT NULL DEFAULT 'none',
		inherited_keys     JSONB,
		local_config       JSONB,
		local_overrides    JSONB,
		config_version     BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_properties_parent ON properties(parent_property_id)`,
	`CREATE INDEX IF NOT EXISTS idx_properties_chain ON properties(chain_id)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		key_id     TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		name       TEXT NOT NULL,
		key_hash   TEXT NOT NULL,
		scopes     JSONB,
		is_active  BOOLEAN NOT NULL DEFAULT TRUE,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS mfa_enrollments (
		user_id          TEXT PRIMARY KEY,
		secret_sealed    BYTEA,
		state            TEXT NOT NULL,
		recovery_codes   JSONB,
		created_at       TIMESTAMPTZ NOT NULL,
		activated_at     TIMESTAMPTZ,
		last_verified_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS approval_requests (
		request_id TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		status     TEXT NOT NULL,
		body       JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_tenant_status ON approval_requests(tenant_id, status)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		event_id   TEXT PRIMARY KEY,
		ts         TIMESTAMPTZ NOT NULL,
		actor      TEXT NOT NULL,
		action     TEXT NOT NULL,
		resource   TEXT NOT NULL,
		result     TEXT NOT NULL,
		reason     TEXT,
		severity   TEXT NOT NULL,
		source_ip  TEXT,
		user_agent TEXT,
		metadata   JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_action_ts ON audit_events(action, ts)`,
}

// ──────────────────────────────────────────────────────────────────────
// JSON column helpers
// ──────────────────────────────────────────────────────────────────────

// jsonArg marshals v for a JSONB column; nil maps stay NULL.
func jsonArg(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errdefs.Internal("encode jsonb column", err)
	}
	return data, nil
}

// scanJSON unmarshals a nullable JSONB column into out.
func scanJSON(raw []byte, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errdefs.Internal("decode jsonb column", err)
	}
	return nil
}

func mapQueryErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errdefs.Timeout(op + " timed out")
	}
	if errors.Is(err, context.Canceled) {
		return errdefs.Cancelled(op + " cancelled")
	}
	return errdefs.Transient(op+" failed", err)
}
