package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/voicehive/backend/internal/approval"
	"github.com/voicehive/backend/internal/audit"
	"github.com/voicehive/backend/internal/mfa"
)

// ──────────────────────────────────────────────────────────────────────
// MFA enrollments (mfa.Store)
// ──────────────────────────────────────────────────────────────────────

func (s *Store) GetEnrollment(ctx context.Context, userID string) (*mfa.Enrollment, error) {
	row := s.pool.DB().QueryRowContext(ctx,
		`SELECT user_id, secret_sealed, state, recovery_codes, created_at, activated_at, last_verified_at
		 FROM mfa_enrollments WHERE user_id = $1`, userID)

	var (
		e         mfa.Enrollment
		codes     []byte
		activated sql.NullTime
		verified  sql.NullTime
	)
	err := row.Scan(&e.UserID, &e.SecretSealed, &e.State, &codes, &e.CreatedAt, &activated, &verified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapQueryErr("get mfa enrollment", err)
	}
	if err := scanJSON(codes, &e.RecoveryCodes); err != nil {
		return nil, err
	}
	e.ActivatedAt = activated.Time
	e.LastVerifiedAt = verified.Time
	return &e, nil
}

func (s *Store) SaveEnrollment(ctx context.Context, e *mfa.Enrollment) error {
	codes, err := jsonArg(e.RecoveryCodes)
	if err != nil {
		return err
	}
	_, err = s.pool.DB().ExecContext(ctx,
		`INSERT INTO mfa_enrollments (user_id, secret_sealed, state, recovery_codes, created_at, activated_at, last_verified_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id) DO UPDATE SET
			secret_sealed = EXCLUDED.secret_sealed,
			state = EXCLUDED.state,
			recovery_codes = EXCLUDED.recovery_codes,
			activated_at = EXCLUDED.activated_at,
			last_verified_at = EXCLUDED.last_verified_at`,
		e.UserID, e.SecretSealed, e.State, codes, e.CreatedAt,
		nullTime(e.ActivatedAt), nullTime(e.LastVerifiedAt))
	if err != nil {
		return mapQueryErr("save mfa enrollment", err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────
// Approval requests (approval.Store)
// ──────────────────────────────────────────────────────────────────────

// Approval requests persist as a JSONB document plus the columns the
// workflow filters on.

func (s *Store) SaveRequest(ctx context.Context, req *approval.Request) error {
	body, err := jsonArg(req)
	if err != nil {
		return err
	}
	_, err = s.pool.DB().ExecContext(ctx,
		`INSERT INTO approval_requests (request_id, tenant_id, status, body, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (request_id) DO UPDATE SET status = EXCLUDED.status, body = EXCLUDED.body`,
		req.ID, req.TenantID, string(req.Status), body, req.CreatedAt, req.ExpiresAt)
	if err != nil {
		return mapQueryErr("save approval request", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*approval.Request, error) {
	row := s.pool.DB().QueryRowContext(ctx,
		`SELECT body FROM approval_requests WHERE request_id = $1`, id)

	var body []byte
	err := row.Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapQueryErr("get approval request", err)
	}
	var req approval.Request
	if err := scanJSON(body, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *Store) ListRequests(ctx context.Context, tenantID string, status approval.Status) ([]*approval.Request, error) {
	rows, err := s.pool.DB().QueryContext(ctx,
		`SELECT body FROM approval_requests
		 WHERE ($1 = '' OR tenant_id = $1) AND ($2 = '' OR status = $2)
		 ORDER BY created_at`, tenantID, string(status))
	if err != nil {
		return nil, mapQueryErr("list approval requests", err)
	}
	defer rows.Close()

	var out []*approval.Request
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, mapQueryErr("scan approval request", err)
		}
		var req approval.Request
		if err := scanJSON(body, &req); err != nil {
			return nil, err
		}
		out = append(out, &req)
	}
	if err := rows.Err(); err != nil {
		return nil, mapQueryErr("list approval requests", err)
	}
	return out, nil
}

// ──────────────────────────────────────────────────────────────────────
// Audit log (audit.Sink)
// ──────────────────────────────────────────────────────────────────────

func (s *Store) InsertAuditEvent(ctx context.Context, e audit.Event) error {
	metadata, err := jsonArg(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.DB().ExecContext(ctx,
		`INSERT INTO audit_events (event_id, ts, actor, action, resource, result, reason, severity, source_ip, user_agent, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.Timestamp, e.Actor, e.Action, e.Resource, e.Result,
		nullStr(e.Reason), string(e.Severity), nullStr(e.SourceIP), nullStr(e.UserAgent), metadata)
	if err != nil {
		return mapQueryErr("insert audit event", err)
	}
	return nil
}

// ListAuditEvents returns the newest events for an action, bounded by limit.
func (s *Store) ListAuditEvents(ctx context.Context, action string, since time.Time, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.DB().QueryContext(ctx,
		`SELECT event_id, ts, actor, action, resource, result, reason, severity, source_ip, user_agent, metadata
		 FROM audit_events
		 WHERE ($1 = '' OR action = $1) AND ts >= $2
		 ORDER BY ts DESC LIMIT $3`, action, since, limit)
	if err != nil {
		return nil, mapQueryErr("list audit events", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var (
			e         audit.Event
			reason    sql.NullString
			sourceIP  sql.NullString
			userAgent sql.NullString
			metadata  []byte
		)
		err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.Action, &e.Resource, &e.Result,
			&reason, &e.Severity, &sourceIP, &userAgent, &metadata)
		if err != nil {
			return nil, mapQueryErr("scan audit event", err)
		}
		if err := scanJSON(metadata, &e.Metadata); err != nil {
			return nil, err
		}
		e.Reason = reason.String
		e.SourceIP = sourceIP.String
		e.UserAgent = userAgent.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapQueryErr("list audit events", err)
	}
	return out, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
