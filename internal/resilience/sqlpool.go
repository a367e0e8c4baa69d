package resilience

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/voicehive/backend/internal/errdefs"
)

// SQLPoolConfig tunes the relational connection pool.
type SQLPoolConfig struct {
	MinIdle         int
	MaxOpen         int
	IdleRecycle     time.Duration // connections idle longer than this are closed
	MaxConnLifetime time.Duration
	AcquireTimeout  time.Duration
}

// SQLPool wraps database/sql with the fabric's acquire/release contract:
// every checkout is health-pinged, and acquisition is bounded by a deadline
// that surfaces Timeout rather than blocking forever.
type SQLPool struct {
	db  *sql.DB
	cfg SQLPoolConfig
}

// NewSQLPool tunes db and wraps it. db is owned by the pool afterwards.
func NewSQLPool(db *sql.DB, cfg SQLPoolConfig) *SQLPool {
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = 2
	}
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = 20
	}
	if cfg.IdleRecycle <= 0 {
		cfg.IdleRecycle = 5 * time.Minute
	}
	if cfg.MaxConnLifetime <= 0 {
		cfg.MaxConnLifetime = 30 * time.Minute
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}

	db.SetMaxOpenConns(cfg.MaxOpen)
	db.SetMaxIdleConns(cfg.MinIdle)
	db.SetConnMaxIdleTime(cfg.IdleRecycle)
	db.SetConnMaxLifetime(cfg.MaxConnLifetime)

	return &SQLPool{db: db, cfg: cfg}
}

// DB exposes the tuned handle for the store layer's query helpers.
func (p *SQLPool) DB() *sql.DB { return p.db }

// Acquire checks out a single connection, pinging it before handing it to
// the borrower. The lease must be released on all exit paths.
func (p *SQLPool) Acquire(ctx context.Context) (*sql.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	conn, err := p.db.Conn(ctx)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errdefs.Timeout("sql pool acquire timed out")
		}
		return nil, errdefs.Transient("sql pool acquire", err)
	}

	// Health ping before checkout: a dead connection is returned to the
	// driver, not to the borrower.
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		slog.Warn("[SQLPool] Connection failed health ping, discarding", "error", err)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errdefs.Timeout("sql pool acquire timed out")
		}
		return nil, errdefs.Transient("sql connection unhealthy", err)
	}
	return conn, nil
}

// Release returns a leased connection to the pool.
func (p *SQLPool) Release(conn *sql.Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}

// HealthCheck pings the database.
func (p *SQLPool) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Stats reports pool occupancy for the health supervisor.
func (p *SQLPool) Stats() sql.DBStats { return p.db.Stats() }

// Close shuts the pool down.
func (p *SQLPool) Close() error { return p.db.Close() }
