package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lyzr/pevr/common/config"
	"github.com/lyzr/pevr/common/logger"
)

// DB wraps pgxpool with common operations
type DB struct {
	*pgxpool.Pool
	log *logger.Logger
}

// New creates a new database connection pool
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("database connected", "host", cfg.Database.Host, "db", cfg.Database.Database)

	return &DB{
		Pool: pool,
		log:  log,
	}, nil
}

// Connect opens a pool from a connection string, used by tests and the CLI
func Connect(ctx context.Context, url string, log *logger.Logger) (*DB, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{Pool: pool, log: log}, nil
}

// schema holds the action tables. Payload columns are JSONB blobs written by
// the orchestrator's reporter; the database never interprets them.
const schema = `
CREATE TABLE IF NOT EXISTS actions (
	action_id           UUID PRIMARY KEY,
	project_id          TEXT NOT NULL,
	workspace           TEXT NOT NULL,
	intent              TEXT NOT NULL,
	status              TEXT NOT NULL,
	requires_approval   BOOLEAN NOT NULL DEFAULT FALSE,
	approved            BOOLEAN NOT NULL DEFAULT FALSE,
	approved_at         TIMESTAMPTZ,
	context             JSONB,
	plan                JSONB,
	execution_result    JSONB,
	verification_result JSONB,
	reflection          JSONB,
	error               TEXT,
	phases_completed    TEXT[] NOT NULL DEFAULT '{}',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at          TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_actions_project ON actions (project_id, created_at DESC);

CREATE TABLE IF NOT EXISTS action_events (
	event_id    BIGSERIAL PRIMARY KEY,
	action_id   UUID NOT NULL REFERENCES actions (action_id) ON DELETE CASCADE,
	status      TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_action_events_action ON action_events (action_id, event_id);
`

// EnsureSchema creates the action tables when missing
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	if db.log != nil {
		db.log.Info("database schema ready")
	}
	return nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.log != nil {
		db.log.Info("closing database connection pool")
	}
	db.Pool.Close()
}

// Health checks database health
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return db.Pool.Ping(ctx)
}
