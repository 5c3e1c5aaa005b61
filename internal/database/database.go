package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/promoforge/promoforge/internal/config"
)

// DB wraps the database connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection
func New(cfg config.DatabaseConfig) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
		cfg.MaxConns, cfg.MinConns,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Health checks if the database is healthy
func (db *DB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Migrate creates the schema if it does not exist. The deduction uniqueness
// index is what backs exactly-once job billing; do not drop it.
func (db *DB) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			plan_tier TEXT NOT NULL DEFAULT 'free',
			credits_allowed INT NOT NULL DEFAULT 0,
			credits_used INT NOT NULL DEFAULT 0,
			carryover INT NOT NULL DEFAULT 0,
			carryover_expiry TIMESTAMPTZ,
			credit_reset_day INT NOT NULL DEFAULT 1,
			next_credit_reset TIMESTAMPTZ,
			subscription_active BOOLEAN NOT NULL DEFAULT FALSE,
			subscription_id TEXT NOT NULL DEFAULT '',
			period_start TIMESTAMPTZ,
			period_end TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			status TEXT NOT NULL DEFAULT 'created',
			config JSONB NOT NULL DEFAULT '{}',
			script TEXT NOT NULL DEFAULT '',
			reference_image_url TEXT NOT NULL DEFAULT '',
			scene_count INT NOT NULL DEFAULT 0,
			final_video_url TEXT NOT NULL DEFAULT '',
			failed_at TEXT NOT NULL DEFAULT '',
			error_msg TEXT NOT NULL DEFAULT '',
			retry_count INT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_account ON jobs(account_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS scenes (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			idx INT NOT NULL,
			duration DOUBLE PRECISION NOT NULL DEFAULT 0,
			prompt TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			task_id TEXT NOT NULL DEFAULT '',
			video_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (job_id, idx)
		)`,
		`CREATE TABLE IF NOT EXISTS credit_entries (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			job_id TEXT,
			entry_type TEXT NOT NULL,
			amount INT NOT NULL,
			balance_after INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_entries_job_deduction
			ON credit_entries(account_id, job_id) WHERE entry_type = 'deduction'`,
	}

	for _, stmt := range statements {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}

	return nil
}
