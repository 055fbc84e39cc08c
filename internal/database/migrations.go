package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations are applied in order. Each entry runs inside its own
// transaction and is recorded in schema_migrations, so re-running on
// startup is a no-op for versions already applied.
var migrations = []string{
	// 1: owning entity
	`CREATE TABLE IF NOT EXISTS creators (
		id              TEXT PRIMARY KEY,
		handle          TEXT NOT NULL UNIQUE,
		pipeline_run_id TEXT,
		pipeline_status TEXT NOT NULL DEFAULT 'pending',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	// 2: generic job table
	`CREATE TABLE IF NOT EXISTS jobs (
		id            TEXT PRIMARY KEY,
		job_type      TEXT NOT NULL,
		owner_id      TEXT,
		status        TEXT NOT NULL DEFAULT 'queued',
		attempts      INT NOT NULL DEFAULT 0,
		max_attempts  INT NOT NULL DEFAULT 5,
		payload       JSONB NOT NULL DEFAULT '{}',
		result        JSONB,
		error_message TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at    TIMESTAMPTZ,
		completed_at  TIMESTAMPTZ
	)`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_queued
		ON jobs (created_at) WHERE status = 'queued'`,

	// 4: pipeline run registry
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		run_id            TEXT PRIMARY KEY,
		creator_id        TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'running',
		trigger           TEXT NOT NULL DEFAULT 'unknown',
		current_step      TEXT,
		attempt_count     INT NOT NULL DEFAULT 1,
		metrics           JSONB NOT NULL DEFAULT '{}',
		error_message     TEXT,
		started_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_heartbeat_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		finished_at       TIMESTAMPTZ
	)`,

	`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_creator
		ON pipeline_runs (creator_id, started_at DESC)`,

	// 6: dead letters, at most one per run
	`CREATE TABLE IF NOT EXISTS pipeline_dead_letters (
		run_id        TEXT PRIMARY KEY,
		creator_id    TEXT NOT NULL,
		failed_step   TEXT,
		error_message TEXT,
		payload       JSONB NOT NULL DEFAULT '{}',
		status        TEXT NOT NULL DEFAULT 'open',
		replay_count  INT NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	// 7: leased pipeline queue; unique run_id makes enqueue idempotent
	`CREATE TABLE IF NOT EXISTS pipeline_jobs (
		id              TEXT PRIMARY KEY,
		creator_id      TEXT NOT NULL,
		handle          TEXT NOT NULL,
		run_id          TEXT NOT NULL UNIQUE,
		trigger         TEXT NOT NULL DEFAULT 'unknown',
		status          TEXT NOT NULL DEFAULT 'queued',
		attempts        INT NOT NULL DEFAULT 0,
		max_attempts    INT NOT NULL DEFAULT 4,
		worker_id       TEXT,
		next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		locked_at       TIMESTAMPTZ,
		lock_expires_at TIMESTAMPTZ,
		last_error      TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_pipeline_jobs_ready
		ON pipeline_jobs (next_attempt_at) WHERE status = 'queued'`,

	// 9: webhook dedup keyed by the sender's event id
	`CREATE TABLE IF NOT EXISTS stripe_events (
		event_id          TEXT PRIMARY KEY,
		event_type        TEXT NOT NULL,
		processing_status TEXT NOT NULL DEFAULT 'received',
		error_message     TEXT,
		received_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at      TIMESTAMPTZ
	)`,

	// 10: purchases written by the checkout webhook side effect
	`CREATE TABLE IF NOT EXISTS purchases (
		id                TEXT PRIMARY KEY,
		creator_id        TEXT NOT NULL,
		customer_email    TEXT NOT NULL,
		stripe_session_id TEXT NOT NULL UNIQUE,
		amount_cents      BIGINT NOT NULL DEFAULT 0,
		status            TEXT NOT NULL DEFAULT 'paid',
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	// 11: content items, upserted by natural external id so stage reruns
	// do not duplicate rows
	`CREATE TABLE IF NOT EXISTS content_items (
		id          TEXT PRIMARY KEY,
		creator_id  TEXT NOT NULL,
		external_id TEXT NOT NULL,
		source_url  TEXT,
		title       TEXT,
		raw_text    TEXT,
		transcript  TEXT,
		cleaned     TEXT,
		cluster_key TEXT,
		usable      BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (creator_id, external_id)
	)`,

	// 12: extracted insights keyed by (creator, kind, slot)
	`CREATE TABLE IF NOT EXISTS creator_insights (
		id         TEXT PRIMARY KEY,
		creator_id TEXT NOT NULL,
		kind       TEXT NOT NULL,
		slot       INT NOT NULL,
		content    JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (creator_id, kind, slot)
	)`,

	// 13: fixed-window request counters shared across invocations
	`CREATE TABLE IF NOT EXISTS rate_limit_windows (
		bucket       TEXT NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		request_count INT NOT NULL DEFAULT 0,
		PRIMARY KEY (bucket, window_start)
	)`,

	// 14: atomic claim. SKIP LOCKED makes concurrent claimers race-free:
	// a row is handed to exactly one caller.
	`CREATE OR REPLACE FUNCTION claim_pipeline_jobs(p_limit INT, p_worker_id TEXT, p_lock_seconds INT)
	RETURNS SETOF pipeline_jobs AS $$
		UPDATE pipeline_jobs
		SET status = 'running',
		    worker_id = p_worker_id,
		    locked_at = NOW(),
		    lock_expires_at = NOW() + make_interval(secs => p_lock_seconds),
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM pipeline_jobs
			WHERE status = 'queued' AND next_attempt_at <= NOW()
			ORDER BY next_attempt_at
			LIMIT p_limit
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *;
	$$ LANGUAGE sql`,

	// 15: stale-lock reclamation
	`CREATE OR REPLACE FUNCTION release_expired_pipeline_jobs(p_limit INT)
	RETURNS INT AS $$
		WITH released AS (
			UPDATE pipeline_jobs
			SET status = 'queued',
			    worker_id = NULL,
			    locked_at = NULL,
			    lock_expires_at = NULL,
			    updated_at = NOW()
			WHERE id IN (
				SELECT id FROM pipeline_jobs
				WHERE status = 'running' AND lock_expires_at < NOW()
				ORDER BY lock_expires_at
				LIMIT p_limit
				FOR UPDATE SKIP LOCKED
			)
			RETURNING 1
		)
		SELECT COALESCE(COUNT(*), 0)::INT FROM released;
	$$ LANGUAGE sql`,
}

// RunMigrations applies any pending schema migrations.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	for i, stmt := range migrations {
		version := i + 1

		var exists bool
		err := pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)
		`, version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", version, err)
		}
		if exists {
			continue
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", version, err)
		}

		if _, err := tx.Exec(ctx, stmt); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("migration %d failed: %w", version, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}
