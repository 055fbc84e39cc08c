package pipelinequeue

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creatorhub/pipeline-service/internal/pkg/cuid2"
)

// ErrLockLost means a success or failure commit matched zero rows: the
// lease expired mid-run and another worker reclaimed the job. The outcome
// must be treated as cancelled, never recorded against the reclaimed row.
var ErrLockLost = errors.New("pipeline job lock lost")

const jobColumns = `id, creator_id, handle, run_id, trigger, status, attempts,
	max_attempts, worker_id, next_attempt_at, locked_at, lock_expires_at,
	last_error, created_at, updated_at`

// Queue is the leased work queue for pipeline runs. All coordination goes
// through conditional statements against Postgres; there is no in-process
// locking because invocations are stateless and may overlap.
type Queue struct {
	pool    *pgxpool.Pool
	backoff BackoffPolicy
}

func New(pool *pgxpool.Pool, backoff BackoffPolicy) *Queue {
	return &Queue{pool: pool, backoff: backoff}
}

type EnqueueInput struct {
	CreatorID   string
	Handle      string
	RunID       string
	Trigger     Trigger
	MaxAttempts int
}

// Enqueue inserts a queue row for the run. Any other queued row for the
// same creator is cancelled first: an older run becomes moot the instant a
// newer one is requested. The unique constraint on run_id makes a duplicate
// enqueue for the same run a no-op that returns the existing id.
func (q *Queue) Enqueue(ctx context.Context, input EnqueueInput) (string, error) {
	trigger := input.Trigger
	if trigger == "" {
		trigger = TriggerUnknown
	}
	maxAttempts := 4
	if input.MaxAttempts > 0 {
		maxAttempts = input.MaxAttempts
	}

	_, err := q.pool.Exec(ctx, `
		UPDATE pipeline_jobs
		SET status = 'cancelled', updated_at = NOW()
		WHERE creator_id = $1 AND status = 'queued' AND run_id <> $2
	`, input.CreatorID, input.RunID)
	if err != nil {
		return "", fmt.Errorf("failed to cancel stale queued jobs: %w", err)
	}

	id := cuid2.New("pjob")
	var insertedID string
	// Callers that only know the run (replay, auto recovery) pass an
	// empty handle; fill it from the creator row.
	err = q.pool.QueryRow(ctx, `
		INSERT INTO pipeline_jobs (id, creator_id, handle, run_id, trigger, max_attempts)
		VALUES ($1, $2, COALESCE(NULLIF($3, ''), (SELECT handle FROM creators WHERE id = $2), ''), $4, $5, $6)
		ON CONFLICT (run_id) DO NOTHING
		RETURNING id
	`, id, input.CreatorID, input.Handle, input.RunID, trigger, maxAttempts).Scan(&insertedID)
	if err == nil {
		return insertedID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("failed to enqueue pipeline job: %w", err)
	}

	// Conflict: a row for this run already exists.
	var existingID string
	err = q.pool.QueryRow(ctx, `
		SELECT id FROM pipeline_jobs WHERE run_id = $1
	`, input.RunID).Scan(&existingID)
	if err != nil {
		return "", fmt.Errorf("failed to look up existing pipeline job: %w", err)
	}
	return existingID, nil
}

// ClaimJobs atomically leases up to limit ready rows for workerID. The
// claim is a single stored procedure call so two workers can never each
// believe they hold the same row.
func (q *Queue) ClaimJobs(ctx context.Context, limit int, workerID string, leaseSeconds int) ([]Job, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT * FROM claim_pipeline_jobs($1, $2, $3)
	`, limit, workerID, leaseSeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pipeline jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ReleaseExpired resets running rows whose lease has lapsed back to queued.
// Run before every claim pass so a crashed worker cannot strand a row.
func (q *Queue) ReleaseExpired(ctx context.Context, limit int) (int, error) {
	var released int
	err := q.pool.QueryRow(ctx, `
		SELECT release_expired_pipeline_jobs($1)
	`, limit).Scan(&released)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired pipeline jobs: %w", err)
	}
	return released, nil
}

// Complete commits a success. The WHERE clause reverifies both the status
// and the lease holder; zero affected rows means the lock was reclaimed
// while this worker was running and the result must not be recorded.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE pipeline_jobs
		SET status = 'succeeded',
		    worker_id = NULL,
		    locked_at = NULL,
		    lock_expires_at = NULL,
		    last_error = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND worker_id = $2
	`, jobID, workerID)
	if err != nil {
		return fmt.Errorf("failed to complete pipeline job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLockLost
	}
	return nil
}

// FailOutcome reports where a failed job ended up.
type FailOutcome struct {
	Status   JobStatus
	Attempts int
}

// Fail records a failed attempt: the lease is cleared, and the row is
// either requeued with exponential backoff or moved to dead_letter once
// attempts are exhausted. The whole transition is one statement so a crash
// between steps cannot leave the row leased. Like Complete, the WHERE
// clause reverifies the lease holder; zero affected rows means the lease
// expired and was reclaimed, and this worker's verdict no longer counts.
func (q *Queue) Fail(ctx context.Context, jobID, workerID, errMsg string) (FailOutcome, error) {
	var outcome FailOutcome
	err := q.pool.QueryRow(ctx, `
		UPDATE pipeline_jobs
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= max_attempts THEN 'dead_letter' ELSE 'queued' END,
		    last_error = $3,
		    worker_id = NULL,
		    locked_at = NULL,
		    lock_expires_at = NULL,
		    next_attempt_at = NOW() + make_interval(secs => LEAST($4::float8 * POWER(2, attempts), $5::float8)),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND worker_id = $2
		RETURNING status, attempts
	`, jobID, workerID, errMsg, q.backoff.Base.Seconds(), q.backoff.Cap.Seconds()).Scan(&outcome.Status, &outcome.Attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return FailOutcome{}, ErrLockLost
	}
	if err != nil {
		return FailOutcome{}, fmt.Errorf("failed to record pipeline job failure: %w", err)
	}
	return outcome, nil
}

// Cancel marks a job cancelled and clears its lease. Used when the run was
// superseded by a newer run for the same creator; this is an expected
// outcome, not a failure.
func (q *Queue) Cancel(ctx context.Context, jobID, reason string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE pipeline_jobs
		SET status = 'cancelled',
		    last_error = $2,
		    worker_id = NULL,
		    locked_at = NULL,
		    lock_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')
	`, jobID, reason)
	if err != nil {
		return fmt.Errorf("failed to cancel pipeline job: %w", err)
	}
	return nil
}

// Get returns one queue row by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	row := q.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline job: %w", err)
	}
	return job, nil
}

// GetByRunID returns the queue row for a run, or nil if none exists.
func (q *Queue) GetByRunID(ctx context.Context, runID string) (*Job, error) {
	row := q.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs WHERE run_id = $1`, runID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get pipeline job by run: %w", err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var job Job
	err := row.Scan(
		&job.ID, &job.CreatorID, &job.Handle, &job.RunID, &job.Trigger,
		&job.Status, &job.Attempts, &job.MaxAttempts, &job.WorkerID,
		&job.NextAttemptAt, &job.LockedAt, &job.LockExpiresAt,
		&job.LastError, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}
