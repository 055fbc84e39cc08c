package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creatorhub/pipeline-service/internal/pkg/cuid2"
)

const jobColumns = `id, job_type, owner_id, status, attempts, max_attempts,
	payload, result, error_message, created_at, started_at, completed_at`

// Store persists generic jobs. All mutations after creation go through the
// batch runner; API handlers only create rows.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type CreateJobInput struct {
	Type        JobType
	OwnerID     string
	Payload     interface{}
	MaxAttempts int
}

// execer covers both the pool and an open transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Create inserts a queued job and returns its id.
func (s *Store) Create(ctx context.Context, input CreateJobInput) (string, error) {
	return s.createIn(ctx, s.pool, input)
}

// CreateTx inserts a queued job inside the caller's transaction, so the job
// commits or rolls back together with the caller's own writes.
func (s *Store) CreateTx(ctx context.Context, tx pgx.Tx, input CreateJobInput) (string, error) {
	return s.createIn(ctx, tx, input)
}

func (s *Store) createIn(ctx context.Context, db execer, input CreateJobInput) (string, error) {
	payload, err := json.Marshal(input.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job payload: %w", err)
	}

	maxAttempts := 5
	if input.MaxAttempts > 0 {
		maxAttempts = input.MaxAttempts
	}

	var ownerID *string
	if input.OwnerID != "" {
		ownerID = &input.OwnerID
	}

	id := cuid2.New("job")
	_, err = db.Exec(ctx, `
		INSERT INTO jobs (id, job_type, owner_id, payload, max_attempts)
		VALUES ($1, $2, $3, $4, $5)
	`, id, input.Type, ownerID, payload, maxAttempts)
	if err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	return id, nil
}

// ClaimNext atomically claims the oldest queued job. Under concurrent
// callers each row is handed to exactly one of them; callers that lose the
// race get (nil, nil).
func (s *Store) ClaimNext(ctx context.Context) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'running', started_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// MarkSucceeded records a successful dispatch.
func (s *Store) MarkSucceeded(ctx context.Context, jobID string, result json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'succeeded', result = $2, completed_at = NOW()
		WHERE id = $1
	`, jobID, result)
	if err != nil {
		return fmt.Errorf("failed to mark job succeeded: %w", err)
	}
	return nil
}

// MarkFailure increments the attempt counter and either requeues the job for
// an immediate retry or fails it permanently once attempts are exhausted.
// Returns the resulting status.
func (s *Store) MarkFailure(ctx context.Context, jobID, errMsg string) (JobStatus, error) {
	var status JobStatus
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
		    error_message = $2,
		    started_at = NULL,
		    completed_at = CASE WHEN attempts + 1 >= max_attempts THEN NOW() ELSE NULL END
		WHERE id = $1
		RETURNING status
	`, jobID, errMsg).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("failed to mark job failure: %w", err)
	}
	return status, nil
}

// Get returns one job by id.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// List returns jobs filtered by optional status, newest first.
func (s *Store) List(ctx context.Context, status JobStatus, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*Job, error) {
	var job Job
	err := row.Scan(
		&job.ID, &job.Type, &job.OwnerID, &job.Status, &job.Attempts,
		&job.MaxAttempts, &job.Payload, &job.Result, &job.ErrorMessage,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}
