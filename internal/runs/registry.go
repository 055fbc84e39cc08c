package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

type RunStatus string

const (
	RunRunning    RunStatus = "running"
	RunSucceeded  RunStatus = "succeeded"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
	RunSuperseded RunStatus = "superseded"
)

// Run is one logical pipeline execution attempt-sequence. Retrying the same
// run_id updates this row (bumping attempt_count) rather than creating a
// new one. finished_at is set iff status is terminal.
type Run struct {
	RunID           string          `db:"run_id"`
	CreatorID       string          `db:"creator_id"`
	Status          RunStatus       `db:"status"`
	Trigger         string          `db:"trigger"`
	CurrentStep     *string         `db:"current_step"`
	AttemptCount    int             `db:"attempt_count"`
	Metrics         json.RawMessage `db:"metrics"`
	ErrorMessage    *string         `db:"error_message"`
	StartedAt       time.Time       `db:"started_at"`
	LastHeartbeatAt time.Time       `db:"last_heartbeat_at"`
	FinishedAt      *time.Time      `db:"finished_at"`
}

// AlertNotifier delivers dead-letter notifications. Delivery is best
// effort; implementations must never block the caller on failure.
type AlertNotifier interface {
	NotifyDeadLetter(runID, creatorID, failedStep, errMsg string)
}

// Registry tracks pipeline run lifecycle and heartbeats.
type Registry struct {
	pool     *pgxpool.Pool
	notifier AlertNotifier
	logger   zerolog.Logger
}

func NewRegistry(pool *pgxpool.Pool, notifier AlertNotifier, logger zerolog.Logger) *Registry {
	return &Registry{
		pool:     pool,
		notifier: notifier,
		logger:   logger.With().Str("component", "run_registry").Logger(),
	}
}

// Begin upserts the run row by run_id. A fresh run inserts; a retry of an
// existing run bumps attempt_count and resets it to running.
func (r *Registry) Begin(ctx context.Context, runID, creatorID, trigger string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO pipeline_runs (run_id, creator_id, trigger, status)
		VALUES ($1, $2, $3, 'running')
		ON CONFLICT (run_id) DO UPDATE
		SET status = 'running',
		    attempt_count = pipeline_runs.attempt_count + 1,
		    error_message = NULL,
		    last_heartbeat_at = NOW(),
		    finished_at = NULL
	`, runID, creatorID, trigger)
	if err != nil {
		return fmt.Errorf("failed to begin run: %w", err)
	}
	return nil
}

// Heartbeat records forward progress. Cheap enough to call at every stage
// boundary.
func (r *Registry) Heartbeat(ctx context.Context, runID, step string, runMetrics interface{}) error {
	payload, err := json.Marshal(runMetrics)
	if err != nil {
		return fmt.Errorf("failed to marshal run metrics: %w", err)
	}
	if runMetrics == nil {
		payload = []byte(`{}`)
	}

	_, err = r.pool.Exec(ctx, `
		UPDATE pipeline_runs
		SET current_step = $2,
		    metrics = metrics || $3::jsonb,
		    last_heartbeat_at = NOW()
		WHERE run_id = $1
	`, runID, step, payload)
	if err != nil {
		return fmt.Errorf("failed to heartbeat run: %w", err)
	}
	return nil
}

// Complete marks the run succeeded and resolves any open dead letter for
// it: a run that eventually made it through no longer needs inspection.
func (r *Registry) Complete(ctx context.Context, runID string, runMetrics interface{}) error {
	payload, err := json.Marshal(runMetrics)
	if err != nil {
		return fmt.Errorf("failed to marshal run metrics: %w", err)
	}
	if runMetrics == nil {
		payload = []byte(`{}`)
	}

	_, err = r.pool.Exec(ctx, `
		UPDATE pipeline_runs
		SET status = 'succeeded',
		    metrics = metrics || $2::jsonb,
		    finished_at = NOW()
		WHERE run_id = $1
	`, runID, payload)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		UPDATE pipeline_dead_letters
		SET status = 'resolved', updated_at = NOW()
		WHERE run_id = $1 AND status = 'open'
	`, runID)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter: %w", err)
	}
	return nil
}

// Fail marks the run terminally failed, upserts its dead-letter row and
// fires a best-effort alert.
func (r *Registry) Fail(ctx context.Context, runID, creatorID, failedStep, errMsg string, payload interface{}) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE pipeline_runs
		SET status = 'failed',
		    error_message = $2,
		    current_step = $3,
		    finished_at = NOW()
		WHERE run_id = $1
	`, runID, errMsg, failedStep)
	if err != nil {
		return fmt.Errorf("failed to mark run failed: %w", err)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter payload: %w", err)
	}
	if payload == nil {
		payloadJSON = []byte(`{}`)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO pipeline_dead_letters (run_id, creator_id, failed_step, error_message, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO UPDATE
		SET failed_step = EXCLUDED.failed_step,
		    error_message = EXCLUDED.error_message,
		    payload = EXCLUDED.payload,
		    status = 'open',
		    updated_at = NOW()
	`, runID, creatorID, failedStep, errMsg, payloadJSON)
	if err != nil {
		return fmt.Errorf("failed to write dead letter: %w", err)
	}

	if r.notifier != nil {
		r.notifier.NotifyDeadLetter(runID, creatorID, failedStep, errMsg)
	}

	r.logger.Error().
		Str("run_id", runID).
		Str("creator_id", creatorID).
		Str("failed_step", failedStep).
		Str("error", errMsg).
		Msg("Run dead-lettered")
	return nil
}

// MarkSuperseded records that a newer run took ownership of the creator.
// Terminal but not an error; never written to the dead-letter table.
func (r *Registry) MarkSuperseded(ctx context.Context, runID, creatorID, details string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE pipeline_runs
		SET status = 'superseded',
		    error_message = $2,
		    finished_at = NOW()
		WHERE run_id = $1
	`, runID, details)
	if err != nil {
		return fmt.Errorf("failed to mark run superseded: %w", err)
	}

	r.logger.Info().
		Str("run_id", runID).
		Str("creator_id", creatorID).
		Msg("Run superseded by newer run")
	return nil
}

// Get returns one run by id.
func (r *Registry) Get(ctx context.Context, runID string) (*Run, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT run_id, creator_id, status, trigger, current_step, attempt_count,
		       metrics, error_message, started_at, last_heartbeat_at, finished_at
		FROM pipeline_runs
		WHERE run_id = $1
	`, runID)
	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// List returns runs filtered by optional creator and status, newest first.
func (r *Registry) List(ctx context.Context, creatorID string, status RunStatus, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT run_id, creator_id, status, trigger, current_step, attempt_count,
		       metrics, error_message, started_at, last_heartbeat_at, finished_at
		FROM pipeline_runs
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if creatorID != "" {
		query += fmt.Sprintf(" AND creator_id = $%d", argIdx)
		args = append(args, creatorID)
		argIdx++
	}
	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, status)
		argIdx++
	}
	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT %d", limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// StaleRunning returns running runs whose heartbeat is older than the
// threshold. Used by the sweeper to drive auto-recovery.
func (r *Registry) StaleRunning(ctx context.Context, olderThan time.Duration, limit int) ([]Run, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT run_id, creator_id, status, trigger, current_step, attempt_count,
		       metrics, error_message, started_at, last_heartbeat_at, finished_at
		FROM pipeline_runs
		WHERE status = 'running' AND last_heartbeat_at < NOW() - make_interval(secs => $1)
		ORDER BY last_heartbeat_at
		LIMIT $2
	`, olderThan.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (*Run, error) {
	var run Run
	err := row.Scan(
		&run.RunID, &run.CreatorID, &run.Status, &run.Trigger, &run.CurrentStep,
		&run.AttemptCount, &run.Metrics, &run.ErrorMessage, &run.StartedAt,
		&run.LastHeartbeatAt, &run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}
