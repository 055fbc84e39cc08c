package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type DeadLetterStatus string

const (
	DeadLetterOpen     DeadLetterStatus = "open"
	DeadLetterReplayed DeadLetterStatus = "replayed"
	DeadLetterResolved DeadLetterStatus = "resolved"
	DeadLetterIgnored  DeadLetterStatus = "ignored"
)

// ErrDeadLetterNotFound is returned when a replay targets a run with no
// dead-letter row.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// DeadLetter is the durable record of a terminally failed run, keyed by
// run_id (at most one per run).
type DeadLetter struct {
	RunID        string           `db:"run_id"`
	CreatorID    string           `db:"creator_id"`
	FailedStep   *string          `db:"failed_step"`
	ErrorMessage *string          `db:"error_message"`
	Payload      json.RawMessage  `db:"payload"`
	Status       DeadLetterStatus `db:"status"`
	ReplayCount  int              `db:"replay_count"`
	CreatedAt    time.Time        `db:"created_at"`
	UpdatedAt    time.Time        `db:"updated_at"`
}

// DeadLetterStore reads and transitions dead-letter rows. Writing new rows
// happens through Registry.Fail.
type DeadLetterStore struct {
	pool *pgxpool.Pool
}

func NewDeadLetterStore(pool *pgxpool.Pool) *DeadLetterStore {
	return &DeadLetterStore{pool: pool}
}

// Get returns the dead letter for a run.
func (s *DeadLetterStore) Get(ctx context.Context, runID string) (*DeadLetter, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT run_id, creator_id, failed_step, error_message, payload,
		       status, replay_count, created_at, updated_at
		FROM pipeline_dead_letters
		WHERE run_id = $1
	`, runID)
	dl, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeadLetterNotFound
		}
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return dl, nil
}

// List returns dead letters filtered by optional status, newest first.
func (s *DeadLetterStore) List(ctx context.Context, status DeadLetterStatus, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT run_id, creator_id, failed_step, error_message, payload,
		       status, replay_count, created_at, updated_at
		FROM pipeline_dead_letters
	`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY updated_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, *dl)
	}
	return out, rows.Err()
}

// MarkReplayed bumps the replay counter and flips the row to replayed. The
// caller is responsible for actually re-enqueueing the run.
func (s *DeadLetterStore) MarkReplayed(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_dead_letters
		SET status = 'replayed',
		    replay_count = replay_count + 1,
		    updated_at = NOW()
		WHERE run_id = $1
	`, runID)
	if err != nil {
		return fmt.Errorf("failed to mark dead letter replayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}

// Ignore marks an open dead letter as deliberately ignored.
func (s *DeadLetterStore) Ignore(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_dead_letters
		SET status = 'ignored', updated_at = NOW()
		WHERE run_id = $1 AND status = 'open'
	`, runID)
	if err != nil {
		return fmt.Errorf("failed to ignore dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}

func scanDeadLetter(row pgx.Row) (*DeadLetter, error) {
	var dl DeadLetter
	err := row.Scan(
		&dl.RunID, &dl.CreatorID, &dl.FailedStep, &dl.ErrorMessage,
		&dl.Payload, &dl.Status, &dl.ReplayCount, &dl.CreatedAt, &dl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &dl, nil
}
