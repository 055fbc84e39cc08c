package runs

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSuperseded is the cooperative-cancellation signal: the creator's
// current run token no longer matches the run doing the work. Stage code
// returns it at checkpoints; the worker translates it into a cancelled job
// and a superseded run.
var ErrSuperseded = errors.New("run superseded by a newer run")

// Guard answers "does this run still own the right to mutate this
// creator's pipeline state?". The single source of truth is
// creators.pipeline_run_id; every worker reverifies it before work and
// again before committing success.
type Guard struct {
	pool *pgxpool.Pool
}

func NewGuard(pool *pgxpool.Pool) *Guard {
	return &Guard{pool: pool}
}

// CurrentRunID reads the creator's current run token. Empty when no run
// has ever been started.
func (g *Guard) CurrentRunID(ctx context.Context, creatorID string) (string, error) {
	var runID *string
	err := g.pool.QueryRow(ctx, `
		SELECT pipeline_run_id FROM creators WHERE id = $1
	`, creatorID).Scan(&runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("creator %s not found", creatorID)
		}
		return "", fmt.Errorf("failed to read run token: %w", err)
	}
	if runID == nil {
		return "", nil
	}
	return *runID, nil
}

// Check returns ErrSuperseded when runID is no longer the creator's
// current run token.
func (g *Guard) Check(ctx context.Context, creatorID, runID string) error {
	current, err := g.CurrentRunID(ctx, creatorID)
	if err != nil {
		return err
	}
	if current != runID {
		return ErrSuperseded
	}
	return nil
}

// TakeOwnership overwrites the creator's run token. Whatever run held it
// before will observe the mismatch at its next checkpoint and cancel.
func (g *Guard) TakeOwnership(ctx context.Context, creatorID, runID string) error {
	tag, err := g.pool.Exec(ctx, `
		UPDATE creators
		SET pipeline_run_id = $2, updated_at = NOW()
		WHERE id = $1
	`, creatorID, runID)
	if err != nil {
		return fmt.Errorf("failed to take run ownership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("creator %s not found", creatorID)
	}
	return nil
}
