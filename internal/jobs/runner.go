package jobs

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/creatorhub/pipeline-service/internal/metrics"
)

// jobStore is the slice of Store the runner needs.
type jobStore interface {
	ClaimNext(ctx context.Context) (*Job, error)
	MarkSucceeded(ctx context.Context, jobID string, result json.RawMessage) error
	MarkFailure(ctx context.Context, jobID, errMsg string) (JobStatus, error)
}

type jobDispatcher interface {
	Dispatch(ctx context.Context, job *Job) (json.RawMessage, error)
}

// BatchResult summarizes one batch pass.
type BatchResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Runner drives the claim-and-run loop for generic jobs. Jobs here are
// short, independent and idempotent, so a failed attempt goes straight back
// to queued with no backoff delay; the pipeline queue is the one with
// leases and exponential backoff.
type Runner struct {
	store      jobStore
	dispatcher jobDispatcher
	logger     zerolog.Logger
}

func NewRunner(store jobStore, dispatcher jobDispatcher, logger zerolog.Logger) *Runner {
	return &Runner{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "job_runner").Logger(),
	}
}

// ProcessNext claims and runs one job. Returns nil when the queue is empty.
func (r *Runner) ProcessNext(ctx context.Context) (*Job, error) {
	job, err := r.store.ClaimNext(ctx)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	r.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Int("attempt", job.Attempts+1).
		Msg("Processing job")

	result, dispatchErr := r.dispatcher.Dispatch(ctx, job)
	if dispatchErr != nil {
		status, failErr := r.store.MarkFailure(ctx, job.ID, dispatchErr.Error())
		if failErr != nil {
			return job, failErr
		}
		job.Status = status
		metrics.ImportJobsProcessed.WithLabelValues(string(job.Type), string(status)).Inc()
		r.logger.Error().
			Str("job_id", job.ID).
			Str("status", string(status)).
			Err(dispatchErr).
			Msg("Job failed")
		return job, nil
	}

	if err := r.store.MarkSucceeded(ctx, job.ID, result); err != nil {
		return job, err
	}
	job.Status = StatusSucceeded
	metrics.ImportJobsProcessed.WithLabelValues(string(job.Type), string(StatusSucceeded)).Inc()
	return job, nil
}

// ProcessBatch runs ProcessNext up to limit times or until the queue is
// empty. Individual job failures are counted, never propagated; only store
// errors abort the batch.
func (r *Runner) ProcessBatch(ctx context.Context, limit int) (BatchResult, error) {
	var result BatchResult

	for i := 0; i < limit; i++ {
		job, err := r.ProcessNext(ctx)
		if err != nil {
			return result, err
		}
		if job == nil {
			break
		}

		result.Processed++
		if job.Status == StatusSucceeded {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}

	return result, nil
}
