// Package worker drives the claim-and-run loops. There is no persistent
// worker process: each invocation (cron trigger, CLI, sweeper tick) claims
// a bounded batch, runs it synchronously and exits. All coordination with
// concurrently overlapping invocations goes through the database.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/creatorhub/pipeline-service/internal/jobs"
	"github.com/creatorhub/pipeline-service/internal/metrics"
	"github.com/creatorhub/pipeline-service/internal/pipeline"
	"github.com/creatorhub/pipeline-service/internal/pipelinequeue"
	"github.com/creatorhub/pipeline-service/internal/runs"
)

// pipelineQueue is the slice of pipelinequeue.Queue the processor needs.
type pipelineQueue interface {
	ReleaseExpired(ctx context.Context, limit int) (int, error)
	ClaimJobs(ctx context.Context, limit int, workerID string, leaseSeconds int) ([]pipelinequeue.Job, error)
	Complete(ctx context.Context, jobID, workerID string) error
	Fail(ctx context.Context, jobID, workerID, errMsg string) (pipelinequeue.FailOutcome, error)
	Cancel(ctx context.Context, jobID, reason string) error
}

type runRegistry interface {
	Begin(ctx context.Context, runID, creatorID, trigger string) error
	Complete(ctx context.Context, runID string, runMetrics interface{}) error
	Fail(ctx context.Context, runID, creatorID, failedStep, errMsg string, payload interface{}) error
	MarkSuperseded(ctx context.Context, runID, creatorID, details string) error
}

type ownershipGuard interface {
	Check(ctx context.Context, creatorID, runID string) error
}

type pipelineBody interface {
	Run(ctx context.Context, creatorID, handle, runID string) (*pipeline.Result, error)
}

type importRunner interface {
	ProcessBatch(ctx context.Context, limit int) (jobs.BatchResult, error)
}

// PipelineBatchResult summarizes one pipeline queue pass.
type PipelineBatchResult struct {
	Claimed    int `json:"claimed"`
	Succeeded  int `json:"succeeded"`
	Requeued   int `json:"requeued"`
	DeadLetter int `json:"deadLetter"`
	Cancelled  int `json:"cancelled"`
	Released   int `json:"released"`
}

// Config tunes one processing pass.
type Config struct {
	LeaseSeconds int
	BatchLimit   int
	ImportLimit  int
}

// Processor claims pipeline jobs and runs the content pipeline under the
// run-ownership guard.
type Processor struct {
	queue    pipelineQueue
	registry runRegistry
	guard    ownershipGuard
	body     pipelineBody
	imports  importRunner
	config   Config
	logger   zerolog.Logger
}

func NewProcessor(queue pipelineQueue, registry runRegistry, guard ownershipGuard, body pipelineBody, imports importRunner, config Config, logger zerolog.Logger) *Processor {
	if config.LeaseSeconds <= 0 {
		config.LeaseSeconds = 300
	}
	if config.BatchLimit <= 0 {
		config.BatchLimit = 5
	}
	if config.ImportLimit <= 0 {
		config.ImportLimit = 10
	}
	return &Processor{
		queue:    queue,
		registry: registry,
		guard:    guard,
		body:     body,
		imports:  imports,
		config:   config,
		logger:   logger.With().Str("component", "worker").Logger(),
	}
}

// ProcessImportJobs runs one batch of the generic job queue.
func (p *Processor) ProcessImportJobs(ctx context.Context) (jobs.BatchResult, error) {
	return p.imports.ProcessBatch(ctx, p.config.ImportLimit)
}

// ProcessPipelineJobs releases expired leases, claims up to the batch
// limit under a fresh worker id and runs each job to an outcome. Job-level
// failures are routed into backoff or dead-letter and never propagate;
// only claim-infrastructure errors return non-nil.
func (p *Processor) ProcessPipelineJobs(ctx context.Context) (PipelineBatchResult, error) {
	var result PipelineBatchResult

	released, err := p.queue.ReleaseExpired(ctx, p.config.BatchLimit*2)
	if err != nil {
		return result, fmt.Errorf("failed to release expired leases: %w", err)
	}
	result.Released = released
	if released > 0 {
		metrics.ExpiredLeasesReleased.Add(float64(released))
		p.logger.Info().Int("released", released).Msg("Released expired pipeline job leases")
	}

	workerID := "worker-" + uuid.NewString()
	claimed, err := p.queue.ClaimJobs(ctx, p.config.BatchLimit, workerID, p.config.LeaseSeconds)
	if err != nil {
		return result, fmt.Errorf("failed to claim pipeline jobs: %w", err)
	}
	result.Claimed = len(claimed)

	for _, job := range claimed {
		outcome := p.processJob(ctx, workerID, job)
		switch outcome {
		case outcomeSucceeded:
			result.Succeeded++
		case outcomeRequeued:
			result.Requeued++
		case outcomeDeadLetter:
			result.DeadLetter++
		case outcomeCancelled:
			result.Cancelled++
		}
	}

	return result, nil
}

type jobOutcome int

const (
	outcomeSucceeded jobOutcome = iota
	outcomeRequeued
	outcomeDeadLetter
	outcomeCancelled
)

// processJob runs one claimed job to a terminal-or-requeued outcome. The
// deferred recover is the liveness backstop for bugs in this orchestration
// layer itself: whatever happens, the claimed row must not stay leased.
func (p *Processor) processJob(ctx context.Context, workerID string, job pipelinequeue.Job) (outcome jobOutcome) {
	logger := p.logger.With().
		Str("worker_id", workerID).
		Str("job_id", job.ID).
		Str("run_id", job.RunID).
		Str("creator_id", job.CreatorID).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Orchestration panic, requeueing job")
			failOutcome, failErr := p.queue.Fail(ctx, job.ID, workerID, fmt.Sprintf("orchestration panic: %v", r))
			if errors.Is(failErr, pipelinequeue.ErrLockLost) {
				logger.Warn().Msg("Lock lost before panic requeue, treating as cancelled")
				metrics.PipelineJobsProcessed.WithLabelValues("cancelled").Inc()
				outcome = outcomeCancelled
				return
			}
			if failErr != nil {
				logger.Error().Err(failErr).Msg("Failed to requeue job after panic")
				outcome = outcomeRequeued
				return
			}
			outcome = failureOutcome(failOutcome)
		}
	}()

	// Supersession pre-check: a newer run may have taken the creator
	// while this job sat queued.
	if err := p.guard.Check(ctx, job.CreatorID, job.RunID); err != nil {
		if errors.Is(err, runs.ErrSuperseded) {
			return p.cancelSuperseded(ctx, job, logger)
		}
		return p.failJob(ctx, workerID, job, "ownership_check", err, logger)
	}

	if err := p.registry.Begin(ctx, job.RunID, job.CreatorID, string(job.Trigger)); err != nil {
		return p.failJob(ctx, workerID, job, "begin_run", err, logger)
	}

	logger.Info().Int("attempt", job.Attempts+1).Msg("Running pipeline job")
	start := time.Now()

	res, runErr := p.body.Run(ctx, job.CreatorID, job.Handle, job.RunID)
	metrics.PipelineJobDuration.Observe(time.Since(start).Seconds())

	if runErr != nil {
		if errors.Is(runErr, runs.ErrSuperseded) {
			return p.cancelSuperseded(ctx, job, logger)
		}
		step := "pipeline"
		if res != nil && res.Status != "" {
			step = string(res.Status)
		}
		return p.failJob(ctx, workerID, job, step, runErr, logger)
	}

	// Supersession re-check before committing: partial writes of a
	// superseded run must not be recorded as success.
	if err := p.guard.Check(ctx, job.CreatorID, job.RunID); err != nil {
		if errors.Is(err, runs.ErrSuperseded) {
			return p.cancelSuperseded(ctx, job, logger)
		}
		return p.failJob(ctx, workerID, job, "ownership_recheck", err, logger)
	}

	if err := p.queue.Complete(ctx, job.ID, workerID); err != nil {
		if errors.Is(err, pipelinequeue.ErrLockLost) {
			// Lease expired mid-run and another worker reclaimed the
			// row. Never record a duplicate success.
			logger.Warn().Msg("Lock lost before success commit, treating as cancelled")
			metrics.PipelineJobsProcessed.WithLabelValues("cancelled").Inc()
			return outcomeCancelled
		}
		return p.failJob(ctx, workerID, job, "commit", err, logger)
	}

	if err := p.registry.Complete(ctx, job.RunID, res); err != nil {
		logger.Error().Err(err).Msg("Failed to record run completion")
	}

	if res.Status == pipeline.StatusInsufficientContent {
		metrics.PipelineJobsProcessed.WithLabelValues("insufficient_content").Inc()
	} else {
		metrics.PipelineJobsProcessed.WithLabelValues("succeeded").Inc()
	}
	logger.Info().
		Str("status", string(res.Status)).
		Int("usable", res.ItemsUsable).
		Msg("Pipeline job succeeded")
	return outcomeSucceeded
}

func (p *Processor) cancelSuperseded(ctx context.Context, job pipelinequeue.Job, logger zerolog.Logger) jobOutcome {
	if err := p.queue.Cancel(ctx, job.ID, "superseded by newer run"); err != nil {
		logger.Error().Err(err).Msg("Failed to cancel superseded job")
	}
	if err := p.registry.MarkSuperseded(ctx, job.RunID, job.CreatorID, "newer run took ownership"); err != nil {
		logger.Error().Err(err).Msg("Failed to mark run superseded")
	}
	logger.Info().Msg("Job cancelled: run superseded")
	metrics.PipelineJobsProcessed.WithLabelValues("cancelled").Inc()
	return outcomeCancelled
}

func (p *Processor) failJob(ctx context.Context, workerID string, job pipelinequeue.Job, step string, cause error, logger zerolog.Logger) jobOutcome {
	failOutcome, err := p.queue.Fail(ctx, job.ID, workerID, cause.Error())
	if errors.Is(err, pipelinequeue.ErrLockLost) {
		// Lease expired mid-run and another worker reclaimed the row.
		// The reclaimed attempt owns the verdict now; recording this
		// failure would clear its lease and inflate attempts.
		logger.Warn().Str("step", step).Msg("Lock lost before failure commit, treating as cancelled")
		metrics.PipelineJobsProcessed.WithLabelValues("cancelled").Inc()
		return outcomeCancelled
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record job failure")
		return outcomeRequeued
	}

	if failOutcome.Status == pipelinequeue.StatusDeadLetter {
		payload := map[string]string{
			"creatorId": job.CreatorID,
			"handle":    job.Handle,
			"trigger":   string(job.Trigger),
		}
		if err := p.registry.Fail(ctx, job.RunID, job.CreatorID, step, cause.Error(), payload); err != nil {
			logger.Error().Err(err).Msg("Failed to dead-letter run")
		}
		logger.Error().
			Str("step", step).
			Int("attempts", failOutcome.Attempts).
			Err(cause).
			Msg("Pipeline job dead-lettered")
		metrics.PipelineJobsProcessed.WithLabelValues("dead_letter").Inc()
		return outcomeDeadLetter
	}

	logger.Warn().
		Str("step", step).
		Int("attempts", failOutcome.Attempts).
		Err(cause).
		Msg("Pipeline job failed, requeued with backoff")
	metrics.PipelineJobsProcessed.WithLabelValues("requeued").Inc()
	return outcomeRequeued
}

func failureOutcome(o pipelinequeue.FailOutcome) jobOutcome {
	if o.Status == pipelinequeue.StatusDeadLetter {
		return outcomeDeadLetter
	}
	return outcomeRequeued
}
