package sweepers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/creatorhub/pipeline-service/internal/metrics"
	"github.com/creatorhub/pipeline-service/internal/pipelinequeue"
	"github.com/creatorhub/pipeline-service/internal/pkg/cuid2"
	"github.com/creatorhub/pipeline-service/internal/runs"
)

type leaseReleaser interface {
	ReleaseExpired(ctx context.Context, limit int) (int, error)
	Enqueue(ctx context.Context, input pipelinequeue.EnqueueInput) (string, error)
	GetByRunID(ctx context.Context, runID string) (*pipelinequeue.Job, error)
}

type staleRunFinder interface {
	StaleRunning(ctx context.Context, olderThan time.Duration, limit int) ([]runs.Run, error)
	Fail(ctx context.Context, runID, creatorID, failedStep, errMsg string, payload interface{}) error
}

type ownershipGuard interface {
	CurrentRunID(ctx context.Context, creatorID string) (string, error)
	TakeOwnership(ctx context.Context, creatorID, runID string) error
}

type windowCleaner interface {
	Cleanup(ctx context.Context) (int, error)
}

// PipelineSweeper periodically releases expired job leases and recovers
// runs whose heartbeat went silent. The trigger endpoint remains the
// primary drive; every sweep action must be safe to race with a
// concurrent batch.
type PipelineSweeper struct {
	queue          leaseReleaser
	registry       staleRunFinder
	guard          ownershipGuard
	limiter        windowCleaner
	logger         zerolog.Logger
	interval       time.Duration
	staleThreshold time.Duration
	stopChan       chan struct{}
}

func NewPipelineSweeper(queue leaseReleaser, registry staleRunFinder, guard ownershipGuard, limiter windowCleaner, logger zerolog.Logger, interval, staleThreshold time.Duration) *PipelineSweeper {
	return &PipelineSweeper{
		queue:          queue,
		registry:       registry,
		guard:          guard,
		limiter:        limiter,
		logger:         logger.With().Str("component", "pipeline_sweeper").Logger(),
		interval:       interval,
		staleThreshold: staleThreshold,
		stopChan:       make(chan struct{}),
	}
}

// Start begins the periodic sweep loop and blocks until the context is
// cancelled or Stop is called.
func (s *PipelineSweeper) Start(ctx context.Context) {
	s.logger.Info().
		Dur("interval", s.interval).
		Dur("stale_threshold", s.staleThreshold).
		Msg("Starting pipeline sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Pipeline sweeper stopping (context cancelled)")
			return
		case <-s.stopChan:
			s.logger.Info().Msg("Pipeline sweeper stopping (stop signal)")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *PipelineSweeper) Stop() {
	close(s.stopChan)
}

// Sweep runs one maintenance pass.
func (s *PipelineSweeper) Sweep(ctx context.Context) {
	released, err := s.queue.ReleaseExpired(ctx, 50)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to release expired leases")
	} else if released > 0 {
		metrics.ExpiredLeasesReleased.Add(float64(released))
		s.logger.Info().Int("released", released).Msg("Released expired job leases")
	}

	if err := s.recoverStaleRuns(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to recover stale runs")
	}

	if s.limiter != nil {
		if _, err := s.limiter.Cleanup(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to clean up rate limit windows")
		}
	}
}

// recoverStaleRuns fails runs whose heartbeat is older than the threshold
// and re-enqueues a fresh attempt, but only while the stale run still owns
// the creator token. A creator whose token moved on already has a newer
// run; resurrecting the old one would just get cancelled by the guard.
func (s *PipelineSweeper) recoverStaleRuns(ctx context.Context) error {
	stale, err := s.registry.StaleRunning(ctx, s.staleThreshold, 20)
	if err != nil {
		return err
	}

	for _, run := range stale {
		owner, err := s.guard.CurrentRunID(ctx, run.CreatorID)
		if err != nil {
			s.logger.Warn().Err(err).Str("run_id", run.RunID).Msg("Failed to read creator token for stale run")
			continue
		}
		if owner != run.RunID {
			s.logger.Debug().
				Str("run_id", run.RunID).
				Str("owner", owner).
				Msg("Stale run no longer owns creator token, skipping recovery")
			continue
		}

		step := ""
		if run.CurrentStep != nil {
			step = *run.CurrentStep
		}
		if err := s.registry.Fail(ctx, run.RunID, run.CreatorID, step, "heartbeat stale, auto-recovering", nil); err != nil {
			s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to mark stale run as failed")
			continue
		}

		job, err := s.queue.GetByRunID(ctx, run.RunID)
		handle := ""
		if err == nil && job != nil {
			handle = job.Handle
		}

		// The recovery run must hold the creator token before its job is
		// visible, or the worker-side ownership check cancels it on claim.
		newRunID := cuid2.NewOpaque("run")
		if err := s.guard.TakeOwnership(ctx, run.CreatorID, newRunID); err != nil {
			s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to move creator token to recovery run")
			continue
		}
		if _, err := s.queue.Enqueue(ctx, pipelinequeue.EnqueueInput{
			CreatorID: run.CreatorID,
			Handle:    handle,
			RunID:     newRunID,
			Trigger:   pipelinequeue.TriggerAutoRecovery,
		}); err != nil {
			s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to enqueue recovery run")
			continue
		}

		s.logger.Info().
			Str("stale_run_id", run.RunID).
			Str("recovery_run_id", newRunID).
			Str("creator_id", run.CreatorID).
			Msg("Re-enqueued stale run for recovery")
	}

	return nil
}
