package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/creatorhub/pipeline-service/internal/database"
	"github.com/creatorhub/pipeline-service/internal/pipeline"
	"github.com/creatorhub/pipeline-service/internal/pipelinequeue"
	"github.com/creatorhub/pipeline-service/internal/pkg/cuid2"
	"github.com/creatorhub/pipeline-service/internal/runs"
)

var enqueueTrigger string

// enqueueCmd represents the enqueue command
var enqueueCmd = &cobra.Command{
	Use:   "enqueue <creator-id> <handle>",
	Short: "Enqueue a pipeline run for a creator",
	Long: `Mint a fresh run id, hand the creator's run token to it and enqueue a
pipeline job. Any queued job for an older run of the same creator is
cancelled; an in-flight older run stops at its next ownership check.`,
	Example: `  pipeline-service enqueue cr_01hx3 somecreator
  pipeline-service enqueue cr_01hx3 somecreator --trigger onboarding`,
	Args: cobra.ExactArgs(2),
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().StringVar(&enqueueTrigger, "trigger", "manual_retry", "Enqueue trigger (onboarding or manual_retry)")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	creatorID, handle := args[0], args[1]

	trigger := pipelinequeue.Trigger(enqueueTrigger)
	if trigger != pipelinequeue.TriggerOnboarding && trigger != pipelinequeue.TriggerManualRetry {
		return fmt.Errorf("invalid trigger %q: must be onboarding or manual_retry", enqueueTrigger)
	}

	ctx := context.Background()
	pool := database.Pool()
	store := pipeline.NewStore(pool)
	guard := runs.NewGuard(pool)
	queue := buildQueue()

	if _, err := store.EnsureCreator(ctx, creatorID, handle); err != nil {
		return fmt.Errorf("failed to ensure creator: %w", err)
	}

	runID := cuid2.NewOpaque("run")
	if err := guard.TakeOwnership(ctx, creatorID, runID); err != nil {
		return fmt.Errorf("failed to take run ownership: %w", err)
	}

	jobID, err := queue.Enqueue(ctx, pipelinequeue.EnqueueInput{
		CreatorID: creatorID,
		Handle:    handle,
		RunID:     runID,
		Trigger:   trigger,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}

	logger.Info().
		Str("creator_id", creatorID).
		Str("run_id", runID).
		Str("job_id", jobID).
		Str("trigger", string(trigger)).
		Msg("Pipeline run enqueued")

	return nil
}
