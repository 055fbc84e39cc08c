package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/creatorhub/pipeline-service/internal/database"
	"github.com/creatorhub/pipeline-service/internal/pipelinequeue"
	"github.com/creatorhub/pipeline-service/internal/pkg/cuid2"
	"github.com/creatorhub/pipeline-service/internal/runs"
)

var dlqStatus string

// dlqCmd represents the dlq command group
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered pipeline runs",
}

// dlqListCmd represents the dlq list command
var dlqListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List dead-lettered runs",
	Example: `  pipeline-service dlq list --status open`,
	RunE:    runDLQList,
}

// dlqReplayCmd represents the dlq replay command
var dlqReplayCmd = &cobra.Command{
	Use:   "replay <run-id>",
	Short: "Replay a dead-lettered run under a fresh run id",
	Long: `Mark the dead letter replayed and enqueue the creator again with a full
attempt budget. The new run takes the creator's run token, so anything
left over from the failed run is superseded.`,
	Example: `  pipeline-service dlq replay run_k3jf9s`,
	Args:    cobra.ExactArgs(1),
	RunE:    runDLQReplay,
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqReplayCmd)

	dlqListCmd.Flags().StringVar(&dlqStatus, "status", "", "Filter by status (open, replayed, resolved, ignored)")
}

func runDLQList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store := runs.NewDeadLetterStore(database.Pool())

	letters, err := store.List(ctx, runs.DeadLetterStatus(dlqStatus), 50)
	if err != nil {
		return fmt.Errorf("failed to list dead letters: %w", err)
	}

	if len(letters) == 0 {
		fmt.Println("No dead letters found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tCREATOR\tSTEP\tSTATUS\tREPLAYS\tERROR")
	for _, letter := range letters {
		step, errMsg := "", ""
		if letter.FailedStep != nil {
			step = *letter.FailedStep
		}
		if letter.ErrorMessage != nil {
			errMsg = *letter.ErrorMessage
			if len(errMsg) > 60 {
				errMsg = errMsg[:57] + "..."
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			letter.RunID, letter.CreatorID, step, letter.Status, letter.ReplayCount, errMsg)
	}
	return w.Flush()
}

func runDLQReplay(cmd *cobra.Command, args []string) error {
	runID := args[0]

	ctx := context.Background()
	pool := database.Pool()
	store := runs.NewDeadLetterStore(pool)
	guard := runs.NewGuard(pool)
	queue := buildQueue()

	letter, err := store.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load dead letter: %w", err)
	}

	if err := store.MarkReplayed(ctx, runID); err != nil {
		return fmt.Errorf("failed to mark dead letter replayed: %w", err)
	}

	newRunID := cuid2.NewOpaque("run")
	if err := guard.TakeOwnership(ctx, letter.CreatorID, newRunID); err != nil {
		return fmt.Errorf("failed to take run ownership: %w", err)
	}

	jobID, err := queue.Enqueue(ctx, pipelinequeue.EnqueueInput{
		CreatorID: letter.CreatorID,
		RunID:     newRunID,
		Trigger:   pipelinequeue.TriggerDLQReplay,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue replay: %w", err)
	}

	logger.Info().
		Str("dead_letter_run_id", runID).
		Str("replay_run_id", newRunID).
		Str("job_id", jobID).
		Str("creator_id", letter.CreatorID).
		Msg("Dead letter replayed")

	return nil
}
