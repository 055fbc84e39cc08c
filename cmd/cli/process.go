package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// processCmd represents the process command
var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Drain one batch of import and pipeline jobs",
	Long: `Claim and run one batch of generic import jobs and one batch of leased
pipeline jobs, exactly like a single invocation of the cron-driven
/jobs/process endpoint. Safe to run while the server or other invocations
are processing; all claims go through the database.`,
	Example: `  pipeline-service process`,
	RunE:    runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	processor := buildProcessor()

	importResult, err := processor.ProcessImportJobs(ctx)
	if err != nil {
		return fmt.Errorf("import batch failed: %w", err)
	}

	pipelineResult, err := processor.ProcessPipelineJobs(ctx)
	if err != nil {
		return fmt.Errorf("pipeline batch failed: %w", err)
	}

	logger.Info().
		Int("processed", importResult.Processed).
		Int("succeeded", importResult.Succeeded).
		Int("failed", importResult.Failed).
		Msg("Import batch done")
	logger.Info().
		Int("claimed", pipelineResult.Claimed).
		Int("succeeded", pipelineResult.Succeeded).
		Int("requeued", pipelineResult.Requeued).
		Int("dead_letter", pipelineResult.DeadLetter).
		Int("cancelled", pipelineResult.Cancelled).
		Int("released", pipelineResult.Released).
		Msg("Pipeline batch done")

	return nil
}
