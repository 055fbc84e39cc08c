package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/creatorhub/pipeline-service/internal/jobs"
	"github.com/creatorhub/pipeline-service/internal/worker"
)

// ProcessResponse represents the result of one trigger invocation
type ProcessResponse struct {
	ImportJobs   jobs.BatchResult           `json:"importJobs"`
	PipelineJobs worker.PipelineBatchResult `json:"pipelineJobs"`
}

// ProcessHandler drives one batch of each job family per invocation. The
// external scheduler hits this on an interval; overlapping invocations are
// safe because every claim goes through the database.
type ProcessHandler struct {
	processor *worker.Processor
	logger    zerolog.Logger
}

func NewProcessHandler(processor *worker.Processor, logger zerolog.Logger) *ProcessHandler {
	return &ProcessHandler{
		processor: processor,
		logger:    logger.With().Str("component", "process_handler").Logger(),
	}
}

// Process runs one import batch and one pipeline batch concurrently.
// Individual job failures are absorbed into the batch counters; only an
// orchestration failure (claim query errors and the like) maps to 500.
func (h *ProcessHandler) Process(c *gin.Context) {
	ctx := c.Request.Context()

	var response ProcessResponse
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		res, err := h.processor.ProcessImportJobs(gctx)
		response.ImportJobs = res
		return err
	})
	g.Go(func() error {
		res, err := h.processor.ProcessPipelineJobs(gctx)
		response.PipelineJobs = res
		return err
	})

	if err := g.Wait(); err != nil {
		h.logger.Error().Err(err).Msg("Batch processing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "batch processing failed"})
		return
	}

	h.logger.Info().
		Int("import_processed", response.ImportJobs.Processed).
		Int("pipeline_claimed", response.PipelineJobs.Claimed).
		Msg("Processed job batches")

	c.JSON(http.StatusOK, response)
}
