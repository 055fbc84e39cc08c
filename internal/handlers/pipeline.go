package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/creatorhub/pipeline-service/internal/pipeline"
	"github.com/creatorhub/pipeline-service/internal/pipelinequeue"
	"github.com/creatorhub/pipeline-service/internal/pkg/cuid2"
	"github.com/creatorhub/pipeline-service/internal/runs"
)

// StartPipelineRequest represents the body for starting a pipeline run
type StartPipelineRequest struct {
	Handle  string `json:"handle" binding:"required"`
	Trigger string `json:"trigger"`
}

// StartPipelineResponse represents the response for starting a pipeline run
type StartPipelineResponse struct {
	RunID     string `json:"runId"`
	JobID     string `json:"jobId"`
	CreatorID string `json:"creatorId"`
	Trigger   string `json:"trigger"`
}

// PipelineHandler starts and inspects pipeline runs for a creator.
type PipelineHandler struct {
	store  *pipeline.Store
	guard  *runs.Guard
	queue  *pipelinequeue.Queue
	logger zerolog.Logger
}

func NewPipelineHandler(store *pipeline.Store, guard *runs.Guard, queue *pipelinequeue.Queue, logger zerolog.Logger) *PipelineHandler {
	return &PipelineHandler{
		store:  store,
		guard:  guard,
		queue:  queue,
		logger: logger.With().Str("component", "pipeline_handler").Logger(),
	}
}

// Start mints a run id, hands the creator token to it and enqueues the
// job. Taking ownership before enqueueing means any in-flight older run
// sees the supersession at its next guard check; its queue row is
// cancelled by the enqueue itself.
func (h *PipelineHandler) Start(c *gin.Context) {
	creatorID := c.Param("creatorId")

	var req StartPipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	trigger := pipelinequeue.Trigger(req.Trigger)
	switch trigger {
	case pipelinequeue.TriggerOnboarding, pipelinequeue.TriggerManualRetry:
	case "":
		trigger = pipelinequeue.TriggerManualRetry
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "trigger must be onboarding or manual_retry"})
		return
	}

	ctx := c.Request.Context()

	if _, err := h.store.EnsureCreator(ctx, creatorID, req.Handle); err != nil {
		h.logger.Error().Err(err).Str("creator_id", creatorID).Msg("Failed to ensure creator")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to prepare creator"})
		return
	}

	runID := cuid2.NewOpaque("run")
	if err := h.guard.TakeOwnership(ctx, creatorID, runID); err != nil {
		h.logger.Error().Err(err).Str("creator_id", creatorID).Msg("Failed to take run ownership")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to take run ownership"})
		return
	}

	jobID, err := h.queue.Enqueue(ctx, pipelinequeue.EnqueueInput{
		CreatorID: creatorID,
		Handle:    req.Handle,
		RunID:     runID,
		Trigger:   trigger,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("creator_id", creatorID).Msg("Failed to enqueue pipeline job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue pipeline job"})
		return
	}

	h.logger.Info().
		Str("creator_id", creatorID).
		Str("run_id", runID).
		Str("job_id", jobID).
		Str("trigger", string(trigger)).
		Msg("Pipeline run enqueued")

	c.JSON(http.StatusAccepted, StartPipelineResponse{
		RunID:     runID,
		JobID:     jobID,
		CreatorID: creatorID,
		Trigger:   string(trigger),
	})
}

// Status returns the creator's pipeline state and current queue row.
func (h *PipelineHandler) Status(c *gin.Context) {
	creatorID := c.Param("creatorId")
	ctx := c.Request.Context()

	creator, err := h.store.GetCreator(ctx, creatorID)
	if err != nil {
		if errors.Is(err, pipeline.ErrCreatorNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "creator not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load creator"})
		return
	}

	response := gin.H{
		"creatorId":      creator.ID,
		"handle":         creator.Handle,
		"pipelineStatus": string(creator.Status),
	}
	if creator.PipelineRunID != nil {
		response["pipelineRunId"] = *creator.PipelineRunID

		if job, err := h.queue.GetByRunID(ctx, *creator.PipelineRunID); err == nil && job != nil {
			response["job"] = gin.H{
				"id":       job.ID,
				"status":   string(job.Status),
				"attempts": job.Attempts,
				"trigger":  string(job.Trigger),
			}
		}
	}

	c.JSON(http.StatusOK, response)
}
