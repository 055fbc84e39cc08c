package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/creatorhub/pipeline-service/internal/runs"
)

// ListRunsRequest represents query parameters for listing pipeline runs
type ListRunsRequest struct {
	CreatorID string `form:"creatorId" json:"creatorId"`
	Status    string `form:"status" json:"status"`
	Limit     int    `form:"limit" json:"limit" binding:"min=0,max=100"`
}

// PipelineRun represents a pipeline run response
type PipelineRun struct {
	RunID           string          `json:"runId"`
	CreatorID       string          `json:"creatorId"`
	Status          string          `json:"status"`
	Trigger         string          `json:"trigger"`
	CurrentStep     *string         `json:"currentStep"`
	AttemptCount    int             `json:"attemptCount"`
	Metrics         json.RawMessage `json:"metrics"`
	ErrorMessage    *string         `json:"errorMessage"`
	StartedAt       time.Time       `json:"startedAt"`
	LastHeartbeatAt time.Time       `json:"lastHeartbeatAt"`
	FinishedAt      *time.Time      `json:"finishedAt"`
}

// RunsHandler exposes the run registry for inspection.
type RunsHandler struct {
	registry *runs.Registry
	logger   zerolog.Logger
}

func NewRunsHandler(registry *runs.Registry, logger zerolog.Logger) *RunsHandler {
	return &RunsHandler{
		registry: registry,
		logger:   logger.With().Str("component", "runs_handler").Logger(),
	}
}

// List returns pipeline runs with optional creator and status filters
func (h *RunsHandler) List(c *gin.Context) {
	var req ListRunsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Limit == 0 {
		req.Limit = 20
	}

	result, err := h.registry.List(c.Request.Context(), req.CreatorID, runs.RunStatus(req.Status), req.Limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}

	response := make([]PipelineRun, 0, len(result))
	for _, run := range result {
		response = append(response, toPipelineRun(run))
	}

	c.JSON(http.StatusOK, gin.H{"runs": response, "count": len(response)})
}

// Get returns a single run by id
func (h *RunsHandler) Get(c *gin.Context) {
	run, err := h.registry.Get(c.Request.Context(), c.Param("runId"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		h.logger.Error().Err(err).Msg("Failed to load run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
		return
	}

	c.JSON(http.StatusOK, toPipelineRun(*run))
}

func toPipelineRun(run runs.Run) PipelineRun {
	return PipelineRun{
		RunID:           run.RunID,
		CreatorID:       run.CreatorID,
		Status:          string(run.Status),
		Trigger:         run.Trigger,
		CurrentStep:     run.CurrentStep,
		AttemptCount:    run.AttemptCount,
		Metrics:         run.Metrics,
		ErrorMessage:    run.ErrorMessage,
		StartedAt:       run.StartedAt,
		LastHeartbeatAt: run.LastHeartbeatAt,
		FinishedAt:      run.FinishedAt,
	}
}
