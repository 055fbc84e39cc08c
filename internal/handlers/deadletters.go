package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/creatorhub/pipeline-service/internal/pipelinequeue"
	"github.com/creatorhub/pipeline-service/internal/pkg/cuid2"
	"github.com/creatorhub/pipeline-service/internal/runs"
)

// DeadLetterEntry represents a dead letter response
type DeadLetterEntry struct {
	RunID        string          `json:"runId"`
	CreatorID    string          `json:"creatorId"`
	FailedStep   *string         `json:"failedStep"`
	ErrorMessage *string         `json:"errorMessage"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"status"`
	ReplayCount  int             `json:"replayCount"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// DeadLettersHandler inspects and replays quarantined runs.
type DeadLettersHandler struct {
	store  *runs.DeadLetterStore
	guard  *runs.Guard
	queue  *pipelinequeue.Queue
	logger zerolog.Logger
}

func NewDeadLettersHandler(store *runs.DeadLetterStore, guard *runs.Guard, queue *pipelinequeue.Queue, logger zerolog.Logger) *DeadLettersHandler {
	return &DeadLettersHandler{
		store:  store,
		guard:  guard,
		queue:  queue,
		logger: logger.With().Str("component", "dead_letters_handler").Logger(),
	}
}

// List returns dead letters, optionally filtered by status
func (h *DeadLettersHandler) List(c *gin.Context) {
	status := runs.DeadLetterStatus(c.Query("status"))

	letters, err := h.store.List(c.Request.Context(), status, 50)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list dead letters")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list dead letters"})
		return
	}

	response := make([]DeadLetterEntry, 0, len(letters))
	for _, letter := range letters {
		response = append(response, DeadLetterEntry{
			RunID:        letter.RunID,
			CreatorID:    letter.CreatorID,
			FailedStep:   letter.FailedStep,
			ErrorMessage: letter.ErrorMessage,
			Payload:      letter.Payload,
			Status:       string(letter.Status),
			ReplayCount:  letter.ReplayCount,
			CreatedAt:    letter.CreatedAt,
			UpdatedAt:    letter.UpdatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"deadLetters": response, "count": len(response)})
}

// Replay re-enqueues the dead-lettered creator under a fresh run id. The
// original run's dead letter is marked replayed; the new run gets a full
// attempt budget and the creator token, so whatever the operator fixed
// gets a clean retry.
func (h *DeadLettersHandler) Replay(c *gin.Context) {
	runID := c.Param("runId")
	ctx := c.Request.Context()

	letter, err := h.store.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, runs.ErrDeadLetterNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "dead letter not found"})
			return
		}
		h.logger.Error().Err(err).Msg("Failed to load dead letter")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load dead letter"})
		return
	}

	if err := h.store.MarkReplayed(ctx, runID); err != nil {
		h.logger.Error().Err(err).Msg("Failed to mark dead letter replayed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark dead letter replayed"})
		return
	}

	newRunID := cuid2.NewOpaque("run")
	if err := h.guard.TakeOwnership(ctx, letter.CreatorID, newRunID); err != nil {
		h.logger.Error().Err(err).Msg("Failed to take run ownership for replay")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to take run ownership"})
		return
	}

	jobID, err := h.queue.Enqueue(ctx, pipelinequeue.EnqueueInput{
		CreatorID: letter.CreatorID,
		RunID:     newRunID,
		Trigger:   pipelinequeue.TriggerDLQReplay,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to enqueue replay run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue replay"})
		return
	}

	h.logger.Info().
		Str("dead_letter_run_id", runID).
		Str("replay_run_id", newRunID).
		Str("creator_id", letter.CreatorID).
		Msg("Dead letter replayed")

	c.JSON(http.StatusAccepted, gin.H{
		"replayedRunId": runID,
		"newRunId":      newRunID,
		"jobId":         jobID,
	})
}

// Ignore closes a dead letter without replaying it
func (h *DeadLettersHandler) Ignore(c *gin.Context) {
	runID := c.Param("runId")

	if err := h.store.Ignore(c.Request.Context(), runID); err != nil {
		if errors.Is(err, runs.ErrDeadLetterNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "dead letter not found"})
			return
		}
		h.logger.Error().Err(err).Msg("Failed to ignore dead letter")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ignore dead letter"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"runId": runID, "status": "ignored"})
}
