package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/creatorhub/pipeline-service/internal/webhooks"
)

const maxWebhookBodyBytes = 1 << 20

// StripeWebhookHandler receives signed events from the payment provider.
type StripeWebhookHandler struct {
	processor *webhooks.Processor
	logger    zerolog.Logger
}

func NewStripeWebhookHandler(processor *webhooks.Processor, logger zerolog.Logger) *StripeWebhookHandler {
	return &StripeWebhookHandler{
		processor: processor,
		logger:    logger.With().Str("component", "stripe_webhook").Logger(),
	}
}

// Handle verifies and processes one webhook delivery. A failed side effect
// returns 500 so the provider redelivers; the dedup row keyed on the event
// id makes the redelivery safe.
func (h *StripeWebhookHandler) Handle(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	outcome, err := h.processor.Process(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, webhooks.ErrInvalidSignature):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		case errors.Is(err, webhooks.ErrProcessingFailed):
			c.JSON(http.StatusInternalServerError, gin.H{"error": "event processing failed"})
		default:
			h.logger.Error().Err(err).Msg("Webhook processing error")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": string(outcome)})
}
