// Package alert delivers best-effort outbound notifications for
// dead-lettered runs. Delivery never blocks the caller and failures are
// logged, not propagated.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/creatorhub/pipeline-service/internal/metrics"
)

// Notifier posts dead-letter alerts to a configured webhook URL. A nil
// URL disables alerting entirely. The limiter bounds outbound traffic when
// a burst of runs dead-letters at once.
type Notifier struct {
	webhookURL string
	client     *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

func NewNotifier(webhookURL string, timeout time.Duration, logger zerolog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 5),
		logger:     logger.With().Str("component", "alert").Logger(),
	}
}

type deadLetterAlert struct {
	Kind         string    `json:"kind"`
	RunID        string    `json:"runId"`
	CreatorID    string    `json:"creatorId"`
	FailedStep   string    `json:"failedStep"`
	ErrorMessage string    `json:"error"`
	At           time.Time `json:"at"`
}

// NotifyDeadLetter fires the alert in the background. Dropped silently
// (with a log line) when no webhook is configured, the rate limit is
// exceeded or delivery fails.
func (n *Notifier) NotifyDeadLetter(runID, creatorID, failedStep, errMsg string) {
	if n.webhookURL == "" {
		return
	}
	if !n.limiter.Allow() {
		n.logger.Warn().Str("run_id", runID).Msg("Alert dropped: rate limited")
		metrics.DeadLetterAlerts.WithLabelValues("dropped").Inc()
		return
	}

	payload := deadLetterAlert{
		Kind:         "pipeline.dead_letter",
		RunID:        runID,
		CreatorID:    creatorID,
		FailedStep:   failedStep,
		ErrorMessage: errMsg,
		At:           time.Now().UTC(),
	}

	go func() {
		if err := n.post(payload); err != nil {
			n.logger.Warn().Str("run_id", runID).Err(err).Msg("Failed to deliver alert")
			metrics.DeadLetterAlerts.WithLabelValues("dropped").Inc()
			return
		}
		metrics.DeadLetterAlerts.WithLabelValues("sent").Inc()
	}()
}

func (n *Notifier) post(payload deadLetterAlert) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert endpoint returned %d", resp.StatusCode)
	}
	return nil
}
