// Package webhooks processes externally delivered payment events with
// at-most-once side effects. The upstream sender delivers at-least-once;
// a dedup table keyed by the sender's own event id absorbs the overlap.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/creatorhub/pipeline-service/internal/jobs"
	"github.com/creatorhub/pipeline-service/internal/metrics"
	"github.com/creatorhub/pipeline-service/internal/pkg/cuid2"
)

// ErrProcessingFailed means the side effect failed after the dedup row was
// written. The HTTP handler must answer with a server error so the sender
// redelivers; the existing row makes the redelivery safe.
var ErrProcessingFailed = errors.New("webhook processing failed")

// Event is the envelope of a delivered event.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// CheckoutSession is the payload of checkout.session.completed.
type CheckoutSession struct {
	ID                string `json:"id"`
	ClientReferenceID string `json:"client_reference_id"` // creator id
	CustomerEmail     string `json:"customer_email"`
	AmountTotal       int64  `json:"amount_total"`
}

// Outcome reports what Process did with a delivery.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
)

type jobCreator interface {
	CreateTx(ctx context.Context, tx pgx.Tx, input jobs.CreateJobInput) (string, error)
}

// Processor verifies, dedups and applies webhook events.
type Processor struct {
	pool      *pgxpool.Pool
	jobStore  jobCreator
	secret    string
	tolerance time.Duration
	logger    zerolog.Logger

	// now is swappable for tests
	now func() time.Time
}

func NewProcessor(pool *pgxpool.Pool, jobStore jobCreator, secret string, tolerance time.Duration, logger zerolog.Logger) *Processor {
	return &Processor{
		pool:      pool,
		jobStore:  jobStore,
		secret:    secret,
		tolerance: tolerance,
		logger:    logger.With().Str("component", "webhooks").Logger(),
		now:       time.Now,
	}
}

// Process handles one delivery: verify signature, dedup by event id,
// record, apply the side effect, update the record.
//
// An event whose previous delivery reached 'processed' is acknowledged
// without reprocessing. A 'received' or 'failed' row means the side effect
// never completed, so redelivery runs it again; every side effect is an
// upsert keyed by external ids, which is what makes that safe.
func (p *Processor) Process(ctx context.Context, payload []byte, sigHeader string) (Outcome, error) {
	if err := VerifySignature(payload, sigHeader, p.secret, p.tolerance, p.now()); err != nil {
		metrics.WebhookEvents.WithLabelValues("invalid_signature").Inc()
		return "", err
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return "", fmt.Errorf("failed to parse event: %w", err)
	}
	if event.ID == "" {
		return "", fmt.Errorf("event has no id")
	}

	// Dedup: the insert either creates the row or tells us a previous
	// delivery already completed.
	var status string
	err := p.pool.QueryRow(ctx, `
		INSERT INTO stripe_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO UPDATE SET event_type = stripe_events.event_type
		RETURNING processing_status
	`, event.ID, event.Type).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("failed to record event: %w", err)
	}
	if status == "processed" {
		p.logger.Info().Str("event_id", event.ID).Msg("Duplicate event, already processed")
		metrics.WebhookEvents.WithLabelValues("duplicate").Inc()
		return OutcomeDuplicate, nil
	}

	if err := p.applySideEffect(ctx, event); err != nil {
		p.markEvent(ctx, event.ID, "failed", err.Error())
		metrics.WebhookEvents.WithLabelValues("failed").Inc()
		p.logger.Error().Str("event_id", event.ID).Err(err).Msg("Webhook side effect failed")
		return "", fmt.Errorf("%w: %v", ErrProcessingFailed, err)
	}

	p.markEvent(ctx, event.ID, "processed", "")
	metrics.WebhookEvents.WithLabelValues("processed").Inc()
	return OutcomeProcessed, nil
}

func (p *Processor) applySideEffect(ctx context.Context, event Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Object, &session); err != nil {
			return fmt.Errorf("failed to parse checkout session: %w", err)
		}
		return p.recordPurchase(ctx, session)
	default:
		// Unhandled event types are acknowledged without side effects.
		p.logger.Debug().Str("event_type", event.Type).Msg("Ignoring unhandled event type")
		return nil
	}
}

// recordPurchase writes the purchase and queues the welcome email in one
// transaction. The purchase upsert is keyed by the checkout session id and
// the email job commits with it, so a reprocessed delivery can neither
// double-record the purchase nor lose the email.
func (p *Processor) recordPurchase(ctx context.Context, session CheckoutSession) error {
	if session.ClientReferenceID == "" {
		return fmt.Errorf("checkout session %s has no creator reference", session.ID)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	purchaseID := cuid2.New("pur")
	var inserted bool
	err = tx.QueryRow(ctx, `
		INSERT INTO purchases (id, creator_id, customer_email, stripe_session_id, amount_cents)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (stripe_session_id) DO NOTHING
		RETURNING TRUE
	`, purchaseID, session.ClientReferenceID, session.CustomerEmail, session.ID, session.AmountTotal).Scan(&inserted)
	if err != nil {
		// No row returned means the purchase already exists; the email
		// job committed with the delivery that inserted it.
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to record purchase: %w", err)
	}

	_, err = p.jobStore.CreateTx(ctx, tx, jobs.CreateJobInput{
		Type:    jobs.TypeSendWelcomeEmail,
		OwnerID: session.ClientReferenceID,
		Payload: jobs.SendWelcomeEmailPayload{
			CreatorID:  session.ClientReferenceID,
			Email:      session.CustomerEmail,
			PurchaseID: purchaseID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to queue welcome email: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit purchase: %w", err)
	}
	return nil
}

func (p *Processor) markEvent(ctx context.Context, eventID, status, errMsg string) {
	var errPtr *string
	if errMsg != "" {
		errPtr = &errMsg
	}
	_, err := p.pool.Exec(ctx, `
		UPDATE stripe_events
		SET processing_status = $2, error_message = $3, processed_at = NOW()
		WHERE event_id = $1
	`, eventID, status, errPtr)
	if err != nil {
		p.logger.Error().Str("event_id", eventID).Err(err).Msg("Failed to update event status")
	}
}
