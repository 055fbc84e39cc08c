package webhooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/creatorhub/pipeline-service/internal/database"
	"github.com/creatorhub/pipeline-service/internal/jobs"
)

// flakyJobStore wraps the real store and fails Create on demand, standing
// in for a transient failure inside the side effect.
type flakyJobStore struct {
	inner   *jobs.Store
	fail    bool
	created int
}

func (f *flakyJobStore) CreateTx(ctx context.Context, tx pgx.Tx, input jobs.CreateJobInput) (string, error) {
	if f.fail {
		return "", errors.New("injected job store failure")
	}
	f.created++
	return f.inner.CreateTx(ctx, tx, input)
}

func setupWebhookTest(t *testing.T) (context.Context, *pgxpool.Pool, *Processor, *flakyJobStore) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp").
					WithStartupTimeout(60*time.Second),
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(1).
					WithStartupTimeout(60*time.Second),
			),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, database.RunMigrations(ctx, pool))

	jobStore := &flakyJobStore{inner: jobs.NewStore(pool)}
	processor := NewProcessor(pool, jobStore, testSecret, 5*time.Minute, zerolog.Nop())

	return ctx, pool, processor, jobStore
}

func checkoutEvent(eventID string) []byte {
	return []byte(`{
		"id": "` + eventID + `",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_test_1",
			"client_reference_id": "cr_1",
			"customer_email": "buyer@example.com",
			"amount_total": 2900
		}}
	}`)
}

func signed(payload []byte) string {
	return SignPayload(payload, testSecret, time.Now())
}

func TestProcessCheckoutSession(t *testing.T) {
	ctx, pool, processor, jobStore := setupWebhookTest(t)

	payload := checkoutEvent("evt_1")
	outcome, err := processor.Process(ctx, payload, signed(payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	var email string
	var amount int64
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT customer_email, amount_cents FROM purchases WHERE stripe_session_id = 'cs_test_1'
	`).Scan(&email, &amount))
	assert.Equal(t, "buyer@example.com", email)
	assert.Equal(t, int64(2900), amount)

	assert.Equal(t, 1, jobStore.created, "welcome email queued")
}

func TestProcessRejectsBadSignature(t *testing.T) {
	ctx, pool, processor, _ := setupWebhookTest(t)

	payload := checkoutEvent("evt_1")
	_, err := processor.Process(ctx, payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM stripe_events`).Scan(&count))
	assert.Zero(t, count, "unverified events are never recorded")
}

func TestProcessDuplicateDelivery(t *testing.T) {
	ctx, pool, processor, jobStore := setupWebhookTest(t)

	payload := checkoutEvent("evt_1")
	_, err := processor.Process(ctx, payload, signed(payload))
	require.NoError(t, err)

	outcome, err := processor.Process(ctx, payload, signed(payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	var purchases int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM purchases`).Scan(&purchases))
	assert.Equal(t, 1, purchases)
	assert.Equal(t, 1, jobStore.created, "side effect applied exactly once")
}

func TestProcessFailedSideEffectRetriesOnRedelivery(t *testing.T) {
	ctx, pool, processor, jobStore := setupWebhookTest(t)

	payload := checkoutEvent("evt_1")

	// First delivery: purchase insert succeeds but the email job fails.
	jobStore.fail = true
	_, err := processor.Process(ctx, payload, signed(payload))
	require.ErrorIs(t, err, ErrProcessingFailed)

	var status string
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT processing_status FROM stripe_events WHERE event_id = 'evt_1'
	`).Scan(&status))
	assert.Equal(t, "failed", status)

	// The failed transaction rolled back the purchase with the job.
	var purchases int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM purchases`).Scan(&purchases))
	assert.Zero(t, purchases)

	// Redelivery after the fault clears: the failed row does not
	// short-circuit, and both writes land together.
	jobStore.fail = false
	outcome, err := processor.Process(ctx, payload, signed(payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM purchases`).Scan(&purchases))
	assert.Equal(t, 1, purchases)
	assert.Equal(t, 1, jobStore.created)

	var jobCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE job_type = 'send_welcome_email'`).Scan(&jobCount))
	assert.Equal(t, 1, jobCount)
}

func TestProcessIgnoresUnhandledEventTypes(t *testing.T) {
	ctx, _, processor, jobStore := setupWebhookTest(t)

	payload := []byte(`{"id": "evt_other", "type": "invoice.paid", "data": {"object": {}}}`)
	outcome, err := processor.Process(ctx, payload, signed(payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)
	assert.Zero(t, jobStore.created)
}
