package pipelinequeue

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/creatorhub/pipeline-service/internal/database"
)

// setupQueueTest starts a throwaway postgres, runs migrations and seeds one
// creator. Every test gets its own container so claim-state never leaks.
func setupQueueTest(t *testing.T) (context.Context, *pgxpool.Pool, *Queue) {
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

	_, err = pool.Exec(ctx, `
		INSERT INTO creators (id, handle) VALUES ('cr_1', 'somecreator')
	`)
	require.NoError(t, err)

	return ctx, pool, New(pool, BackoffPolicy{Base: 30 * time.Second, Cap: 15 * time.Minute})
}

func TestEnqueueIdempotentPerRun(t *testing.T) {
	ctx, _, queue := setupQueueTest(t)

	first, err := queue.Enqueue(ctx, EnqueueInput{
		CreatorID: "cr_1", Handle: "somecreator", RunID: "run_1", Trigger: TriggerOnboarding,
	})
	require.NoError(t, err)

	second, err := queue.Enqueue(ctx, EnqueueInput{
		CreatorID: "cr_1", Handle: "somecreator", RunID: "run_1", Trigger: TriggerOnboarding,
	})
	require.NoError(t, err)
	assert.Equal(t, first, second, "duplicate enqueue for the same run returns the existing row")
}

func TestEnqueueCancelsOlderQueuedRun(t *testing.T) {
	ctx, _, queue := setupQueueTest(t)

	oldID, err := queue.Enqueue(ctx, EnqueueInput{
		CreatorID: "cr_1", Handle: "somecreator", RunID: "run_old", Trigger: TriggerOnboarding,
	})
	require.NoError(t, err)

	_, err = queue.Enqueue(ctx, EnqueueInput{
		CreatorID: "cr_1", Handle: "somecreator", RunID: "run_new", Trigger: TriggerManualRetry,
	})
	require.NoError(t, err)

	oldJob, err := queue.Get(ctx, oldID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, oldJob.Status)

	newJob, err := queue.GetByRunID(ctx, "run_new")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, newJob.Status)
}

func TestEnqueueBackfillsHandleFromCreator(t *testing.T) {
	ctx, _, queue := setupQueueTest(t)

	_, err := queue.Enqueue(ctx, EnqueueInput{
		CreatorID: "cr_1", RunID: "run_replay", Trigger: TriggerDLQReplay,
	})
	require.NoError(t, err)

	job, err := queue.GetByRunID(ctx, "run_replay")
	require.NoError(t, err)
	assert.Equal(t, "somecreator", job.Handle)
}

func TestClaimJobsMutualExclusion(t *testing.T) {
	ctx, _, queue := setupQueueTest(t)

	_, err := queue.Enqueue(ctx, EnqueueInput{
		CreatorID: "cr_1", Handle: "somecreator", RunID: "run_1", Trigger: TriggerOnboarding,
	})
	require.NoError(t, err)

	first, err := queue.ClaimJobs(ctx, 5, "worker-a", 300)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, StatusRunning, first[0].Status)
	require.NotNil(t, first[0].WorkerID)
	assert.Equal(t, "worker-a", *first[0].WorkerID)

	// A second worker claiming immediately after sees nothing.
	second, err := queue.ClaimJobs(ctx, 5, "worker-b", 300)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestClaimSkipsFutureNextAttempt(t *testing.T) {
	ctx, pool, queue := setupQueueTest(t)

	_, err := queue.Enqueue(ctx, EnqueueInput{
		CreatorID: "cr_1", Handle: "somecreator", RunID: "run_1", Trigger: TriggerOnboarding,
	})
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `
		UPDATE pipeline_jobs SET next_attempt_at = NOW() + INTERVAL '10 minutes' WHERE run_id = 'run_1'
	`)
	require.NoError(t, err)

	claimed, err := queue.ClaimJobs(ctx, 5, "worker-a", 300)
	require.NoError(t, err)
	assert.Empty(t, claimed, "backed-off rows are invisible until next_attempt_at")
}

func TestReleaseExpiredMakesRowClaimableAgain(t *testing.T) {
	ctx, pool, queue := setupQueueTest(t)

	_, err := queue.Enqueue(ctx, EnqueueInput{
		CreatorID: "cr_1", Handle: "somecreator", RunID: "run_1", Trigger: TriggerOnboarding,
	})
	require.NoError(t, err)

	claimed, err := queue.ClaimJobs(ctx, 5, "worker-a", 300)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Force the lease into the past instead of sleeping.
	_, err = pool.Exec(ctx, `
		UPDATE pipeline_jobs SET lock_expires_at = NOW() - INTERVAL '1 second' WHERE run_id = 'run_1'
	`)
	require.NoError(t, err)

	released, err := queue.ReleaseExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	reclaimed, err := queue.ClaimJobs(ctx, 5, "worker-b", 300)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "run_1", reclaimed[0].RunID)
}

func TestCompleteRequiresLease(t *testing.T) {
	ctx, _, queue := setupQueueTest(t)

	_, err := queue.Enqueue(ctx, EnqueueInput{
		CreatorID: "cr_1", Handle: "somecreator", RunID: "run_1", Trigger: TriggerOnboarding,
	})
	require.NoError(t, err)

	claimed, err := queue.ClaimJobs(ctx, 5, "worker-a", 300)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// The wrong worker cannot commit success.
	err = queue.Complete(ctx, claimed[0].ID, "worker-b")
	assert.ErrorIs(t, err, ErrLockLost)

	require.NoError(t, queue.Complete(ctx, claimed[0].ID, "worker-a"))

	job, err := queue.Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, job.Status)

	// A second commit finds no running row.
	err = queue.Complete(ctx, claimed[0].ID, "worker-a")
	assert.ErrorIs(t, err, ErrLockLost)
}

func TestFailRequiresLease(t *testing.T) {
	ctx, pool, queue := setupQueueTest(t)

	_, err := queue.Enqueue(ctx, EnqueueInput{
		CreatorID: "cr_1", Handle: "somecreator", RunID: "run_1", Trigger: TriggerOnboarding,
	})
	require.NoError(t, err)

	claimed, err := queue.ClaimJobs(ctx, 5, "worker-a", 300)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// worker-a's lease expires mid-run and the row is reclaimed by
	// worker-b before worker-a reports its failure.
	_, err = pool.Exec(ctx, `
		UPDATE pipeline_jobs SET lock_expires_at = NOW() - INTERVAL '1 second' WHERE run_id = 'run_1'
	`)
	require.NoError(t, err)

	released, err := queue.ReleaseExpired(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	reclaimed, err := queue.ClaimJobs(ctx, 5, "worker-b", 300)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	_, err = queue.Fail(ctx, claimed[0].ID, "worker-a", "stale verdict")
	assert.ErrorIs(t, err, ErrLockLost)

	// worker-b's lease is untouched and no third worker can claim the row.
	job, err := queue.Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, job.Status)
	require.NotNil(t, job.WorkerID)
	assert.Equal(t, "worker-b", *job.WorkerID)
	assert.Equal(t, reclaimed[0].Attempts, job.Attempts, "a lost lease does not burn an attempt")

	third, err := queue.ClaimJobs(ctx, 5, "worker-c", 300)
	require.NoError(t, err)
	assert.Empty(t, third)

	// The live holder can still record the failure.
	outcome, err := queue.Fail(ctx, claimed[0].ID, "worker-b", "stage exploded")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, outcome.Status)
}

func TestFailBacksOffThenDeadLetters(t *testing.T) {
	ctx, pool, queue := setupQueueTest(t)

	_, err := queue.Enqueue(ctx, EnqueueInput{
		CreatorID: "cr_1", Handle: "somecreator", RunID: "run_1",
		Trigger: TriggerOnboarding, MaxAttempts: 3,
	})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := queue.ClaimJobs(ctx, 5, "worker-a", 300)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)

		outcome, err := queue.Fail(ctx, claimed[0].ID, "worker-a", "stage exploded")
		require.NoError(t, err)
		assert.Equal(t, attempt, outcome.Attempts)

		if attempt < 3 {
			assert.Equal(t, StatusQueued, outcome.Status)

			job, err := queue.Get(ctx, claimed[0].ID)
			require.NoError(t, err)
			assert.True(t, job.NextAttemptAt.After(time.Now()), "requeued with a delay")
			assert.Nil(t, job.WorkerID, "lease cleared on failure")

			// Collapse the backoff so the next claim sees the row.
			_, err = pool.Exec(ctx, `UPDATE pipeline_jobs SET next_attempt_at = NOW() WHERE id = $1`, claimed[0].ID)
			require.NoError(t, err)
		} else {
			assert.Equal(t, StatusDeadLetter, outcome.Status)
		}
	}

	claimed, err := queue.ClaimJobs(ctx, 5, "worker-a", 300)
	require.NoError(t, err)
	assert.Empty(t, claimed, "dead-lettered rows are never claimed")
}

func TestFailBackoffGrowsWithAttempts(t *testing.T) {
	ctx, pool, queue := setupQueueTest(t)

	_, err := queue.Enqueue(ctx, EnqueueInput{
		CreatorID: "cr_1", Handle: "somecreator", RunID: "run_1",
		Trigger: TriggerOnboarding, MaxAttempts: 4,
	})
	require.NoError(t, err)

	var prevDelay time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := queue.ClaimJobs(ctx, 5, "worker-a", 300)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		before := time.Now()
		_, err = queue.Fail(ctx, claimed[0].ID, "worker-a", "still broken")
		require.NoError(t, err)

		job, err := queue.Get(ctx, claimed[0].ID)
		require.NoError(t, err)
		delay := job.NextAttemptAt.Sub(before)
		assert.Greater(t, delay, prevDelay, "attempt %d backs off longer than attempt %d", attempt, attempt-1)
		prevDelay = delay

		_, err = pool.Exec(ctx, `UPDATE pipeline_jobs SET next_attempt_at = NOW() WHERE id = $1`, claimed[0].ID)
		require.NoError(t, err)
	}
}
