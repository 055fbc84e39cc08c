package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorhub/pipeline-service/internal/jobs"
	"github.com/creatorhub/pipeline-service/internal/pipeline"
	"github.com/creatorhub/pipeline-service/internal/pipelinequeue"
	"github.com/creatorhub/pipeline-service/internal/runs"
)

// fakeQueue hands out a fixed claim batch and records transitions.
type fakeQueue struct {
	jobs        []pipelinequeue.Job
	released    int
	completed   []string
	completeErr error
	failed      []string
	failOutcome pipelinequeue.FailOutcome
	failErr     error
	cancelled   []string
}

func (q *fakeQueue) ReleaseExpired(ctx context.Context, limit int) (int, error) {
	return q.released, nil
}

func (q *fakeQueue) ClaimJobs(ctx context.Context, limit int, workerID string, leaseSeconds int) ([]pipelinequeue.Job, error) {
	if len(q.jobs) > limit {
		return q.jobs[:limit], nil
	}
	return q.jobs, nil
}

func (q *fakeQueue) Complete(ctx context.Context, jobID, workerID string) error {
	if q.completeErr != nil {
		return q.completeErr
	}
	q.completed = append(q.completed, jobID)
	return nil
}

func (q *fakeQueue) Fail(ctx context.Context, jobID, workerID, errMsg string) (pipelinequeue.FailOutcome, error) {
	if q.failErr != nil {
		return pipelinequeue.FailOutcome{}, q.failErr
	}
	q.failed = append(q.failed, jobID)
	return q.failOutcome, nil
}

func (q *fakeQueue) Cancel(ctx context.Context, jobID, reason string) error {
	q.cancelled = append(q.cancelled, jobID)
	return nil
}

type fakeRegistry struct {
	began      []string
	completed  []string
	failed     []string
	superseded []string
}

func (r *fakeRegistry) Begin(ctx context.Context, runID, creatorID, trigger string) error {
	r.began = append(r.began, runID)
	return nil
}

func (r *fakeRegistry) Complete(ctx context.Context, runID string, runMetrics interface{}) error {
	r.completed = append(r.completed, runID)
	return nil
}

func (r *fakeRegistry) Fail(ctx context.Context, runID, creatorID, failedStep, errMsg string, payload interface{}) error {
	r.failed = append(r.failed, runID)
	return nil
}

func (r *fakeRegistry) MarkSuperseded(ctx context.Context, runID, creatorID, details string) error {
	r.superseded = append(r.superseded, runID)
	return nil
}

// staticGuard supersedes specific runs, optionally only from the Nth check
// on (to exercise the post-run re-check).
type staticGuard struct {
	supersededRuns map[string]bool
	afterCheck     int
	checks         int
}

func (g *staticGuard) Check(ctx context.Context, creatorID, runID string) error {
	g.checks++
	if g.supersededRuns[runID] && g.checks > g.afterCheck {
		return runs.ErrSuperseded
	}
	return nil
}

type fakeBody struct {
	result *pipeline.Result
	err    error
	panics bool
	ran    []string
}

func (b *fakeBody) Run(ctx context.Context, creatorID, handle, runID string) (*pipeline.Result, error) {
	b.ran = append(b.ran, runID)
	if b.panics {
		panic("nil dereference in orchestration")
	}
	return b.result, b.err
}

type fakeImports struct {
	result jobs.BatchResult
}

func (f *fakeImports) ProcessBatch(ctx context.Context, limit int) (jobs.BatchResult, error) {
	return f.result, nil
}

func claimableJob(id, runID string) pipelinequeue.Job {
	return pipelinequeue.Job{
		ID:          id,
		CreatorID:   "cr_1",
		Handle:      "somecreator",
		RunID:       runID,
		Trigger:     pipelinequeue.TriggerOnboarding,
		Status:      pipelinequeue.StatusRunning,
		MaxAttempts: 4,
	}
}

func newTestProcessor(queue *fakeQueue, registry *fakeRegistry, guard *staticGuard, body *fakeBody) *Processor {
	if guard.supersededRuns == nil {
		guard.supersededRuns = map[string]bool{}
	}
	return NewProcessor(queue, registry, guard, body, &fakeImports{}, Config{}, zerolog.Nop())
}

func TestProcessPipelineJobsSuccess(t *testing.T) {
	queue := &fakeQueue{jobs: []pipelinequeue.Job{claimableJob("pjob_1", "run_1")}}
	registry := &fakeRegistry{}
	body := &fakeBody{result: &pipeline.Result{Status: pipeline.StatusReady, ItemsUsable: 6}}
	p := newTestProcessor(queue, registry, &staticGuard{}, body)

	result, err := p.ProcessPipelineJobs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Claimed)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, []string{"pjob_1"}, queue.completed)
	assert.Equal(t, []string{"run_1"}, registry.began)
	assert.Equal(t, []string{"run_1"}, registry.completed)
}

func TestProcessPipelineJobsSupersededBeforeRun(t *testing.T) {
	queue := &fakeQueue{jobs: []pipelinequeue.Job{claimableJob("pjob_1", "run_old")}}
	registry := &fakeRegistry{}
	guard := &staticGuard{supersededRuns: map[string]bool{"run_old": true}}
	body := &fakeBody{result: &pipeline.Result{Status: pipeline.StatusReady}}
	p := newTestProcessor(queue, registry, guard, body)

	result, err := p.ProcessPipelineJobs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Cancelled)
	assert.Empty(t, body.ran, "a superseded job never runs the pipeline")
	assert.Equal(t, []string{"pjob_1"}, queue.cancelled)
	assert.Equal(t, []string{"run_old"}, registry.superseded)
	assert.Empty(t, registry.began)
}

func TestProcessPipelineJobsSupersededAfterRun(t *testing.T) {
	queue := &fakeQueue{jobs: []pipelinequeue.Job{claimableJob("pjob_1", "run_old")}}
	registry := &fakeRegistry{}
	// First check (pre-run) passes, second check (pre-commit) supersedes.
	guard := &staticGuard{supersededRuns: map[string]bool{"run_old": true}, afterCheck: 1}
	body := &fakeBody{result: &pipeline.Result{Status: pipeline.StatusReady}}
	p := newTestProcessor(queue, registry, guard, body)

	result, err := p.ProcessPipelineJobs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Cancelled)
	assert.Len(t, body.ran, 1)
	assert.Empty(t, queue.completed, "partial writes of a superseded run are not committed as success")
	assert.Equal(t, []string{"run_old"}, registry.superseded)
}

func TestProcessPipelineJobsFailureRequeues(t *testing.T) {
	queue := &fakeQueue{
		jobs:        []pipelinequeue.Job{claimableJob("pjob_1", "run_1")},
		failOutcome: pipelinequeue.FailOutcome{Status: pipelinequeue.StatusQueued, Attempts: 1},
	}
	registry := &fakeRegistry{}
	body := &fakeBody{
		result: &pipeline.Result{Status: pipeline.StatusScraping},
		err:    errors.New("source unreachable"),
	}
	p := newTestProcessor(queue, registry, &staticGuard{}, body)

	result, err := p.ProcessPipelineJobs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Requeued)
	assert.Equal(t, []string{"pjob_1"}, queue.failed)
	assert.Empty(t, registry.failed, "requeued runs are not dead-lettered")
}

func TestProcessPipelineJobsExhaustionDeadLetters(t *testing.T) {
	queue := &fakeQueue{
		jobs:        []pipelinequeue.Job{claimableJob("pjob_1", "run_1")},
		failOutcome: pipelinequeue.FailOutcome{Status: pipelinequeue.StatusDeadLetter, Attempts: 4},
	}
	registry := &fakeRegistry{}
	body := &fakeBody{
		result: &pipeline.Result{Status: pipeline.StatusTranscribing},
		err:    errors.New("transcription api down"),
	}
	p := newTestProcessor(queue, registry, &staticGuard{}, body)

	result, err := p.ProcessPipelineJobs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.DeadLetter)
	assert.Equal(t, []string{"run_1"}, registry.failed, "exhausted run lands in the dead letter table")
}

func TestProcessPipelineJobsLockLostIsCancelled(t *testing.T) {
	queue := &fakeQueue{
		jobs:        []pipelinequeue.Job{claimableJob("pjob_1", "run_1")},
		completeErr: pipelinequeue.ErrLockLost,
	}
	registry := &fakeRegistry{}
	body := &fakeBody{result: &pipeline.Result{Status: pipeline.StatusReady}}
	p := newTestProcessor(queue, registry, &staticGuard{}, body)

	result, err := p.ProcessPipelineJobs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Cancelled)
	assert.Empty(t, registry.completed, "no duplicate success after losing the lease")
}

func TestProcessPipelineJobsLockLostOnFailureIsCancelled(t *testing.T) {
	queue := &fakeQueue{
		jobs:    []pipelinequeue.Job{claimableJob("pjob_1", "run_1")},
		failErr: pipelinequeue.ErrLockLost,
	}
	registry := &fakeRegistry{}
	body := &fakeBody{
		result: &pipeline.Result{Status: pipeline.StatusScraping},
		err:    errors.New("source unreachable"),
	}
	p := newTestProcessor(queue, registry, &staticGuard{}, body)

	result, err := p.ProcessPipelineJobs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Cancelled)
	assert.Zero(t, result.Requeued)
	assert.Empty(t, queue.failed, "the reclaimed row keeps its new lease untouched")
	assert.Empty(t, registry.failed)
}

func TestProcessPipelineJobsPanicBackstopRequeues(t *testing.T) {
	queue := &fakeQueue{
		jobs:        []pipelinequeue.Job{claimableJob("pjob_1", "run_1")},
		failOutcome: pipelinequeue.FailOutcome{Status: pipelinequeue.StatusQueued, Attempts: 1},
	}
	registry := &fakeRegistry{}
	body := &fakeBody{panics: true}
	p := newTestProcessor(queue, registry, &staticGuard{}, body)

	result, err := p.ProcessPipelineJobs(context.Background())
	require.NoError(t, err, "a panic in one job must not kill the batch")

	assert.Equal(t, 1, result.Requeued)
	assert.Equal(t, []string{"pjob_1"}, queue.failed, "the claimed row went back to the queue")
}

func TestProcessPipelineJobsInsufficientContentIsSuccess(t *testing.T) {
	queue := &fakeQueue{jobs: []pipelinequeue.Job{claimableJob("pjob_1", "run_1")}}
	registry := &fakeRegistry{}
	body := &fakeBody{result: &pipeline.Result{Status: pipeline.StatusInsufficientContent, ItemsUsable: 2}}
	p := newTestProcessor(queue, registry, &staticGuard{}, body)

	result, err := p.ProcessPipelineJobs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, []string{"pjob_1"}, queue.completed)
	assert.Empty(t, queue.failed)
}

func TestProcessPipelineJobsBatchLimit(t *testing.T) {
	queue := &fakeQueue{jobs: []pipelinequeue.Job{
		claimableJob("pjob_1", "run_1"),
		claimableJob("pjob_2", "run_2"),
		claimableJob("pjob_3", "run_3"),
	}}
	registry := &fakeRegistry{}
	body := &fakeBody{result: &pipeline.Result{Status: pipeline.StatusReady}}
	p := NewProcessor(queue, registry, &staticGuard{supersededRuns: map[string]bool{}}, body, &fakeImports{}, Config{BatchLimit: 2}, zerolog.Nop())

	result, err := p.ProcessPipelineJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Claimed)
	assert.Equal(t, 2, result.Succeeded)
}

func TestProcessImportJobsDelegates(t *testing.T) {
	imports := &fakeImports{result: jobs.BatchResult{Processed: 3, Succeeded: 2, Failed: 1}}
	p := NewProcessor(&fakeQueue{}, &fakeRegistry{}, &staticGuard{supersededRuns: map[string]bool{}}, &fakeBody{}, imports, Config{}, zerolog.Nop())

	result, err := p.ProcessImportJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
}
