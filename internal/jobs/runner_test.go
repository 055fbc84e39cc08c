package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeJobStore serves queued jobs from a slice and records transitions.
type fakeJobStore struct {
	queued    []*Job
	succeeded []string
	failed    []string
	claimErr  error
}

func (f *fakeJobStore) ClaimNext(ctx context.Context) (*Job, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if len(f.queued) == 0 {
		return nil, nil
	}
	job := f.queued[0]
	f.queued = f.queued[1:]
	job.Status = StatusRunning
	return job, nil
}

func (f *fakeJobStore) MarkSucceeded(ctx context.Context, jobID string, result json.RawMessage) error {
	f.succeeded = append(f.succeeded, jobID)
	return nil
}

func (f *fakeJobStore) MarkFailure(ctx context.Context, jobID, errMsg string) (JobStatus, error) {
	f.failed = append(f.failed, jobID)
	return StatusQueued, nil
}

type fakeDispatcher struct {
	errFor map[string]error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, job *Job) (json.RawMessage, error) {
	if err, ok := f.errFor[job.ID]; ok {
		return nil, err
	}
	return json.RawMessage(`{}`), nil
}

func queuedJob(id string) *Job {
	return &Job{ID: id, Type: TypeImportProducts, Status: StatusQueued, MaxAttempts: 5}
}

func TestProcessNextEmptyQueue(t *testing.T) {
	store := &fakeJobStore{}
	runner := NewRunner(store, &fakeDispatcher{}, zerolog.Nop())

	job, err := runner.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestProcessNextSuccess(t *testing.T) {
	store := &fakeJobStore{queued: []*Job{queuedJob("job_1")}}
	runner := NewRunner(store, &fakeDispatcher{}, zerolog.Nop())

	job, err := runner.ProcessNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, StatusSucceeded, job.Status)
	assert.Equal(t, []string{"job_1"}, store.succeeded)
}

func TestProcessNextFailureRequeues(t *testing.T) {
	store := &fakeJobStore{queued: []*Job{queuedJob("job_1")}}
	dispatcher := &fakeDispatcher{errFor: map[string]error{"job_1": errors.New("boom")}}
	runner := NewRunner(store, dispatcher, zerolog.Nop())

	job, err := runner.ProcessNext(context.Background())
	require.NoError(t, err, "a job failure is not a runner failure")
	require.NotNil(t, job)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, []string{"job_1"}, store.failed)
	assert.Empty(t, store.succeeded)
}

func TestProcessBatchCounts(t *testing.T) {
	store := &fakeJobStore{queued: []*Job{queuedJob("job_1"), queuedJob("job_2"), queuedJob("job_3")}}
	dispatcher := &fakeDispatcher{errFor: map[string]error{"job_2": errors.New("boom")}}
	runner := NewRunner(store, dispatcher, zerolog.Nop())

	result, err := runner.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Processed: 3, Succeeded: 2, Failed: 1}, result)
}

func TestProcessBatchHonorsLimit(t *testing.T) {
	store := &fakeJobStore{queued: []*Job{queuedJob("job_1"), queuedJob("job_2"), queuedJob("job_3")}}
	runner := NewRunner(store, &fakeDispatcher{}, zerolog.Nop())

	result, err := runner.ProcessBatch(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Len(t, store.queued, 1)
}

func TestProcessBatchAbortsOnStoreError(t *testing.T) {
	store := &fakeJobStore{claimErr: errors.New("connection refused")}
	runner := NewRunner(store, &fakeDispatcher{}, zerolog.Nop())

	_, err := runner.ProcessBatch(context.Background(), 5)
	assert.Error(t, err)
}
