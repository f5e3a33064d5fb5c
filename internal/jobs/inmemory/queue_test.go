package inmemory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-warehouse/internal/jobs"
)

func waitForStatus(t *testing.T, store *Store, jobID string, want jobs.JobStatus) *jobs.LoadJob {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetJob(context.Background(), jobID)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := store.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, last state %+v", jobID, want, job)
	return nil
}

func TestQueue_ProcessesJob(t *testing.T) {
	store := NewStore()
	q := NewQueue(4, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Start(ctx, func(ctx context.Context, job *jobs.LoadJob) error {
		job.RunID = "run-1"
		job.Result = &jobs.LoadResult{FactRows: 18, Tables: 6}
		return nil
	}))

	job := &jobs.LoadJob{Trigger: "api"}
	require.NoError(t, q.PublishLoad(ctx, job))
	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, DefaultMaxRetries, job.MaxRetries)

	done := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, "run-1", done.RunID)
	assert.Equal(t, 18, done.Result.FactRows)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	assert.Empty(t, done.Error)

	require.NoError(t, q.Stop(context.Background()))
}

func TestQueue_RetriesThenSucceeds(t *testing.T) {
	store := NewStore()
	q := NewQueue(4, store, WithBackoff(time.Millisecond), WithMaxRetries(3))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int32
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job *jobs.LoadJob) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}))

	job := &jobs.LoadJob{Trigger: "schedule"}
	require.NoError(t, q.PublishLoad(ctx, job))

	done := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, 2, done.RetryCount)
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))

	require.NoError(t, q.Stop(context.Background()))
}

func TestQueue_PermanentErrorIsNotRetried(t *testing.T) {
	store := NewStore()
	q := NewQueue(4, store, WithBackoff(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int32
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job *jobs.LoadJob) error {
		atomic.AddInt32(&attempts, 1)
		return jobs.Permanent(errors.New("no transactions in input"))
	}))

	job := &jobs.LoadJob{Trigger: "api"}
	require.NoError(t, q.PublishLoad(ctx, job))

	failed := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	assert.Equal(t, "no transactions in input", failed.Error)
	assert.Zero(t, failed.RetryCount)
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))

	require.NoError(t, q.Stop(context.Background()))
}

func TestQueue_ExhaustsRetries(t *testing.T) {
	store := NewStore()
	q := NewQueue(4, store, WithBackoff(time.Millisecond), WithMaxRetries(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Start(ctx, func(ctx context.Context, job *jobs.LoadJob) error {
		return errors.New("bigquery unavailable")
	}))

	job := &jobs.LoadJob{Trigger: "api"}
	require.NoError(t, q.PublishLoad(ctx, job))

	failed := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Equal(t, "bigquery unavailable", failed.Error)

	require.NoError(t, q.Stop(context.Background()))
}

func TestQueue_PublishAfterStop(t *testing.T) {
	q := NewQueue(1, NewStore())
	require.NoError(t, q.Stop(context.Background()))
	require.NoError(t, q.Stop(context.Background()), "stop is idempotent")

	err := q.PublishLoad(context.Background(), &jobs.LoadJob{})
	assert.ErrorIs(t, err, jobs.ErrQueueClosed)
	assert.ErrorIs(t, q.Start(context.Background(), nil), jobs.ErrQueueClosed)
}

func TestPermanent(t *testing.T) {
	cause := errors.New("bad input")
	err := jobs.Permanent(cause)

	assert.True(t, jobs.IsPermanent(err))
	assert.True(t, jobs.IsPermanent(errors.Join(errors.New("context"), err)))
	assert.ErrorIs(t, err, cause)
	assert.False(t, jobs.IsPermanent(cause))
	assert.NoError(t, jobs.Permanent(nil))
}
