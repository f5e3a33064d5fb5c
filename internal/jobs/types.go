package jobs

import (
	"context"
	"errors"
	"time"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeLoadWarehouse rebuilds and reloads the star schema.
	JobTypeLoadWarehouse JobType = "load_warehouse"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

var (
	// ErrJobNotFound is returned by stores for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")

	// ErrQueueClosed is returned when publishing to a stopped queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// LoadJob represents one requested load run.
type LoadJob struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	// Trigger says who asked for the run: manual, schedule or api.
	Trigger string `json:"trigger"`

	// RunID is the load_runs ID of the latest attempt.
	RunID string `json:"run_id,omitempty"`

	Status JobStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the latest attempt failed.
	Error string `json:"error,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// Result is set once the job completed.
	Result *LoadResult `json:"result,omitempty"`
}

// LoadResult summarizes a successful run.
type LoadResult struct {
	FactRows        int `json:"fact_rows"`
	RejectedRecords int `json:"rejected_records"`
	UnresolvedKeys  int `json:"unresolved_keys"`
	Tables          int `json:"tables"`
}

// Job is a generic interface for all job types.
type Job interface {
	GetID() string
	GetType() JobType
	GetStatus() JobStatus
}

// GetID implements the Job interface.
func (j *LoadJob) GetID() string {
	return j.JobID
}

// GetType implements the Job interface.
func (j *LoadJob) GetType() JobType {
	return JobTypeLoadWarehouse
}

// GetStatus implements the Job interface.
func (j *LoadJob) GetStatus() JobStatus {
	return j.Status
}

// Publisher enqueues jobs.
type Publisher interface {
	PublishLoad(ctx context.Context, job *LoadJob) error
	Close() error
}

// Consumer processes queued jobs.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes a job. It may record RunID and Result on the job.
// A returned error is retried unless it is wrapped with Permanent.
type JobHandler func(ctx context.Context, job *LoadJob) error

// JobStore defines the interface for storing and retrieving job status.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *LoadJob) error

	// GetJob retrieves a job by ID. Unknown IDs return ErrJobNotFound.
	GetJob(ctx context.Context, jobID string) (*LoadJob, error)

	// ListJobs returns jobs newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*LoadJob, error)

	// UpdateJobStatus updates the status of a job.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	Trigger string
	Status  JobStatus
	Limit   int
	Offset  int
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the queue does not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
