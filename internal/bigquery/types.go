package bigquery

import (
	"context"
	"time"

	"cloud.google.com/go/bigquery"
)

// Run statuses stored in load_runs.status.
const (
	RunStatusRunning = "RUNNING"
	RunStatusSuccess = "SUCCESS"
	RunStatusFailed  = "FAILED"
)

// RunRepository records the lifecycle of load runs.
type RunRepository interface {
	// StartRun inserts a run with status=RUNNING and returns its run_id.
	StartRun(ctx context.Context, trigger string) (string, error)

	// MarkRunFailed sets status=FAILED, finished_ts and error_message. Failures
	// to record the status are logged, not returned.
	MarkRunFailed(ctx context.Context, runID string, runErr error, stats RunStats)

	// MarkRunSucceeded sets status=SUCCESS, finished_ts and the run counters.
	MarkRunSucceeded(ctx context.Context, runID string, stats RunStats) error

	// ListRecentRuns returns the most recent runs, newest first.
	ListRecentRuns(ctx context.Context, limit int) ([]*LoadRunRow, error)
}

// TableLoader bulk-loads staged files into warehouse tables.
type TableLoader interface {
	// LoadParquet replaces the contents of table with the Parquet object at uri.
	LoadParquet(ctx context.Context, table, uri string) error
}

// RunStats are the counters persisted with a finished run.
type RunStats struct {
	TransactionsRead int64
	BudgetLinesRead  int64
	RejectedRecords  int64
	UnresolvedKeys   int64
	FactRows         int64

	// Metadata is stored as JSON in load_runs.metadata.
	Metadata map[string]interface{}
}

// LoadRunRow represents one row of the load_runs table.
type LoadRunRow struct {
	RunID   string `bigquery:"run_id" json:"run_id"`
	Trigger string `bigquery:"trigger" json:"trigger"`

	StartedTS  time.Time              `bigquery:"started_ts" json:"started_ts"`
	FinishedTS bigquery.NullTimestamp `bigquery:"finished_ts" json:"finished_ts"`

	Status       string              `bigquery:"status" json:"status"`
	ErrorMessage bigquery.NullString `bigquery:"error_message" json:"error_message"`

	TransactionsRead bigquery.NullInt64 `bigquery:"transactions_read" json:"transactions_read"`
	BudgetLinesRead  bigquery.NullInt64 `bigquery:"budget_lines_read" json:"budget_lines_read"`
	RejectedRecords  bigquery.NullInt64 `bigquery:"rejected_records" json:"rejected_records"`
	UnresolvedKeys   bigquery.NullInt64 `bigquery:"unresolved_keys" json:"unresolved_keys"`
	FactRows         bigquery.NullInt64 `bigquery:"fact_rows" json:"fact_rows"`

	Metadata bigquery.NullJSON `bigquery:"metadata" json:"metadata"`
}

// KeyMapRow represents one row of the surrogate_keys table.
type KeyMapRow struct {
	Dimension    string    `bigquery:"dimension"`
	NaturalKey   string    `bigquery:"natural_key"`
	SurrogateKey int64     `bigquery:"surrogate_key"`
	CreatedTS    time.Time `bigquery:"created_ts"`
}
