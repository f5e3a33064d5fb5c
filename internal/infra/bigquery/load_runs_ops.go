package bigquery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	bq "github.com/dvloznov/finance-warehouse/internal/bigquery"
	"github.com/dvloznov/finance-warehouse/internal/logger"
)

const (
	loadRunsTable = "load_runs"

	maxErrorMessageLen = 2000
)

// truncateMessage cuts s to at most n bytes without splitting a rune.
func truncateMessage(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// StartLoadRunWithClient inserts a new row into load_runs with status=RUNNING
// and returns the generated run_id.
func StartLoadRunWithClient(ctx context.Context, client *bigquery.Client, datasetID, trigger string) (string, error) {
	runID := uuid.NewString()

	q := client.Query(fmt.Sprintf(`
		INSERT %s.%s (
			run_id,
			trigger,
			started_ts,
			status
		)
		VALUES (
			@run_id,
			@trigger,
			@started_ts,
			@status
		)
	`, datasetID, loadRunsTable))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "run_id", Value: runID},
		{Name: "trigger", Value: trigger},
		{Name: "started_ts", Value: time.Now()},
		{Name: "status", Value: bq.RunStatusRunning},
	}

	if err := runAndWait(ctx, q); err != nil {
		return "", fmt.Errorf("StartLoadRun: %w", err)
	}
	return runID, nil
}

// MarkLoadRunFailedWithClient sets status=FAILED, finished_ts, error_message
// and whatever counters the run reached. Errors are logged, not returned, so
// the original failure stays the one reported to the caller.
func MarkLoadRunFailedWithClient(ctx context.Context, client *bigquery.Client, datasetID, runID string, runErr error, stats bq.RunStats) {
	log := logger.FromContext(ctx)

	errMsg := ""
	if runErr != nil {
		errMsg = truncateMessage(runErr.Error(), maxErrorMessageLen)
	}

	if err := finishLoadRun(ctx, client, datasetID, runID, bq.RunStatusFailed, errMsg, stats); err != nil {
		log.Error().
			Err(err).
			Str("run_id", runID).
			Msg("MarkLoadRunFailed: updating run")
	}
}

// MarkLoadRunSucceededWithClient sets status=SUCCESS, finished_ts and the run
// counters, and clears error_message.
func MarkLoadRunSucceededWithClient(ctx context.Context, client *bigquery.Client, datasetID, runID string, stats bq.RunStats) error {
	if err := finishLoadRun(ctx, client, datasetID, runID, bq.RunStatusSuccess, "", stats); err != nil {
		return fmt.Errorf("MarkLoadRunSucceeded: %w", err)
	}
	return nil
}

func finishLoadRun(ctx context.Context, client *bigquery.Client, datasetID, runID, status, errMsg string, stats bq.RunStats) error {
	metadata := "{}"
	if len(stats.Metadata) > 0 {
		b, err := json.Marshal(stats.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		metadata = string(b)
	}

	q := client.Query(fmt.Sprintf(`
		UPDATE %s.%s
		SET status = @status,
		    finished_ts = @finished_ts,
		    error_message = @error_message,
		    transactions_read = @transactions_read,
		    budget_lines_read = @budget_lines_read,
		    rejected_records = @rejected_records,
		    unresolved_keys = @unresolved_keys,
		    fact_rows = @fact_rows,
		    metadata = PARSE_JSON(@metadata)
		WHERE run_id = @run_id
	`, datasetID, loadRunsTable))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "status", Value: status},
		{Name: "finished_ts", Value: time.Now()},
		{Name: "error_message", Value: errMsg},
		{Name: "transactions_read", Value: stats.TransactionsRead},
		{Name: "budget_lines_read", Value: stats.BudgetLinesRead},
		{Name: "rejected_records", Value: stats.RejectedRecords},
		{Name: "unresolved_keys", Value: stats.UnresolvedKeys},
		{Name: "fact_rows", Value: stats.FactRows},
		{Name: "metadata", Value: metadata},
		{Name: "run_id", Value: runID},
	}

	return runAndWait(ctx, q)
}

// ListRecentLoadRunsWithClient returns up to limit runs, newest first.
func ListRecentLoadRunsWithClient(ctx context.Context, client *bigquery.Client, datasetID string, limit int) ([]*bq.LoadRunRow, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT
			run_id,
			trigger,
			started_ts,
			finished_ts,
			status,
			error_message,
			transactions_read,
			budget_lines_read,
			rejected_records,
			unresolved_keys,
			fact_rows,
			metadata
		FROM %s.%s
		ORDER BY started_ts DESC
		LIMIT @limit
	`, datasetID, loadRunsTable))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "limit", Value: limit},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListRecentLoadRuns: reading query: %w", err)
	}

	var runs []*bq.LoadRunRow
	for {
		var row bq.LoadRunRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListRecentLoadRuns: iterating: %w", err)
		}
		runs = append(runs, &row)
	}
	return runs, nil
}

// runAndWait runs a DML or DDL query and waits for it to finish.
func runAndWait(ctx context.Context, q *bigquery.Query) error {
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}
