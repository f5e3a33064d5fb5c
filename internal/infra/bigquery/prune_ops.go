package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"

	bq "github.com/dvloznov/finance-warehouse/internal/bigquery"
	"github.com/dvloznov/finance-warehouse/internal/logger"
)

// PruneLoadRunsWithClient deletes finished runs that started before cutoff.
// RUNNING rows are kept so an in-flight run can still record its outcome.
func PruneLoadRunsWithClient(ctx context.Context, client *bigquery.Client, datasetID string, cutoff time.Time) (int64, error) {
	q := client.Query(fmt.Sprintf(`
		DELETE FROM %s.%s
		WHERE started_ts < @cutoff
		  AND status != @running
	`, datasetID, loadRunsTable))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "cutoff", Value: cutoff},
		{Name: "running", Value: bq.RunStatusRunning},
	}

	job, err := q.Run(ctx)
	if err != nil {
		return 0, fmt.Errorf("PruneLoadRuns: running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("PruneLoadRuns: waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return 0, fmt.Errorf("PruneLoadRuns: job error: %w", err)
	}

	var deleted int64
	if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
		deleted = qs.NumDMLAffectedRows
	}

	lg := logger.FromContext(ctx)

	lg.Info().
		Time("cutoff", cutoff).
		Int64("deleted", deleted).
		Msg("Pruned load runs")
	return deleted, nil
}
