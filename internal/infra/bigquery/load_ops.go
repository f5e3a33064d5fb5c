package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/finance-warehouse/internal/logger"
)

// LoadParquetWithClient replaces the contents of datasetID.table with the
// Parquet object at gcsURI. The table is created if missing and truncated
// otherwise, in a single load job.
func LoadParquetWithClient(ctx context.Context, client *bigquery.Client, datasetID, table, gcsURI string) error {
	log := logger.FromContext(ctx)

	ref := bigquery.NewGCSReference(gcsURI)
	ref.SourceFormat = bigquery.Parquet

	loader := client.Dataset(datasetID).Table(table).LoaderFrom(ref)
	loader.WriteDisposition = bigquery.WriteTruncate
	loader.CreateDisposition = bigquery.CreateIfNeeded

	job, err := loader.Run(ctx)
	if err != nil {
		return fmt.Errorf("LoadParquet: starting load job for %s: %w", table, err)
	}

	log.Debug().
		Str("table", table).
		Str("job_id", job.ID()).
		Str("source_uri", gcsURI).
		Msg("Load job started")

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("LoadParquet: waiting for load job %s: %w", job.ID(), err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("LoadParquet: load job %s: %w", job.ID(), err)
	}

	if status.Statistics == nil {
		return nil
	}
	if stats, ok := status.Statistics.Details.(*bigquery.LoadStatistics); ok {
		log.Debug().
			Str("table", table).
			Int64("output_rows", stats.OutputRows).
			Msg("Load job finished")
	}
	return nil
}
