package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"

	bq "github.com/dvloznov/finance-warehouse/internal/bigquery"
	"github.com/dvloznov/finance-warehouse/internal/domain"
)

// Re-export interfaces from shared package
type RunRepository = bq.RunRepository
type TableLoader = bq.TableLoader

var (
	_ RunRepository = (*Warehouse)(nil)
	_ TableLoader   = (*Warehouse)(nil)
)

// Warehouse is the BigQuery implementation of the run log, the table
// loader and the key map store. It holds a shared BigQuery client to avoid
// creating a new connection for each operation.
type Warehouse struct {
	client    *bigquery.Client
	datasetID string
}

// NewWarehouse creates a Warehouse for projectID.datasetID.
func NewWarehouse(ctx context.Context, projectID, datasetID string) (*Warehouse, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewWarehouse: creating client: %w", err)
	}
	return &Warehouse{client: client, datasetID: datasetID}, nil
}

// Close closes the BigQuery client connection. This should be called when
// the warehouse is no longer needed to release resources.
func (w *Warehouse) Close() error {
	if w.client != nil {
		return w.client.Close()
	}
	return nil
}

// StartRun delegates to StartLoadRunWithClient with the shared client.
func (w *Warehouse) StartRun(ctx context.Context, trigger string) (string, error) {
	return StartLoadRunWithClient(ctx, w.client, w.datasetID, trigger)
}

// MarkRunFailed delegates to MarkLoadRunFailedWithClient with the shared client.
func (w *Warehouse) MarkRunFailed(ctx context.Context, runID string, runErr error, stats bq.RunStats) {
	MarkLoadRunFailedWithClient(ctx, w.client, w.datasetID, runID, runErr, stats)
}

// MarkRunSucceeded delegates to MarkLoadRunSucceededWithClient with the shared client.
func (w *Warehouse) MarkRunSucceeded(ctx context.Context, runID string, stats bq.RunStats) error {
	return MarkLoadRunSucceededWithClient(ctx, w.client, w.datasetID, runID, stats)
}

// ListRecentRuns delegates to ListRecentLoadRunsWithClient with the shared client.
func (w *Warehouse) ListRecentRuns(ctx context.Context, limit int) ([]*bq.LoadRunRow, error) {
	return ListRecentLoadRunsWithClient(ctx, w.client, w.datasetID, limit)
}

// PruneRuns delegates to PruneLoadRunsWithClient with the shared client.
func (w *Warehouse) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	return PruneLoadRunsWithClient(ctx, w.client, w.datasetID, cutoff)
}

// LoadParquet delegates to LoadParquetWithClient with the shared client.
func (w *Warehouse) LoadParquet(ctx context.Context, table, uri string) error {
	return LoadParquetWithClient(ctx, w.client, w.datasetID, table, uri)
}

// Load reads the surrogate_keys table. It implements keymap.Store.
func (w *Warehouse) Load(ctx context.Context) (map[domain.Dimension]map[string]int64, error) {
	return LoadKeyMapWithClient(ctx, w.client, w.datasetID)
}

// Save appends to the surrogate_keys table. It implements keymap.Store.
func (w *Warehouse) Save(ctx context.Context, mappings []domain.KeyMapping) error {
	return SaveKeyMappingsWithClient(ctx, w.client, w.datasetID, mappings)
}
