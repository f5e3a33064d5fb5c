package pipeline

import (
	"context"
	"time"

	"github.com/dvloznov/finance-warehouse/internal/columnar"
	"github.com/dvloznov/finance-warehouse/internal/domain"
	"github.com/dvloznov/finance-warehouse/internal/starschema"
	"github.com/dvloznov/finance-warehouse/internal/warehouse"
)

// RawProvider reads the raw input of a run.
type RawProvider interface {
	Read(ctx context.Context) (domain.RawBatch, error)
}

// TableWriter replaces the warehouse tables with the datasets of a run.
type TableWriter interface {
	Write(ctx context.Context, runID string, datasets []columnar.Dataset) ([]warehouse.TableResult, error)
}

// Observer receives the data-quality report and the outcome of each run.
// *metrics.Metrics implements it.
type Observer interface {
	ObserveReport(r *starschema.Report)
	ObserveRun(outcome string, d time.Duration, finished time.Time)
}
