// Package warehouse hands the star-schema datasets of a run to BigQuery.
package warehouse

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow/go/v15/arrow/memory"
	"golang.org/x/sync/errgroup"

	bq "github.com/dvloznov/finance-warehouse/internal/bigquery"
	"github.com/dvloznov/finance-warehouse/internal/columnar"
	"github.com/dvloznov/finance-warehouse/internal/domain"
	"github.com/dvloznov/finance-warehouse/internal/gcs"
	"github.com/dvloznov/finance-warehouse/internal/logger"
)

// Observer is notified after each completed write stage.
type Observer interface {
	ObserveTable(table, stage string, rows int, d time.Duration)
}

// TableResult describes one table written by a run.
type TableResult struct {
	Table string `json:"table"`
	Rows  int    `json:"rows"`
	URI   string `json:"uri"`
	Bytes int    `json:"bytes"`
}

// Writer stages every dataset as a Parquet object, then replaces each
// warehouse table with its staged object.
type Writer struct {
	storage    gcs.StorageService
	loader     bq.TableLoader
	stagingURI string
	observer   Observer
	mem        memory.Allocator
	parallel   int
}

// Option configures a Writer.
type Option func(*Writer)

// WithObserver reports stage timings to o.
func WithObserver(o Observer) Option {
	return func(w *Writer) { w.observer = o }
}

// WithAllocator sets the Arrow allocator used for encoding.
func WithAllocator(mem memory.Allocator) Option {
	return func(w *Writer) { w.mem = mem }
}

// WithParallelism bounds how many tables are encoded and staged at once.
func WithParallelism(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.parallel = n
		}
	}
}

// NewWriter creates a Writer staging objects under stagingURI.
func NewWriter(storage gcs.StorageService, loader bq.TableLoader, stagingURI string, opts ...Option) *Writer {
	w := &Writer{
		storage:    storage,
		loader:     loader,
		stagingURI: stagingURI,
		mem:        memory.DefaultAllocator,
		parallel:   2,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// StagingURI is where a table of a run is staged.
func (w *Writer) StagingURI(runID, table string) string {
	return gcs.Join(w.stagingURI, runID, table+columnar.FileExtension)
}

// Write stages all datasets first and loads them only once every object is
// staged, so an encoding or upload failure leaves the warehouse untouched.
// Loads run in dataset order; a load failure stops the remaining loads.
// Failures are returned as *domain.WriteFailure.
func (w *Writer) Write(ctx context.Context, runID string, datasets []columnar.Dataset) ([]TableResult, error) {
	log := logger.FromContext(ctx)
	results := make([]TableResult, len(datasets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.parallel)
	for i, ds := range datasets {
		i, ds := i, ds
		g.Go(func() error {
			res, err := w.stage(gctx, runID, ds)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, res := range results {
		start := time.Now()
		if err := w.loader.LoadParquet(ctx, res.Table, res.URI); err != nil {
			return nil, &domain.WriteFailure{Table: res.Table, Stage: domain.StageLoad, Err: err}
		}
		w.observe(res.Table, domain.StageLoad, res.Rows, time.Since(start))

		log.Info().
			Str("table", res.Table).
			Int("rows", res.Rows).
			Str("source_uri", res.URI).
			Msg("Table loaded")
	}
	return results, nil
}

func (w *Writer) stage(ctx context.Context, runID string, ds columnar.Dataset) (TableResult, error) {
	res := TableResult{Table: ds.Table, Rows: ds.Rows, URI: w.StagingURI(runID, ds.Table)}

	start := time.Now()
	data, err := ds.Encode(w.mem)
	if err != nil {
		return res, &domain.WriteFailure{Table: ds.Table, Stage: domain.StageEncode, Err: err}
	}
	res.Bytes = len(data)
	w.observe(ds.Table, domain.StageEncode, ds.Rows, time.Since(start))

	start = time.Now()
	if err := w.storage.Upload(ctx, res.URI, bytes.NewReader(data), columnar.ContentType); err != nil {
		return res, &domain.WriteFailure{Table: ds.Table, Stage: domain.StageStage, Err: fmt.Errorf("upload %s: %w", res.URI, err)}
	}
	w.observe(ds.Table, domain.StageStage, ds.Rows, time.Since(start))

	lg := logger.FromContext(ctx)

	lg.Debug().
		Str("table", ds.Table).
		Int("rows", ds.Rows).
		Int("bytes", res.Bytes).
		Str("uri", res.URI).
		Msg("Table staged")
	return res, nil
}

func (w *Writer) observe(table, stage string, rows int, d time.Duration) {
	if w.observer != nil {
		w.observer.ObserveTable(table, stage, rows, d)
	}
}
