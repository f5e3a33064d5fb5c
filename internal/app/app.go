// Package app wires the configured collaborators of a load run.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dvloznov/finance-warehouse/internal/config"
	"github.com/dvloznov/finance-warehouse/internal/gcs"
	"github.com/dvloznov/finance-warehouse/internal/gcsuploader"
	infraBQ "github.com/dvloznov/finance-warehouse/internal/infra/bigquery"
	infraMySQL "github.com/dvloznov/finance-warehouse/internal/infra/mysql"
	"github.com/dvloznov/finance-warehouse/internal/ingest"
	"github.com/dvloznov/finance-warehouse/internal/keymap"
	"github.com/dvloznov/finance-warehouse/internal/metrics"
	"github.com/dvloznov/finance-warehouse/internal/pipeline"
	"github.com/dvloznov/finance-warehouse/internal/warehouse"
)

// App holds the long-lived clients of a process.
type App struct {
	Config    *config.Config
	Runner    *pipeline.Runner
	Metrics   *metrics.Metrics
	Warehouse *infraBQ.Warehouse // nil in preview mode

	closers []io.Closer
}

// Mode selects which collaborators are built.
type Mode int

const (
	// ModeLoad builds everything a load run needs.
	ModeLoad Mode = iota
	// ModePreview builds only the reader and the key store. The BigQuery key
	// store is used when a project is configured; otherwise keys come from
	// an empty in-memory store.
	ModePreview
)

// New builds the collaborators described by cfg.
func New(ctx context.Context, cfg *config.Config, mode Mode) (_ *App, err error) {
	a := &App{Config: cfg, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if mode == ModeLoad {
		if err := cfg.ValidateWarehouse(); err != nil {
			return nil, err
		}
	}

	var gcsService *gcsuploader.GCSStorageService
	needsGCS := gcs.IsGCSURI(cfg.Raw.URI) || (mode == ModeLoad && gcs.IsGCSURI(cfg.Warehouse.StagingURI))
	if needsGCS {
		gcsService, err = gcsuploader.NewGCSStorageService(ctx)
		if err != nil {
			return nil, fmt.Errorf("New: %w", err)
		}
		a.closers = append(a.closers, gcsService)
	}

	if mode == ModeLoad || cfg.GCP.Project != "" {
		wh, err := infraBQ.NewWarehouse(ctx, cfg.GCP.Project, cfg.Warehouse.Dataset)
		if err != nil {
			return nil, fmt.Errorf("New: %w", err)
		}
		a.Warehouse = wh
		a.closers = append(a.closers, wh)
	}

	keys, err := a.keyStore(ctx)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{
		Provider: ingest.NewProvider(storageFor(cfg.Raw.URI, gcsService), cfg.Raw.URI),
		Keys:     keys,
		Metrics:  a.Metrics,
		Pusher: metrics.NewPusher(cfg.Metrics.PushgatewayURL, cfg.Metrics.Job, map[string]string{
			"dataset": cfg.Warehouse.Dataset,
		}),
	}
	if mode == ModeLoad {
		deps.Runs = a.Warehouse
		deps.Writer = warehouse.NewWriter(
			storageFor(cfg.Warehouse.StagingURI, gcsService),
			a.Warehouse,
			cfg.Warehouse.StagingURI,
			warehouse.WithObserver(a.Metrics),
			warehouse.WithParallelism(cfg.Warehouse.Parallelism),
		)
	}

	a.Runner = pipeline.NewRunner(deps, cfg.PipelineOptions())
	return a, nil
}

func (a *App) keyStore(ctx context.Context) (keymap.Store, error) {
	switch a.Config.Keys.Store {
	case keymap.BackendMySQL:
		db, err := infraMySQL.Open(ctx, a.Config.MySQL.DSN)
		if err != nil {
			return nil, fmt.Errorf("New: %w", err)
		}
		repo := infraMySQL.NewKeyMapRepository(db)
		a.closers = append(a.closers, repo)
		return repo, nil
	case keymap.BackendBigQuery:
		if a.Warehouse != nil {
			return a.Warehouse, nil
		}
		return keymap.NewMemoryStore(), nil
	default:
		return keymap.NewMemoryStore(), nil
	}
}

// storageFor picks Cloud Storage for gs:// URIs and the local filesystem
// otherwise.
func storageFor(uri string, gcsService *gcsuploader.GCSStorageService) gcs.StorageService {
	if gcs.IsGCSURI(uri) && gcsService != nil {
		return gcsService
	}
	return gcs.LocalStorage{}
}

// Close releases every client, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
