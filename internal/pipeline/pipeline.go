// Package pipeline runs one load: read the raw files, build the star schema
// and replace the warehouse tables, recording the run in load_runs.
package pipeline

import (
	"context"
	"time"

	bq "github.com/dvloznov/finance-warehouse/internal/bigquery"
	"github.com/dvloznov/finance-warehouse/internal/keymap"
	"github.com/dvloznov/finance-warehouse/internal/logger"
	"github.com/dvloznov/finance-warehouse/internal/metrics"
	"github.com/dvloznov/finance-warehouse/internal/starschema"
	"github.com/dvloznov/finance-warehouse/internal/warehouse"
)

// Run triggers.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerAPI      = "api"
	TriggerPreview  = "preview"
)

// Deps are the collaborators of a Runner.
type Deps struct {
	Runs     bq.RunRepository
	Provider RawProvider
	Keys     keymap.Store
	Writer   TableWriter

	// Optional.
	Metrics *metrics.Metrics
	Pusher  *metrics.Pusher
}

// Options configure the transform of each run.
type Options struct {
	KeyStrategy    string
	Transform      starschema.Options
	MaxRejectRatio float64
}

// RunSummary describes a run. Report and Tables are nil when the run failed
// before producing them.
type RunSummary struct {
	RunID    string
	Report   *starschema.Report
	Tables   []warehouse.TableResult
	Duration time.Duration
}

// Runner executes load runs.
type Runner struct {
	deps Deps
	opts Options
}

// NewRunner creates a Runner.
func NewRunner(deps Deps, opts Options) *Runner {
	return &Runner{deps: deps, opts: opts}
}

// NewLoadPipeline creates the standard 7-step pipeline of a load run.
func (r *Runner) NewLoadPipeline() *Pipeline {
	return NewPipeline(r.deps.Runs,
		&StartRunStep{Runs: r.deps.Runs},
		&ReadRawStep{Provider: r.deps.Provider},
		&LoadKeysStep{Store: r.deps.Keys, Strategy: r.opts.KeyStrategy},
		r.transformStep(),
		&PersistKeysStep{Store: r.deps.Keys},
		&WriteTablesStep{Writer: r.deps.Writer},
		&MarkSuccessStep{Runs: r.deps.Runs},
	)
}

func (r *Runner) transformStep() *TransformStep {
	step := &TransformStep{
		Strategy:       r.opts.KeyStrategy,
		Options:        r.opts.Transform,
		MaxRejectRatio: r.opts.MaxRejectRatio,
	}
	if r.deps.Metrics != nil {
		step.Observer = r.deps.Metrics
	}
	return step
}

// Run executes one full load. On failure nothing is loaded unless the
// failure happened while tables were being loaded, and the run is marked
// FAILED in load_runs. The summary is returned in both cases.
func (r *Runner) Run(ctx context.Context, trigger string) (*RunSummary, error) {
	state := &PipelineState{Trigger: trigger, StartedAt: time.Now()}
	log := logger.FromContext(ctx)
	log.Info().Str("trigger", trigger).Msg("Load run started")

	err := r.NewLoadPipeline().Execute(ctx, state)
	finished := time.Now()
	duration := finished.Sub(state.StartedAt)

	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.ObserveRun(outcome, duration, finished)
		if perr := r.deps.Pusher.Push(context.WithoutCancel(ctx), r.deps.Metrics); perr != nil {
			log.Warn().Err(perr).Msg("Pushing metrics failed")
		}
	}

	summary := &RunSummary{
		RunID:    state.RunID,
		Report:   state.Report(),
		Tables:   state.Tables,
		Duration: duration,
	}
	if err != nil {
		log.Error().
			Err(err).
			Str("run_id", state.RunID).
			Dur("duration", duration).
			Msg("Load run failed")
		return summary, err
	}

	log.Info().
		Str("run_id", state.RunID).
		Int("fact_rows", state.Result.Report.FactRows()).
		Int("tables", len(state.Tables)).
		Dur("duration", duration).
		Msg("Load run completed")

	return summary, nil
}

// Preview reads and transforms the raw input without recording a run,
// persisting keys or writing tables.
func (r *Runner) Preview(ctx context.Context) (*starschema.Result, error) {
	state := &PipelineState{Trigger: TriggerPreview, StartedAt: time.Now()}
	p := NewPipeline(nil,
		&ReadRawStep{Provider: r.deps.Provider},
		&LoadKeysStep{Store: r.deps.Keys, Strategy: r.opts.KeyStrategy},
		&TransformStep{Strategy: r.opts.KeyStrategy, Options: r.opts.Transform, MaxRejectRatio: 1},
	)
	if err := p.Execute(ctx, state); err != nil {
		return nil, err
	}
	return state.Result, nil
}
