package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	bq "github.com/dvloznov/finance-warehouse/internal/bigquery"
	"github.com/dvloznov/finance-warehouse/internal/columnar"
	"github.com/dvloznov/finance-warehouse/internal/domain"
	"github.com/dvloznov/finance-warehouse/internal/keymap"
	"github.com/dvloznov/finance-warehouse/internal/logger"
	"github.com/dvloznov/finance-warehouse/internal/starschema"
	"github.com/dvloznov/finance-warehouse/internal/warehouse"
)

// ErrRejectLimit is returned when a run rejects more of its input than
// allowed by the configured maximum ratio.
var ErrRejectLimit = errors.New("reject limit exceeded")

// PipelineStep represents a single step of a load run.
type PipelineStep interface {
	Name() string
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	Trigger   string
	RunID     string
	StartedAt time.Time

	Batch        domain.RawBatch
	ExistingKeys map[domain.Dimension]map[string]int64
	Result       *starschema.Result
	Tables       []warehouse.TableResult
}

// Report returns the transform report, or nil before the transform ran.
func (s *PipelineState) Report() *starschema.Report {
	if s.Result == nil {
		return nil
	}
	return s.Result.Report
}

// Step 1: StartRunStep records the run in load_runs with status=RUNNING.
type StartRunStep struct {
	Runs bq.RunRepository
}

func (s *StartRunStep) Name() string { return "start_run" }

func (s *StartRunStep) Execute(ctx context.Context, state *PipelineState) error {
	runID, err := s.Runs.StartRun(ctx, state.Trigger)
	if err != nil {
		return err
	}
	state.RunID = runID
	return nil
}

// Step 2: ReadRawStep reads transactions and budget lines.
type ReadRawStep struct {
	Provider RawProvider
}

func (s *ReadRawStep) Name() string { return "read_raw" }

func (s *ReadRawStep) Execute(ctx context.Context, state *PipelineState) error {
	batch, err := s.Provider.Read(ctx)
	if err != nil {
		return err
	}
	state.Batch = batch
	return nil
}

// Step 3: LoadKeysStep loads the persisted key map. Stateless key strategies
// skip it.
type LoadKeysStep struct {
	Store    keymap.Store
	Strategy string
}

func (s *LoadKeysStep) Name() string { return "load_keys" }

func (s *LoadKeysStep) Execute(ctx context.Context, state *PipelineState) error {
	if s.Strategy == starschema.StrategyHash || s.Store == nil {
		return nil
	}
	existing, err := s.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load key map: %w", err)
	}
	state.ExistingKeys = existing

	lg := logger.FromContext(ctx)

	lg.Debug().
		Int("departments", len(existing[domain.DimensionDepartment])).
		Int("accounts", len(existing[domain.DimensionAccount])).
		Msg("Key map loaded")
	return nil
}

// Step 4: TransformStep builds the star schema and applies the reject limit.
type TransformStep struct {
	Strategy       string
	Options        starschema.Options
	MaxRejectRatio float64
	Observer       Observer
}

func (s *TransformStep) Name() string { return "transform" }

func (s *TransformStep) Execute(ctx context.Context, state *PipelineState) error {
	assigner, err := starschema.NewKeyAssigner(s.Strategy, state.ExistingKeys)
	if err != nil {
		return err
	}
	res, err := starschema.NewTransformer(assigner, s.Options).Transform(ctx, state.Batch)
	if err != nil {
		return err
	}
	state.Result = res

	if s.Observer != nil {
		s.Observer.ObserveReport(res.Report)
	}
	logReport(ctx, res.Report)
	if err := res.Report.CheckRejectRatio(s.MaxRejectRatio); err != nil {
		return fmt.Errorf("%w: %v", ErrRejectLimit, err)
	}
	return nil
}

// Step 5: PersistKeysStep saves the surrogate keys first assigned by this run.
type PersistKeysStep struct {
	Store keymap.Store
}

func (s *PersistKeysStep) Name() string { return "persist_keys" }

func (s *PersistKeysStep) Execute(ctx context.Context, state *PipelineState) error {
	pending := state.Result.PendingMappings
	if len(pending) == 0 || s.Store == nil {
		return nil
	}
	if err := s.Store.Save(ctx, pending); err != nil {
		return fmt.Errorf("save key map: %w", err)
	}
	lg := logger.FromContext(ctx)
	lg.Info().Int("new_keys", len(pending)).Msg("Key map extended")
	return nil
}

// Step 6: WriteTablesStep stages and loads every output table.
type WriteTablesStep struct {
	Writer TableWriter
}

func (s *WriteTablesStep) Name() string { return "write_tables" }

func (s *WriteTablesStep) Execute(ctx context.Context, state *PipelineState) error {
	tables, err := s.Writer.Write(ctx, state.RunID, columnar.Datasets(state.Result))
	if err != nil {
		return err
	}
	state.Tables = tables
	return nil
}

// Step 7: MarkSuccessStep marks the run as SUCCESS with its counters.
type MarkSuccessStep struct {
	Runs bq.RunRepository
}

func (s *MarkSuccessStep) Name() string { return "mark_success" }

func (s *MarkSuccessStep) Execute(ctx context.Context, state *PipelineState) error {
	return s.Runs.MarkRunSucceeded(ctx, state.RunID, statsOf(state))
}

// Pipeline executes a sequence of steps in order. When a step fails after
// the run was recorded, the run is marked FAILED.
type Pipeline struct {
	runs  bq.RunRepository
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps. runs may be nil
// for pipelines that never record a run.
func NewPipeline(runs bq.RunRepository, steps ...PipelineStep) *Pipeline {
	return &Pipeline{runs: runs, steps: steps}
}

// Execute runs all steps sequentially and stops at the first failure.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	tagged := false
	for i, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			err = fmt.Errorf("pipeline step %d (%s) failed: %w", i+1, step.Name(), err)
			p.markFailed(ctx, state, err)
			return err
		}
		if !tagged && state.RunID != "" {
			ctx = logger.WithRunID(ctx, state.RunID)
			tagged = true
		}
	}
	return nil
}

func (p *Pipeline) markFailed(ctx context.Context, state *PipelineState, runErr error) {
	if p.runs == nil || state.RunID == "" {
		return
	}
	// The run must be closed even when ctx was cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	p.runs.MarkRunFailed(ctx, state.RunID, runErr, statsOf(state))
}

// statsOf collects the run counters known so far.
func statsOf(state *PipelineState) bq.RunStats {
	stats := bq.RunStats{
		TransactionsRead: int64(state.Batch.TransactionsRead),
		BudgetLinesRead:  int64(state.Batch.BudgetLinesRead),
		RejectedRecords:  int64(len(state.Batch.Rejected)),
	}
	r := state.Report()
	if r == nil {
		return stats
	}
	stats.UnresolvedKeys = int64(r.Unresolved)
	stats.FactRows = int64(r.FactRows())
	stats.Metadata = map[string]interface{}{
		"rejected_by_source":      r.RejectedBySource,
		"unresolved_by_dimension": r.UnresolvedByDimension,
		"uncovered_budget_lines":  r.UncoveredBudgetLines,
		"uncovered_transactions":  r.UncoveredTransactions,
		"duplicate_budget_rows":   r.DuplicateBudgetRows,
		"date_rows":               r.DateRows,
		"department_rows":         r.DepartmentRows,
		"account_rows":            r.AccountRows,
		"actual_fact_rows":        r.ActualFactRows,
		"budget_fact_rows":        r.BudgetFactRows,
		"monthly_variance_rows":   r.MonthlyVarianceRows,
		"amount_overflows":        r.AmountOverflows,
		"new_keys":                len(state.Result.PendingMappings),
	}
	if len(state.Tables) > 0 {
		stats.Metadata["tables"] = state.Tables
	}
	return stats
}

func logReport(ctx context.Context, r *starschema.Report) {
	log := logger.FromContext(ctx)
	for _, rej := range r.RejectedSamples {
		log.Warn().
			Str("source", rej.Source).
			Str("record_id", rej.RecordID).
			Int("line", rej.Line).
			Str("field", rej.Field).
			Err(rej.Err).
			Msg("Malformed record rejected")
	}
	for _, u := range r.UnresolvedSamples {
		log.Warn().
			Str("dimension", string(u.Dimension)).
			Str("natural_key", u.NaturalKey).
			Str("record_id", u.RecordID).
			Msg("Unresolved dimension key")
	}
	if r.UncoveredBudgetLines > 0 {
		log.Warn().
			Int("uncovered_budget_lines", r.UncoveredBudgetLines).
			Strs("samples", r.UncoveredBudgetSamples).
			Msg("Budget lines outside the calendar produced no facts")
	}
}
