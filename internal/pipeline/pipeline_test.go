package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bq "github.com/dvloznov/finance-warehouse/internal/bigquery"
	"github.com/dvloznov/finance-warehouse/internal/columnar"
	"github.com/dvloznov/finance-warehouse/internal/domain"
	"github.com/dvloznov/finance-warehouse/internal/jobs"
	"github.com/dvloznov/finance-warehouse/internal/keymap"
	"github.com/dvloznov/finance-warehouse/internal/metrics"
	"github.com/dvloznov/finance-warehouse/internal/pipeline"
	"github.com/dvloznov/finance-warehouse/internal/starschema"
	"github.com/dvloznov/finance-warehouse/internal/warehouse"
)

// MockRunRepository is a mock implementation of bq.RunRepository.
type MockRunRepository struct {
	StartRunFunc func(ctx context.Context, trigger string) (string, error)

	calls     []string
	failedErr error
	stats     bq.RunStats
}

func (m *MockRunRepository) StartRun(ctx context.Context, trigger string) (string, error) {
	m.calls = append(m.calls, "start:"+trigger)
	if m.StartRunFunc != nil {
		return m.StartRunFunc(ctx, trigger)
	}
	return "run-123", nil
}

func (m *MockRunRepository) MarkRunFailed(ctx context.Context, runID string, runErr error, stats bq.RunStats) {
	m.calls = append(m.calls, "failed:"+runID)
	m.failedErr = runErr
	m.stats = stats
}

func (m *MockRunRepository) MarkRunSucceeded(ctx context.Context, runID string, stats bq.RunStats) error {
	m.calls = append(m.calls, "succeeded:"+runID)
	m.stats = stats
	return nil
}

func (m *MockRunRepository) ListRecentRuns(ctx context.Context, limit int) ([]*bq.LoadRunRow, error) {
	return nil, nil
}

// MockProvider returns a fixed batch.
type MockProvider struct {
	Batch domain.RawBatch
	Err   error
	reads int
}

func (m *MockProvider) Read(ctx context.Context) (domain.RawBatch, error) {
	m.reads++
	return m.Batch, m.Err
}

// MockWriter records the datasets it was asked to write.
type MockWriter struct {
	Err    error
	runID  string
	tables []string
}

func (m *MockWriter) Write(ctx context.Context, runID string, datasets []columnar.Dataset) ([]warehouse.TableResult, error) {
	m.runID = runID
	var out []warehouse.TableResult
	for _, ds := range datasets {
		m.tables = append(m.tables, ds.Table)
		out = append(out, warehouse.TableResult{Table: ds.Table, Rows: ds.Rows})
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return out, nil
}

// failingStore fails every call.
type failingStore struct{}

func (failingStore) Load(ctx context.Context) (map[domain.Dimension]map[string]int64, error) {
	return nil, errors.New("store offline")
}

func (failingStore) Save(ctx context.Context, mappings []domain.KeyMapping) error {
	return errors.New("store offline")
}

func sampleBatch() domain.RawBatch {
	return domain.RawBatch{
		Transactions: []domain.RawTransaction{
			{TransactionID: "T1", Date: civil.Date{Year: 2024, Month: 1, Day: 5}, DepartmentID: "D1", AccountID: "A1", Amount: decimal.RequireFromString("100.00")},
			{TransactionID: "T2", Date: civil.Date{Year: 2024, Month: 1, Day: 20}, DepartmentID: "D2", AccountID: "A1", Amount: decimal.RequireFromString("-40.50")},
		},
		Budget: []domain.RawBudgetLine{
			{BudgetID: "B1", Period: domain.Period{Year: 2024, Month: 1}, DepartmentID: "D1", AccountID: "A1", BudgetAmount: decimal.RequireFromString("3100.00")},
		},
		TransactionsRead: 2,
		BudgetLinesRead:  1,
	}
}

func newRunner(runs bq.RunRepository, provider pipeline.RawProvider, store keymap.Store, writer pipeline.TableWriter, m *metrics.Metrics) *pipeline.Runner {
	return pipeline.NewRunner(pipeline.Deps{
		Runs:     runs,
		Provider: provider,
		Keys:     store,
		Writer:   writer,
		Metrics:  m,
	}, pipeline.Options{
		KeyStrategy:    starschema.StrategyMapped,
		Transform:      starschema.DefaultOptions(),
		MaxRejectRatio: 1,
	})
}

func TestRunner_Run_Success(t *testing.T) {
	runs := &MockRunRepository{}
	writer := &MockWriter{}
	store := keymap.NewMemoryStore()
	m := metrics.New()

	summary, err := newRunner(runs, &MockProvider{Batch: sampleBatch()}, store, writer, m).Run(context.Background(), pipeline.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, []string{"start:manual", "succeeded:run-123"}, runs.calls)
	assert.Equal(t, "run-123", summary.RunID)
	assert.Equal(t, "run-123", writer.runID)
	assert.Equal(t, []string{
		domain.TableDimDate,
		domain.TableDimDepartment,
		domain.TableDimAccount,
		domain.TableDimScenario,
		domain.TableFactFinancials,
		domain.TableFactMonthlyVariance,
	}, writer.tables)

	// 2 actual rows plus the January budget fanned out over Jan 5..20.
	assert.Equal(t, 18, summary.Report.FactRows())
	assert.EqualValues(t, 18, runs.stats.FactRows)
	assert.EqualValues(t, 2, runs.stats.TransactionsRead)
	assert.EqualValues(t, 1, runs.stats.BudgetLinesRead)
	assert.Len(t, summary.Tables, 6)

	keys, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"D1": 1, "D2": 2}, keys[domain.DimensionDepartment])
	assert.Equal(t, map[string]int64{"A1": 1}, keys[domain.DimensionAccount])

	assert.Equal(t, float64(1), findCounter(t, m))
}

func findCounter(t *testing.T, m *metrics.Metrics) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "finwh_runs_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "outcome" && lp.GetValue() == metrics.OutcomeSuccess {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	t.Fatalf("finwh_runs_total{outcome=success} not found")
	return 0
}

func TestRunner_Run_KeysStableAcrossRuns(t *testing.T) {
	store := keymap.NewMemoryStore()
	runner := newRunner(&MockRunRepository{}, &MockProvider{Batch: sampleBatch()}, store, &MockWriter{}, nil)

	first, err := runner.Run(context.Background(), pipeline.TriggerSchedule)
	require.NoError(t, err)

	// A later batch introducing D0 must not renumber D1/D2.
	batch := sampleBatch()
	batch.Transactions = append(batch.Transactions, domain.RawTransaction{
		TransactionID: "T3", Date: civil.Date{Year: 2024, Month: 1, Day: 7}, DepartmentID: "D0", AccountID: "A1", Amount: decimal.RequireFromString("1.00"),
	})
	runner = newRunner(&MockRunRepository{}, &MockProvider{Batch: batch}, store, &MockWriter{}, nil)
	second, err := runner.Run(context.Background(), pipeline.TriggerSchedule)
	require.NoError(t, err)

	assert.Equal(t, first.Report.DepartmentRows+1, second.Report.DepartmentRows)
	keys, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"D1": 1, "D2": 2, "D0": 3}, keys[domain.DimensionDepartment])
}

func TestRunner_Run_WriteFailureMarksRunFailed(t *testing.T) {
	runs := &MockRunRepository{}
	writeErr := &domain.WriteFailure{Table: domain.TableFactFinancials, Stage: domain.StageLoad, Err: errors.New("boom")}

	summary, err := newRunner(runs, &MockProvider{Batch: sampleBatch()}, keymap.NewMemoryStore(), &MockWriter{Err: writeErr}, metrics.New()).
		Run(context.Background(), pipeline.TriggerAPI)

	require.Error(t, err)
	var wf *domain.WriteFailure
	require.True(t, errors.As(err, &wf))
	assert.Equal(t, domain.TableFactFinancials, wf.Table)
	assert.Contains(t, err.Error(), "write_tables")

	assert.Equal(t, []string{"start:api", "failed:run-123"}, runs.calls)
	assert.ErrorIs(t, runs.failedErr, writeErr)
	assert.EqualValues(t, 18, runs.stats.FactRows, "counters known at failure are recorded")
	assert.Equal(t, "run-123", summary.RunID)
}

func TestRunner_Run_StartFailureSkipsEverything(t *testing.T) {
	runs := &MockRunRepository{
		StartRunFunc: func(ctx context.Context, trigger string) (string, error) {
			return "", errors.New("bigquery unavailable")
		},
	}
	provider := &MockProvider{Batch: sampleBatch()}
	writer := &MockWriter{}

	_, err := newRunner(runs, provider, keymap.NewMemoryStore(), writer, nil).Run(context.Background(), pipeline.TriggerManual)

	require.Error(t, err)
	assert.Equal(t, []string{"start:manual"}, runs.calls, "no run to mark failed")
	assert.Zero(t, provider.reads)
	assert.Empty(t, writer.tables)
}

func TestRunner_Run_EmptyInput(t *testing.T) {
	runs := &MockRunRepository{}
	writer := &MockWriter{}
	store := keymap.NewMemoryStore()
	batch := domain.RawBatch{
		TransactionsRead: 1,
		Rejected: []*domain.MalformedRecordError{
			{Source: domain.SourceTransactions, Line: 2, RecordID: "T1", Field: "Amount", Value: "abc"},
		},
	}

	_, err := newRunner(runs, &MockProvider{Batch: batch}, store, writer, nil).Run(context.Background(), pipeline.TriggerManual)

	var empty *domain.EmptyInputError
	require.True(t, errors.As(err, &empty), "expected EmptyInputError, got %v", err)
	assert.Equal(t, 1, empty.Rejected)
	assert.Equal(t, []string{"start:manual", "failed:run-123"}, runs.calls)
	assert.EqualValues(t, 1, runs.stats.RejectedRecords)
	assert.Empty(t, writer.tables)

	keys, _ := store.Load(context.Background())
	assert.Empty(t, keys)
}

func TestRunner_Run_RejectRatioExceeded(t *testing.T) {
	runs := &MockRunRepository{}
	writer := &MockWriter{}
	batch := sampleBatch()
	batch.BudgetLinesRead = 3
	batch.Rejected = []*domain.MalformedRecordError{
		{Source: domain.SourceBudget, Line: 3, RecordID: "B2", Field: "Period", Value: "2024-13"},
		{Source: domain.SourceBudget, Line: 4, RecordID: "B3", Field: "BudgetAmount", Value: ""},
	}

	runner := pipeline.NewRunner(pipeline.Deps{
		Runs:     runs,
		Provider: &MockProvider{Batch: batch},
		Keys:     keymap.NewMemoryStore(),
		Writer:   writer,
	}, pipeline.Options{
		KeyStrategy:    starschema.StrategyMapped,
		Transform:      starschema.DefaultOptions(),
		MaxRejectRatio: 0.1,
	})
	_, err := runner.Run(context.Background(), pipeline.TriggerManual)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "transform")
	assert.Empty(t, writer.tables)
	assert.Equal(t, "failed:run-123", runs.calls[len(runs.calls)-1])
}

func TestRunner_Run_HashStrategySkipsKeyStore(t *testing.T) {
	runner := pipeline.NewRunner(pipeline.Deps{
		Runs:     &MockRunRepository{},
		Provider: &MockProvider{Batch: sampleBatch()},
		Keys:     failingStore{},
		Writer:   &MockWriter{},
	}, pipeline.Options{
		KeyStrategy:    starschema.StrategyHash,
		Transform:      starschema.DefaultOptions(),
		MaxRejectRatio: 1,
	})

	summary, err := runner.Run(context.Background(), pipeline.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Report.DepartmentRows)
}

func TestRunner_Run_KeyStoreFailure(t *testing.T) {
	runs := &MockRunRepository{}
	_, err := newRunner(runs, &MockProvider{Batch: sampleBatch()}, failingStore{}, &MockWriter{}, nil).
		Run(context.Background(), pipeline.TriggerManual)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "load key map")
	assert.Equal(t, "failed:run-123", runs.calls[len(runs.calls)-1])
}

func TestRunner_Preview(t *testing.T) {
	runs := &MockRunRepository{}
	writer := &MockWriter{}
	store := keymap.NewMemoryStore()

	res, err := newRunner(runs, &MockProvider{Batch: sampleBatch()}, store, writer, nil).Preview(context.Background())
	require.NoError(t, err)

	assert.Len(t, res.Dates, 16)
	assert.Len(t, res.PendingMappings, 3)
	assert.Empty(t, runs.calls)
	assert.Empty(t, writer.tables)

	keys, _ := store.Load(context.Background())
	assert.Empty(t, keys, "preview never persists keys")
}

func TestPipeline_ExecuteStopsAtFirstFailure(t *testing.T) {
	var executed []string
	step := func(name string, err error) pipeline.PipelineStep {
		return &funcStep{name: name, fn: func() error {
			executed = append(executed, name)
			return err
		}}
	}
	runs := &MockRunRepository{}
	state := &pipeline.PipelineState{RunID: "run-9"}

	err := pipeline.NewPipeline(runs,
		step("a", nil),
		step("b", errors.New("bad")),
		step("c", nil),
	).Execute(context.Background(), state)

	require.EqualError(t, err, "pipeline step 2 (b) failed: bad")
	assert.Equal(t, []string{"a", "b"}, executed)
	assert.Equal(t, []string{"failed:run-9"}, runs.calls)
}

func TestPipeline_MarksFailedWithLiveContext(t *testing.T) {
	var markCtxErr error
	runs := &ctxRecordingRuns{MockRunRepository: &MockRunRepository{}, onFailed: func(ctx context.Context) { markCtxErr = ctx.Err() }}
	ctx, cancel := context.WithCancel(context.Background())

	err := pipeline.NewPipeline(runs, &funcStep{name: "cancel", fn: func() error {
		cancel()
		return context.Canceled
	}}).Execute(ctx, &pipeline.PipelineState{RunID: "run-1"})

	require.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, markCtxErr)
}

type funcStep struct {
	name string
	fn   func() error
}

func (s *funcStep) Name() string { return s.name }

func (s *funcStep) Execute(ctx context.Context, state *pipeline.PipelineState) error {
	return s.fn()
}

type ctxRecordingRuns struct {
	*MockRunRepository
	onFailed func(ctx context.Context)
}

func (r *ctxRecordingRuns) MarkRunFailed(ctx context.Context, runID string, runErr error, stats bq.RunStats) {
	r.onFailed(ctx)
	r.MockRunRepository.MarkRunFailed(ctx, runID, runErr, stats)
}

func TestRunner_JobHandler(t *testing.T) {
	handler := newRunner(&MockRunRepository{}, &MockProvider{Batch: sampleBatch()}, keymap.NewMemoryStore(), &MockWriter{}, nil).JobHandler()

	job := &jobs.LoadJob{JobID: "j1", Trigger: pipeline.TriggerAPI}
	require.NoError(t, handler(context.Background(), job))

	assert.Equal(t, "run-123", job.RunID)
	require.NotNil(t, job.Result)
	assert.Equal(t, 18, job.Result.FactRows)
	assert.Equal(t, 6, job.Result.Tables)
}

func TestRunner_JobHandler_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name          string
		provider      *MockProvider
		writer        *MockWriter
		wantPermanent bool
	}{
		{
			name:          "empty input",
			provider:      &MockProvider{},
			writer:        &MockWriter{},
			wantPermanent: true,
		},
		{
			name:          "storage outage",
			provider:      &MockProvider{Err: errors.New("connection reset")},
			writer:        &MockWriter{},
			wantPermanent: false,
		},
		{
			name:          "load failure",
			provider:      &MockProvider{Batch: sampleBatch()},
			writer:        &MockWriter{Err: &domain.WriteFailure{Table: domain.TableDimDate, Stage: domain.StageLoad, Err: errors.New("quota")}},
			wantPermanent: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newRunner(&MockRunRepository{}, tt.provider, keymap.NewMemoryStore(), tt.writer, nil).JobHandler()
			job := &jobs.LoadJob{JobID: "j1", Trigger: pipeline.TriggerSchedule}

			err := handler(context.Background(), job)

			require.Error(t, err)
			assert.Equal(t, tt.wantPermanent, jobs.IsPermanent(err))
			assert.Equal(t, "run-123", job.RunID)
			assert.Nil(t, job.Result)
		})
	}
}

func TestIsDataError_RejectLimit(t *testing.T) {
	err := fmt.Errorf("pipeline step 4 (transform) failed: %w", fmt.Errorf("%w: too many", pipeline.ErrRejectLimit))
	assert.True(t, pipeline.IsDataError(err))
	assert.True(t, pipeline.IsDataError(&domain.KeyCollisionError{}))
	assert.False(t, pipeline.IsDataError(context.Canceled))
	assert.False(t, pipeline.IsDataError(fmt.Errorf("Save: %w", keymap.ErrConflict)), "a lost key race is retried")

	encode := &domain.WriteFailure{Table: domain.TableFactFinancials, Stage: domain.StageEncode,
		Err: fmt.Errorf("Encode: %w", columnar.ErrAmountOutOfRange)}
	assert.True(t, pipeline.IsDataError(fmt.Errorf("pipeline step 6 (write) failed: %w", encode)))
}
