package starschema

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/finance-warehouse/internal/domain"
	"github.com/dvloznov/finance-warehouse/internal/logger"
)

// Options configures one Transformer.
type Options struct {
	Calendar   CalendarOptions
	Resolver   ResolverOptions
	Facts      FactOptions
	MaxSamples int
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Resolver: ResolverOptions{IncludeBudgetKeys: true},
		Facts:    FactOptions{Workers: 4, MonthlyVariance: true},
	}
}

// Result is the complete set of output datasets of one run plus its report.
type Result struct {
	Dates           []domain.DateRow
	Departments     []domain.DepartmentRow
	Accounts        []domain.AccountRow
	Scenarios       []domain.ScenarioRow
	Financials      []domain.FactRow
	MonthlyVariance []domain.MonthlyVarianceRow

	// PendingMappings are surrogate keys assigned by this run that are not
	// yet in the key store.
	PendingMappings []domain.KeyMapping

	Report *Report
}

// Transformer turns a raw batch into the star schema.
type Transformer struct {
	assigner KeyAssigner
	opts     Options
}

// NewTransformer creates a Transformer assigning surrogate keys with assigner.
func NewTransformer(assigner KeyAssigner, opts Options) *Transformer {
	return &Transformer{assigner: assigner, opts: opts}
}

// Transform builds DimDate and the key-bearing dimensions concurrently,
// waits for both, then assembles the facts. It produces nothing on error.
func (t *Transformer) Transform(ctx context.Context, batch domain.RawBatch) (*Result, error) {
	log := logger.FromContext(ctx)

	report := NewReport(t.opts.MaxSamples)
	report.TransactionsRead = batch.TransactionsRead
	report.BudgetLinesRead = batch.BudgetLinesRead
	rejectedTxs := 0
	for _, rej := range batch.Rejected {
		report.AddRejected(rej)
		if rej.Source == domain.SourceTransactions {
			rejectedTxs++
		}
	}

	if len(batch.Transactions) == 0 {
		return nil, &domain.EmptyInputError{Rejected: rejectedTxs}
	}

	var (
		dates    []domain.DateRow
		resolver *DimensionResolver
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := BuildDateDimension(batch.Transactions, batch.Budget, t.opts.Calendar)
		if err != nil {
			return fmt.Errorf("date dimension: %w", err)
		}
		dates = rows
		return gctx.Err()
	})
	g.Go(func() error {
		r, err := NewDimensionResolver(batch.Transactions, batch.Budget, t.assigner, t.opts.Resolver)
		if err != nil {
			return fmt.Errorf("dimensions: %w", err)
		}
		resolver = r
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("Transform: %w", err)
	}

	log.Debug().
		Int("date_rows", len(dates)).
		Int("department_rows", len(resolver.Departments())).
		Int("account_rows", len(resolver.Accounts())).
		Msg("Dimensions built")

	assembler := NewFactAssembler(NewCalendar(dates), resolver, t.opts.Facts)
	facts, err := assembler.Assemble(ctx, batch.Transactions, batch.Budget, report)
	if err != nil {
		return nil, fmt.Errorf("Transform: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("Transform: %w", err)
	}

	res := &Result{
		Dates:           dates,
		Departments:     resolver.Departments(),
		Accounts:        resolver.Accounts(),
		Scenarios:       resolver.Scenarios(),
		Financials:      facts.Financials,
		MonthlyVariance: facts.MonthlyVariance,
		PendingMappings: resolver.PendingMappings(),
		Report:          report,
	}
	report.DateRows = len(res.Dates)
	report.DepartmentRows = len(res.Departments)
	report.AccountRows = len(res.Accounts)

	log.Info().
		Int("fact_rows", report.FactRows()).
		Int("rejected_records", report.Rejected).
		Int("unresolved_keys", report.Unresolved).
		Int("uncovered_budget_lines", report.UncoveredBudgetLines).
		Msg("Transform complete")

	return res, nil
}
