package starschema

import (
	"context"
	"fmt"
	"sort"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/finance-warehouse/internal/domain"
)

// FactOptions controls FactAssembler.
type FactOptions struct {
	// Workers is the number of partitions each fact path is split into.
	// Values below 1 mean 1.
	Workers int

	// MonthlyVariance enables FactMonthlyVariance.
	MonthlyVariance bool
}

// FactAssembler joins the raw records to the dimensions and produces the
// fact tables. It only reads the calendar and the key lookup.
type FactAssembler struct {
	cal  *Calendar
	keys KeyLookup
	opts FactOptions
}

// NewFactAssembler creates an assembler over a built calendar and resolver.
func NewFactAssembler(cal *Calendar, keys KeyLookup, opts FactOptions) *FactAssembler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &FactAssembler{cal: cal, keys: keys, opts: opts}
}

// Facts holds the assembled fact tables.
type Facts struct {
	Financials      []domain.FactRow
	MonthlyVariance []domain.MonthlyVarianceRow
}

type partial struct {
	rows   []domain.FactRow
	report *Report
}

// Assemble builds FactFinancials (actual rows followed by budget rows) and,
// when enabled, FactMonthlyVariance. Data-quality outcomes go to report.
func (a *FactAssembler) Assemble(ctx context.Context, txs []domain.RawTransaction, budget []domain.RawBudgetLine, report *Report) (*Facts, error) {
	actualParts := make([]partial, a.opts.Workers)
	budgetParts := make([]partial, a.opts.Workers)

	g, ctx := errgroup.WithContext(ctx)
	for i, r := range partitions(len(txs), a.opts.Workers) {
		i, r := i, r
		g.Go(func() error {
			p, err := a.assembleActual(ctx, txs[r.lo:r.hi], report.maxSamples)
			actualParts[i] = p
			return err
		})
	}
	for i, r := range partitions(len(budget), a.opts.Workers) {
		i, r := i, r
		g.Go(func() error {
			p, err := a.assembleBudget(ctx, budget[r.lo:r.hi], report.maxSamples)
			budgetParts[i] = p
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("Assemble: %w", err)
	}

	var actual, planned []domain.FactRow
	for _, p := range actualParts {
		actual = append(actual, p.rows...)
		if p.report != nil {
			report.merge(p.report)
		}
	}
	for _, p := range budgetParts {
		planned = append(planned, p.rows...)
		if p.report != nil {
			report.merge(p.report)
		}
	}

	planned, dropped := dedupeFacts(planned)
	report.DuplicateBudgetRows += dropped

	sortFacts(actual)
	sortFacts(planned)

	facts := &Facts{Financials: append(actual, planned...)}
	report.ActualFactRows = len(actual)
	report.BudgetFactRows = len(planned)

	if a.opts.MonthlyVariance {
		facts.MonthlyVariance = BuildMonthlyVariance(txs, budget, a.keys, report)
		report.MonthlyVarianceRows = len(facts.MonthlyVariance)
	}
	return facts, nil
}

func (a *FactAssembler) assembleActual(ctx context.Context, txs []domain.RawTransaction, maxSamples int) (partial, error) {
	p := partial{rows: make([]domain.FactRow, 0, len(txs)), report: NewReport(maxSamples)}
	for i, tx := range txs {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return p, err
			}
		}

		dateKey := domain.DateKeyOf(tx.Date)
		if _, ok := a.cal.Day(tx.Date); !ok {
			p.report.UncoveredTransactions++
		}

		p.rows = append(p.rows, domain.FactRow{
			TransactionID:   tx.TransactionID,
			DateKey:         dateKey,
			DepartmentKey:   a.resolve(domain.DimensionDepartment, tx.DepartmentID, tx.TransactionID, p.report),
			AccountKey:      a.resolve(domain.DimensionAccount, tx.AccountID, tx.TransactionID, p.report),
			ScenarioKey:     domain.ScenarioActual,
			Amount:          decimal.NewNullDecimal(tx.Amount),
			TransactionDate: tx.Date,
		})
	}
	return p, nil
}

func (a *FactAssembler) assembleBudget(ctx context.Context, budget []domain.RawBudgetLine, maxSamples int) (partial, error) {
	p := partial{report: NewReport(maxSamples)}
	for i, b := range budget {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return p, err
			}
		}

		days := a.cal.Month(b.Period)
		if len(days) == 0 {
			p.report.AddUncoveredBudget(b.BudgetID)
			continue
		}

		deptKey := a.resolve(domain.DimensionDepartment, b.DepartmentID, b.BudgetID, p.report)
		acctKey := a.resolve(domain.DimensionAccount, b.AccountID, b.BudgetID, p.report)
		for _, day := range days {
			p.rows = append(p.rows, domain.FactRow{
				TransactionID:   b.BudgetID,
				DateKey:         day.DateKey,
				DepartmentKey:   deptKey,
				AccountKey:      acctKey,
				ScenarioKey:     domain.ScenarioBudget,
				BudgetAmount:    decimal.NewNullDecimal(b.BudgetAmount),
				TransactionDate: b.Period.FirstDay(),
			})
		}
	}
	return p, nil
}

// resolve returns a pointer to the surrogate key, or nil after recording
// the miss in report.
func (a *FactAssembler) resolve(dim domain.Dimension, naturalKey, recordID string, report *Report) *int64 {
	if k, ok := a.keys.Resolve(dim, naturalKey); ok {
		return &k
	}
	report.AddUnresolved(&domain.UnresolvedDimensionKey{
		Dimension:  dim,
		NaturalKey: naturalKey,
		RecordID:   recordID,
	})
	return nil
}

type factIdentity struct {
	transactionID   string
	dateKey         int32
	departmentKey   int64
	hasDepartment   bool
	accountKey      int64
	hasAccount      bool
	scenarioKey     int64
	amount          string
	budgetAmount    string
	transactionDate civil.Date
}

func identityOf(r domain.FactRow) factIdentity {
	id := factIdentity{
		transactionID:   r.TransactionID,
		dateKey:         r.DateKey,
		scenarioKey:     r.ScenarioKey,
		amount:          nullString(r.Amount),
		budgetAmount:    nullString(r.BudgetAmount),
		transactionDate: r.TransactionDate,
	}
	if r.DepartmentKey != nil {
		id.departmentKey, id.hasDepartment = *r.DepartmentKey, true
	}
	if r.AccountKey != nil {
		id.accountKey, id.hasAccount = *r.AccountKey, true
	}
	return id
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return "null"
	}
	return d.Decimal.String()
}

// dedupeFacts drops rows identical in every column, keeping the first.
func dedupeFacts(rows []domain.FactRow) ([]domain.FactRow, int) {
	seen := make(map[factIdentity]struct{}, len(rows))
	out := rows[:0]
	for _, r := range rows {
		id := identityOf(r)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, r)
	}
	return out, len(rows) - len(out)
}

func sortFacts(rows []domain.FactRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].TransactionID != rows[j].TransactionID {
			return rows[i].TransactionID < rows[j].TransactionID
		}
		return rows[i].DateKey < rows[j].DateKey
	})
}

type span struct{ lo, hi int }

// partitions splits n items into at most workers contiguous spans.
func partitions(n, workers int) []span {
	if n == 0 {
		return nil
	}
	if workers > n {
		workers = n
	}
	size := (n + workers - 1) / workers
	out := make([]span, 0, workers)
	for lo := 0; lo < n; lo += size {
		hi := lo + size
		if hi > n {
			hi = n
		}
		out = append(out, span{lo, hi})
	}
	return out
}
