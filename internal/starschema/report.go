package starschema

import (
	"fmt"

	"github.com/dvloznov/finance-warehouse/internal/domain"
)

// DefaultMaxSamples is the number of samples kept per data-quality condition.
const DefaultMaxSamples = 10

// Report accumulates the non-fatal outcomes of one run. It is returned with
// the outputs so the caller can judge the defect rate.
type Report struct {
	TransactionsRead int
	BudgetLinesRead  int

	Rejected         int
	RejectedBySource map[string]int
	RejectedSamples  []*domain.MalformedRecordError

	Unresolved            int
	UnresolvedByDimension map[domain.Dimension]int
	UnresolvedSamples     []*domain.UnresolvedDimensionKey

	// Budget lines whose month has no DimDate rows, so they produced no facts.
	UncoveredBudgetLines   int
	UncoveredBudgetSamples []string

	// Transactions whose day is missing from DimDate. Zero whenever DimDate
	// was derived from the same batch.
	UncoveredTransactions int

	DuplicateBudgetRows int

	// Monthly sums outside NUMERIC(18,2), written as null.
	AmountOverflows       int
	AmountOverflowSamples []string

	DateRows            int
	DepartmentRows      int
	AccountRows         int
	ActualFactRows      int
	BudgetFactRows      int
	MonthlyVarianceRows int

	maxSamples int
}

// NewReport creates an empty report keeping up to maxSamples samples per
// condition. maxSamples <= 0 selects DefaultMaxSamples.
func NewReport(maxSamples int) *Report {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Report{
		RejectedBySource:      make(map[string]int),
		UnresolvedByDimension: make(map[domain.Dimension]int),
		maxSamples:            maxSamples,
	}
}

// AddRejected records one malformed input row.
func (r *Report) AddRejected(err *domain.MalformedRecordError) {
	r.Rejected++
	r.RejectedBySource[err.Source]++
	if len(r.RejectedSamples) < r.maxSamples {
		r.RejectedSamples = append(r.RejectedSamples, err)
	}
}

// AddUnresolved records one natural key that did not resolve.
func (r *Report) AddUnresolved(u *domain.UnresolvedDimensionKey) {
	r.Unresolved++
	r.UnresolvedByDimension[u.Dimension]++
	if len(r.UnresolvedSamples) < r.maxSamples {
		r.UnresolvedSamples = append(r.UnresolvedSamples, u)
	}
}

// AddUncoveredBudget records a budget line with no calendar rows.
func (r *Report) AddUncoveredBudget(budgetID string) {
	r.UncoveredBudgetLines++
	if len(r.UncoveredBudgetSamples) < r.maxSamples {
		r.UncoveredBudgetSamples = append(r.UncoveredBudgetSamples, budgetID)
	}
}

// AddAmountOverflow records an aggregated amount that does not fit the
// warehouse column.
func (r *Report) AddAmountOverflow(cell string) {
	r.AmountOverflows++
	if len(r.AmountOverflowSamples) < r.maxSamples {
		r.AmountOverflowSamples = append(r.AmountOverflowSamples, cell)
	}
}

// merge folds a partition-local report into r.
func (r *Report) merge(o *Report) {
	r.Rejected += o.Rejected
	for source, n := range o.RejectedBySource {
		r.RejectedBySource[source] += n
	}
	for _, s := range o.RejectedSamples {
		if len(r.RejectedSamples) < r.maxSamples {
			r.RejectedSamples = append(r.RejectedSamples, s)
		}
	}
	r.Unresolved += o.Unresolved
	for dim, n := range o.UnresolvedByDimension {
		r.UnresolvedByDimension[dim] += n
	}
	for _, s := range o.UnresolvedSamples {
		if len(r.UnresolvedSamples) < r.maxSamples {
			r.UnresolvedSamples = append(r.UnresolvedSamples, s)
		}
	}
	r.UncoveredBudgetLines += o.UncoveredBudgetLines
	for _, s := range o.UncoveredBudgetSamples {
		if len(r.UncoveredBudgetSamples) < r.maxSamples {
			r.UncoveredBudgetSamples = append(r.UncoveredBudgetSamples, s)
		}
	}
	r.UncoveredTransactions += o.UncoveredTransactions
}

// RecordsRead is the number of data rows read across both sources.
func (r *Report) RecordsRead() int {
	return r.TransactionsRead + r.BudgetLinesRead
}

// RejectRatio is the share of read records rejected as malformed.
func (r *Report) RejectRatio() float64 {
	if r.RecordsRead() == 0 {
		return 0
	}
	return float64(r.Rejected) / float64(r.RecordsRead())
}

// FactRows is the number of FactFinancials rows produced.
func (r *Report) FactRows() int {
	return r.ActualFactRows + r.BudgetFactRows
}

// CheckRejectRatio fails when more than maxRatio of the input was rejected.
// A maxRatio >= 1 never fails.
func (r *Report) CheckRejectRatio(maxRatio float64) error {
	if maxRatio >= 1 {
		return nil
	}
	if ratio := r.RejectRatio(); ratio > maxRatio {
		return fmt.Errorf("rejected %d of %d records (%.2f%%), above the %.2f%% limit",
			r.Rejected, r.RecordsRead(), ratio*100, maxRatio*100)
	}
	return nil
}
