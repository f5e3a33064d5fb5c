package starschema

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-warehouse/internal/domain"
)

type varianceKey struct {
	month        int32
	departmentID string
	accountID    string
}

type varianceSums struct {
	actual, budget decimal.Decimal
	hasActual      bool
	hasBudget      bool
}

// BuildMonthlyVariance compares actual and budget amounts per
// (month, department, account). Every combination present on either side
// produces a row; VarianceAmount is ActualAmount - BudgetAmount and is set
// only when both sides are present. A sum outside NUMERIC(18,2) is written
// as null and counted in report, which may be nil.
func BuildMonthlyVariance(txs []domain.RawTransaction, budget []domain.RawBudgetLine, keys KeyLookup, report *Report) []domain.MonthlyVarianceRow {
	sums := make(map[varianceKey]*varianceSums)
	get := func(k varianceKey) *varianceSums {
		s, ok := sums[k]
		if !ok {
			s = &varianceSums{}
			sums[k] = s
		}
		return s
	}

	for _, tx := range txs {
		s := get(varianceKey{domain.PeriodOf(tx.Date).MonthKey(), tx.DepartmentID, tx.AccountID})
		s.actual = s.actual.Add(tx.Amount)
		s.hasActual = true
	}
	for _, b := range budget {
		s := get(varianceKey{b.Period.MonthKey(), b.DepartmentID, b.AccountID})
		s.budget = s.budget.Add(b.BudgetAmount)
		s.hasBudget = true
	}

	rows := make([]domain.MonthlyVarianceRow, 0, len(sums))
	for k, s := range sums {
		row := domain.MonthlyVarianceRow{
			MonthKey:     k.month,
			DepartmentID: k.departmentID,
			AccountID:    k.accountID,
		}
		if key, ok := keys.Resolve(domain.DimensionDepartment, k.departmentID); ok {
			row.DepartmentKey = &key
		}
		if key, ok := keys.Resolve(domain.DimensionAccount, k.accountID); ok {
			row.AccountKey = &key
		}
		if s.hasActual {
			row.ActualAmount = decimal.NewNullDecimal(s.actual)
		}
		if s.hasBudget {
			row.BudgetAmount = decimal.NewNullDecimal(s.budget)
		}
		if s.hasActual && s.hasBudget {
			row.VarianceAmount = decimal.NewNullDecimal(s.actual.Sub(s.budget))
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.MonthKey != b.MonthKey {
			return a.MonthKey < b.MonthKey
		}
		if a.DepartmentID != b.DepartmentID {
			return a.DepartmentID < b.DepartmentID
		}
		return a.AccountID < b.AccountID
	})

	for i := range rows {
		r := &rows[i]
		for _, col := range []struct {
			name   string
			amount *decimal.NullDecimal
		}{
			{"ActualAmount", &r.ActualAmount},
			{"BudgetAmount", &r.BudgetAmount},
			{"VarianceAmount", &r.VarianceAmount},
		} {
			if !col.amount.Valid || domain.AmountFits(col.amount.Decimal) {
				continue
			}
			*col.amount = decimal.NullDecimal{}
			if report != nil {
				report.AddAmountOverflow(fmt.Sprintf("%d/%s/%s %s", r.MonthKey, r.DepartmentID, r.AccountID, col.name))
			}
		}
	}
	return rows
}
