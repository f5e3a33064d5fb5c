package starschema

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-warehouse/internal/domain"
)

func calendarFor(t *testing.T, start, end string) *Calendar {
	t.Helper()
	rows, err := BuildCalendar(day(t, start), day(t, end))
	require.NoError(t, err)
	return NewCalendar(rows)
}

func TestFactAssembler_UnresolvedKeyYieldsNull(t *testing.T) {
	keys := mapLookup{
		domain.DimensionDepartment: {},
		domain.DimensionAccount:    {"A1": 1},
	}
	txs := []domain.RawTransaction{tx(t, "T1", "2024-01-05", "D1", "A1", "100.00")}
	report := NewReport(0)

	facts, err := NewFactAssembler(calendarFor(t, "2024-01-05", "2024-01-05"), keys, FactOptions{}).
		Assemble(context.Background(), txs, nil, report)
	require.NoError(t, err)

	require.Len(t, facts.Financials, 1)
	row := facts.Financials[0]
	assert.Nil(t, row.DepartmentKey)
	require.NotNil(t, row.AccountKey)
	assert.Equal(t, int64(1), *row.AccountKey)

	assert.Equal(t, 1, report.Unresolved)
	assert.Equal(t, 1, report.UnresolvedByDimension[domain.DimensionDepartment])
	require.Len(t, report.UnresolvedSamples, 1)
	assert.Equal(t, &domain.UnresolvedDimensionKey{Dimension: domain.DimensionDepartment, NaturalKey: "D1", RecordID: "T1"}, report.UnresolvedSamples[0])
}

func TestFactAssembler_ActualCardinality(t *testing.T) {
	var txs []domain.RawTransaction
	for i := 0; i < 50; i++ {
		dept := fmt.Sprintf("D%d", i%3)
		txs = append(txs, tx(t, fmt.Sprintf("T%03d", i), "2024-01-10", dept, "A1", "1.50"))
	}
	// Only D0 resolves; output count must not depend on matches.
	keys := mapLookup{
		domain.DimensionDepartment: {"D0": 1},
		domain.DimensionAccount:    {"A1": 1},
	}
	report := NewReport(5)

	facts, err := NewFactAssembler(calendarFor(t, "2024-01-10", "2024-01-10"), keys, FactOptions{Workers: 4}).
		Assemble(context.Background(), txs, nil, report)
	require.NoError(t, err)

	assert.Len(t, facts.Financials, 50)
	assert.Equal(t, 50, report.ActualFactRows)
	assert.Equal(t, 33, report.Unresolved)
	assert.Len(t, report.UnresolvedSamples, 5, "samples are capped")
	for i, f := range facts.Financials {
		assert.Equal(t, fmt.Sprintf("T%03d", i), f.TransactionID, "rows are sorted")
		assert.False(t, f.VarianceAmount.Valid)
	}
}

func TestFactAssembler_BudgetFanOut(t *testing.T) {
	keys := mapLookup{
		domain.DimensionDepartment: {"D1": 1},
		domain.DimensionAccount:    {"A1": 1},
	}
	cal := calendarFor(t, "2024-01-01", "2024-03-31")

	tests := []struct {
		period string
		days   int
	}{
		{period: "2024-01", days: 31},
		{period: "2024-02", days: 29},
		{period: "2024-03", days: 31},
	}

	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			b := budgetLine(t, "B-"+tt.period, tt.period, "D1", "A1", "123.45")
			report := NewReport(0)

			facts, err := NewFactAssembler(cal, keys, FactOptions{Workers: 2}).
				Assemble(context.Background(), nil, []domain.RawBudgetLine{b}, report)
			require.NoError(t, err)

			require.Len(t, facts.Financials, tt.days)
			keysSeen := make(map[int32]bool)
			for _, f := range facts.Financials {
				assert.Equal(t, domain.ScenarioBudget, f.ScenarioKey)
				assert.False(t, f.Amount.Valid)
				assert.False(t, f.VarianceAmount.Valid)
				assert.True(t, f.BudgetAmount.Decimal.Equal(b.BudgetAmount))
				assert.Equal(t, b.Period, domain.PeriodOf(f.TransactionDate))
				keysSeen[f.DateKey] = true
			}
			assert.Len(t, keysSeen, tt.days, "DateKeys are distinct")
			assert.Equal(t, tt.days, report.BudgetFactRows)
		})
	}
}

func TestFactAssembler_PartialMonthCalendar(t *testing.T) {
	keys := mapLookup{domain.DimensionDepartment: {"D1": 1}, domain.DimensionAccount: {"A1": 1}}
	b := budgetLine(t, "B1", "2024-01", "D1", "A1", "90.00")
	report := NewReport(0)

	facts, err := NewFactAssembler(calendarFor(t, "2024-01-05", "2024-01-07"), keys, FactOptions{}).
		Assemble(context.Background(), nil, []domain.RawBudgetLine{b}, report)
	require.NoError(t, err)

	assert.Len(t, facts.Financials, 3, "one row per calendar day of the month present in DimDate")
}

func TestFactAssembler_DeduplicatesIdenticalBudgetRows(t *testing.T) {
	keys := mapLookup{domain.DimensionDepartment: {"D1": 1}, domain.DimensionAccount: {"A1": 1}}
	b := budgetLine(t, "B1", "2024-01", "D1", "A1", "90.00")
	other := budgetLine(t, "B1", "2024-01", "D1", "A1", "91.00")
	report := NewReport(0)

	facts, err := NewFactAssembler(calendarFor(t, "2024-01-05", "2024-01-07"), keys, FactOptions{Workers: 3}).
		Assemble(context.Background(), nil, []domain.RawBudgetLine{b, b, other}, report)
	require.NoError(t, err)

	assert.Len(t, facts.Financials, 6)
	assert.Equal(t, 3, report.DuplicateBudgetRows)
	assert.Equal(t, 6, report.BudgetFactRows)
}

func TestFactAssembler_UncoveredTransaction(t *testing.T) {
	keys := mapLookup{domain.DimensionDepartment: {"D1": 1}, domain.DimensionAccount: {"A1": 1}}
	txs := []domain.RawTransaction{tx(t, "T1", "2024-02-01", "D1", "A1", "5")}
	report := NewReport(0)

	facts, err := NewFactAssembler(calendarFor(t, "2024-01-01", "2024-01-31"), keys, FactOptions{}).
		Assemble(context.Background(), txs, nil, report)
	require.NoError(t, err)

	require.Len(t, facts.Financials, 1)
	assert.Equal(t, int32(20240201), facts.Financials[0].DateKey)
	assert.Equal(t, 1, report.UncoveredTransactions)
}

func TestFactAssembler_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	keys := mapLookup{}
	txs := []domain.RawTransaction{tx(t, "T1", "2024-01-01", "D1", "A1", "5")}

	_, err := NewFactAssembler(calendarFor(t, "2024-01-01", "2024-01-01"), keys, FactOptions{}).
		Assemble(ctx, txs, nil, NewReport(0))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPartitions(t *testing.T) {
	tests := []struct {
		n, workers int
		want       []span
	}{
		{n: 0, workers: 4, want: nil},
		{n: 3, workers: 8, want: []span{{0, 1}, {1, 2}, {2, 3}}},
		{n: 10, workers: 3, want: []span{{0, 4}, {4, 8}, {8, 10}}},
		{n: 10, workers: 1, want: []span{{0, 10}}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.n, tt.workers), func(t *testing.T) {
			assert.Equal(t, tt.want, partitions(tt.n, tt.workers))
		})
	}
}

func TestBuildMonthlyVariance(t *testing.T) {
	txs := []domain.RawTransaction{
		tx(t, "T1", "2024-01-05", "D1", "A1", "100.00"),
		tx(t, "T2", "2024-01-20", "D1", "A1", "25.50"),
		tx(t, "T3", "2024-02-01", "D1", "A1", "10.00"),
	}
	budget := []domain.RawBudgetLine{
		budgetLine(t, "B1", "2024-01", "D1", "A1", "90.00"),
		budgetLine(t, "B2", "2024-01", "D1", "A1", "40.00"),
		budgetLine(t, "B3", "2024-03", "D9", "A1", "5.00"),
	}
	keys := mapLookup{domain.DimensionDepartment: {"D1": 1}, domain.DimensionAccount: {"A1": 2}}

	rows := BuildMonthlyVariance(txs, budget, keys, nil)
	require.Len(t, rows, 3)

	jan := rows[0]
	assert.Equal(t, int32(202401), jan.MonthKey)
	assert.True(t, jan.ActualAmount.Decimal.Equal(decimal.RequireFromString("125.50")))
	assert.True(t, jan.BudgetAmount.Decimal.Equal(decimal.RequireFromString("130.00")))
	require.True(t, jan.VarianceAmount.Valid)
	assert.True(t, jan.VarianceAmount.Decimal.Equal(decimal.RequireFromString("-4.50")))
	require.NotNil(t, jan.DepartmentKey)
	assert.Equal(t, int64(1), *jan.DepartmentKey)
	assert.Equal(t, int64(2), *jan.AccountKey)

	feb := rows[1]
	assert.Equal(t, int32(202402), feb.MonthKey)
	assert.True(t, feb.ActualAmount.Valid)
	assert.False(t, feb.BudgetAmount.Valid)
	assert.False(t, feb.VarianceAmount.Valid)

	mar := rows[2]
	assert.Equal(t, int32(202403), mar.MonthKey)
	assert.False(t, mar.ActualAmount.Valid)
	assert.Nil(t, mar.DepartmentKey, "D9 has no dimension row")
	assert.Equal(t, "D9", mar.DepartmentID)
}

func TestBuildMonthlyVariance_AmountOverflow(t *testing.T) {
	txs := []domain.RawTransaction{
		tx(t, "T1", "2024-01-05", "D1", "A1", "9999999999999999.99"),
		tx(t, "T2", "2024-01-06", "D1", "A1", "9999999999999999.99"),
		tx(t, "T3", "2024-02-01", "D1", "A1", "9999999999999999.99"),
	}
	budget := []domain.RawBudgetLine{
		budgetLine(t, "B1", "2024-01", "D1", "A1", "1.00"),
	}
	keys := mapLookup{domain.DimensionDepartment: {"D1": 1}, domain.DimensionAccount: {"A1": 2}}
	report := NewReport(0)

	rows := BuildMonthlyVariance(txs, budget, keys, report)
	require.Len(t, rows, 2)

	jan := rows[0]
	assert.False(t, jan.ActualAmount.Valid, "sum past NUMERIC(18,2) is null")
	require.True(t, jan.BudgetAmount.Valid)
	assert.True(t, jan.BudgetAmount.Decimal.Equal(decimal.RequireFromString("1.00")))
	assert.False(t, jan.VarianceAmount.Valid)

	feb := rows[1]
	require.True(t, feb.ActualAmount.Valid, "a single maximal amount still fits")
	assert.True(t, feb.ActualAmount.Decimal.Equal(decimal.RequireFromString("9999999999999999.99")))

	assert.Equal(t, 2, report.AmountOverflows)
	assert.Equal(t, []string{"202401/D1/A1 ActualAmount", "202401/D1/A1 VarianceAmount"}, report.AmountOverflowSamples)
}

func TestReport_RejectRatio(t *testing.T) {
	r := NewReport(2)
	r.TransactionsRead = 8
	r.BudgetLinesRead = 2
	for i := 0; i < 3; i++ {
		r.AddRejected(&domain.MalformedRecordError{Source: domain.SourceTransactions, Line: i + 2})
	}

	assert.Equal(t, 3, r.Rejected)
	assert.Len(t, r.RejectedSamples, 2)
	assert.InDelta(t, 0.3, r.RejectRatio(), 1e-9)
	assert.NoError(t, r.CheckRejectRatio(1))
	assert.NoError(t, r.CheckRejectRatio(0.5))
	assert.Error(t, r.CheckRejectRatio(0.25))

	assert.Zero(t, NewReport(0).RejectRatio())
}
