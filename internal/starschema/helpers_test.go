package starschema

import (
	"testing"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-warehouse/internal/domain"
)

func day(t *testing.T, s string) civil.Date {
	t.Helper()
	d, err := civil.ParseDate(s)
	if err != nil {
		t.Fatalf("civil.ParseDate(%q): %v", s, err)
	}
	return d
}

func period(t *testing.T, s string) domain.Period {
	t.Helper()
	p, err := domain.ParsePeriod(s)
	if err != nil {
		t.Fatalf("ParsePeriod(%q): %v", s, err)
	}
	return p
}

func tx(t *testing.T, id, date, dept, acct, amount string) domain.RawTransaction {
	t.Helper()
	return domain.RawTransaction{
		TransactionID: id,
		Date:          day(t, date),
		DepartmentID:  dept,
		AccountID:     acct,
		Amount:        decimal.RequireFromString(amount),
	}
}

func budgetLine(t *testing.T, id, p, dept, acct, amount string) domain.RawBudgetLine {
	t.Helper()
	return domain.RawBudgetLine{
		BudgetID:     id,
		Period:       period(t, p),
		DepartmentID: dept,
		AccountID:    acct,
		BudgetAmount: decimal.RequireFromString(amount),
	}
}

// mapLookup is a KeyLookup over fixed maps.
type mapLookup map[domain.Dimension]map[string]int64

func (m mapLookup) Resolve(dim domain.Dimension, naturalKey string) (int64, bool) {
	k, ok := m[dim][naturalKey]
	return k, ok
}
