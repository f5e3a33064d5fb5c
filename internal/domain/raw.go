package domain

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

const (
	// DateLayout is the layout of RawTransaction.Date in the source extracts (yyyy-MM-dd).
	DateLayout = "2006-01-02"

	// PeriodLayout is the layout of RawBudgetLine.Period in the source extracts (yyyy-MM).
	PeriodLayout = "2006-01"

	// AmountScale is the fixed number of decimal places carried by every amount.
	AmountScale = 2

	// AmountPrecision is the total number of digits a NUMERIC(18,2) column accepts.
	AmountPrecision = 18
)

// RawTransaction represents one actual financial event as read from transactions.csv.
type RawTransaction struct {
	TransactionID string
	Date          civil.Date // parsed from "Date" (yyyy-MM-dd)
	DepartmentID  string
	AccountID     string
	Amount        decimal.Decimal // rounded to AmountScale
}

// RawBudgetLine represents one planned amount for a month as read from budget.csv.
type RawBudgetLine struct {
	BudgetID     string
	Period       Period // parsed from "Period" (yyyy-MM)
	DepartmentID string
	AccountID    string
	BudgetAmount decimal.Decimal // rounded to AmountScale
}

// Period is a calendar month with no day component.
type Period struct {
	Year  int
	Month time.Month
}

// ParsePeriod parses a yyyy-MM string.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse(PeriodLayout, strings.TrimSpace(s))
	if err != nil {
		return Period{}, err
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// PeriodOf returns the month containing d.
func PeriodOf(d civil.Date) Period {
	return Period{Year: d.Year, Month: d.Month}
}

// FirstDay returns the first calendar day of the period.
func (p Period) FirstDay() civil.Date {
	return civil.Date{Year: p.Year, Month: p.Month, Day: 1}
}

// LastDay returns the last calendar day of the period.
func (p Period) LastDay() civil.Date {
	return civil.DateOf(time.Date(p.Year, p.Month+1, 0, 0, 0, 0, 0, time.UTC))
}

// Days returns the number of calendar days in the period.
func (p Period) Days() int {
	return p.LastDay().Day
}

// MonthKey encodes the period as YYYYMM.
func (p Period) MonthKey() int32 {
	return int32(p.Year*100 + int(p.Month))
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// ParseDate parses a yyyy-MM-dd string into a calendar day.
func ParseDate(s string) (civil.Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return civil.Date{}, err
	}
	return civil.DateOf(t), nil
}

// ParseAmount parses a decimal amount and rounds it to AmountScale.
// Values that do not fit NUMERIC(AmountPrecision, AmountScale) are rejected.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, err
	}
	d = d.Round(AmountScale)
	if !AmountFits(d) {
		return decimal.Decimal{}, fmt.Errorf("amount %s exceeds NUMERIC(%d,%d)", s, AmountPrecision, AmountScale)
	}
	return d, nil
}

var maxAmount = decimal.New(1, AmountPrecision-AmountScale)

// AmountFits reports whether d, at AmountScale, fits NUMERIC(AmountPrecision, AmountScale).
func AmountFits(d decimal.Decimal) bool {
	return d.Round(AmountScale).Abs().LessThan(maxAmount)
}

// DateKeyOf encodes a calendar day as YYYYMMDD.
func DateKeyOf(d civil.Date) int32 {
	return int32(d.Year*10000 + int(d.Month)*100 + d.Day)
}

// DateFromKey decodes a YYYYMMDD key back into a calendar day.
func DateFromKey(key int32) (civil.Date, error) {
	d := civil.Date{
		Year:  int(key / 10000),
		Month: time.Month(key / 100 % 100),
		Day:   int(key % 100),
	}
	if key <= 0 || !d.IsValid() {
		return civil.Date{}, fmt.Errorf("invalid date key %d", key)
	}
	return d, nil
}

// RawBatch is everything the raw dataset provider produced for one run.
// Transactions and Budget hold only records that parsed; the rest are in Rejected.
type RawBatch struct {
	Transactions []RawTransaction
	Budget       []RawBudgetLine
	Rejected     []*MalformedRecordError

	TransactionsRead int // data rows read from the transactions source
	BudgetLinesRead  int // data rows read from the budget source
}
