package columnar

import (
	"errors"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/decimal128"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-warehouse/internal/domain"
)

var epoch = civil.Date{Year: 1970, Month: 1, Day: 1}

func date32(d civil.Date) arrow.Date32 {
	return arrow.Date32(d.DaysSince(epoch))
}

// ErrAmountOutOfRange is returned by Encode for an amount outside NUMERIC(18,2).
var ErrAmountOutOfRange = errors.New("amount out of NUMERIC(18,2) range")

// decimalValue converts d to an unscaled Decimal128 at AmountScale.
func decimalValue(d decimal.Decimal) decimal128.Num {
	return decimal128.FromBigInt(d.Shift(domain.AmountScale).Round(0).BigInt())
}

// checkAmounts fails on the first valid amount whose unscaled value does
// not fit AmountPrecision digits.
func checkAmounts(row int, amounts ...decimal.NullDecimal) error {
	for _, a := range amounts {
		if !a.Valid {
			continue
		}
		if !decimalValue(a.Decimal).FitsInPrecision(domain.AmountPrecision) {
			return fmt.Errorf("%w: row %d: %s", ErrAmountOutOfRange, row, a.Decimal.String())
		}
	}
	return nil
}

func checkFinancials(rows []domain.FactRow) error {
	for i, r := range rows {
		if err := checkAmounts(i, r.Amount, r.BudgetAmount, r.VarianceAmount); err != nil {
			return err
		}
	}
	return nil
}

func checkMonthlyVariance(rows []domain.MonthlyVarianceRow) error {
	for i, r := range rows {
		if err := checkAmounts(i, r.ActualAmount, r.BudgetAmount, r.VarianceAmount); err != nil {
			return err
		}
	}
	return nil
}

func appendAmount(b *array.Decimal128Builder, d decimal.NullDecimal) {
	if !d.Valid {
		b.AppendNull()
		return
	}
	b.Append(decimalValue(d.Decimal))
}

func appendKey(b *array.Int64Builder, k *int64) {
	if k == nil {
		b.AppendNull()
		return
	}
	b.Append(*k)
}

// DateRecord builds the DimDate record. The caller releases it.
func DateRecord(mem memory.Allocator, rows []domain.DateRow) arrow.Record {
	b := array.NewRecordBuilder(mem, DimDateSchema)
	defer b.Release()

	for _, r := range rows {
		b.Field(0).(*array.Int32Builder).Append(r.DateKey)
		b.Field(1).(*array.Date32Builder).Append(date32(r.FullDate))
		b.Field(2).(*array.Int32Builder).Append(int32(r.Year))
		b.Field(3).(*array.Int32Builder).Append(int32(r.Quarter))
		b.Field(4).(*array.Int32Builder).Append(int32(r.Month))
		b.Field(5).(*array.StringBuilder).Append(r.MonthName)
		b.Field(6).(*array.Int32Builder).Append(int32(r.DayOfMonth))
		b.Field(7).(*array.StringBuilder).Append(r.DayOfWeekName)
		b.Field(8).(*array.Int32Builder).Append(int32(r.WeekOfYear))
		b.Field(9).(*array.BooleanBuilder).Append(r.IsWeekend)
	}
	return b.NewRecord()
}

// DepartmentRecord builds the DimDepartment record.
func DepartmentRecord(mem memory.Allocator, rows []domain.DepartmentRow) arrow.Record {
	b := array.NewRecordBuilder(mem, DimDepartmentSchema)
	defer b.Release()

	for _, r := range rows {
		b.Field(0).(*array.Int64Builder).Append(r.DepartmentKey)
		b.Field(1).(*array.StringBuilder).Append(r.DepartmentID)
		b.Field(2).(*array.StringBuilder).Append(r.DepartmentName)
	}
	return b.NewRecord()
}

// AccountRecord builds the DimAccount record.
func AccountRecord(mem memory.Allocator, rows []domain.AccountRow) arrow.Record {
	b := array.NewRecordBuilder(mem, DimAccountSchema)
	defer b.Release()

	for _, r := range rows {
		b.Field(0).(*array.Int64Builder).Append(r.AccountKey)
		b.Field(1).(*array.StringBuilder).Append(r.AccountID)
		b.Field(2).(*array.StringBuilder).Append(r.AccountName)
		b.Field(3).(*array.StringBuilder).Append(r.AccountType)
	}
	return b.NewRecord()
}

// ScenarioRecord builds the DimScenario record.
func ScenarioRecord(mem memory.Allocator, rows []domain.ScenarioRow) arrow.Record {
	b := array.NewRecordBuilder(mem, DimScenarioSchema)
	defer b.Release()

	for _, r := range rows {
		b.Field(0).(*array.Int64Builder).Append(r.ScenarioKey)
		b.Field(1).(*array.StringBuilder).Append(r.ScenarioName)
	}
	return b.NewRecord()
}

// FinancialsRecord builds the FactFinancials record.
func FinancialsRecord(mem memory.Allocator, rows []domain.FactRow) arrow.Record {
	b := array.NewRecordBuilder(mem, FactFinancialsSchema)
	defer b.Release()

	for _, r := range rows {
		b.Field(0).(*array.StringBuilder).Append(r.TransactionID)
		b.Field(1).(*array.Int32Builder).Append(r.DateKey)
		appendKey(b.Field(2).(*array.Int64Builder), r.DepartmentKey)
		appendKey(b.Field(3).(*array.Int64Builder), r.AccountKey)
		b.Field(4).(*array.Int64Builder).Append(r.ScenarioKey)
		appendAmount(b.Field(5).(*array.Decimal128Builder), r.Amount)
		appendAmount(b.Field(6).(*array.Decimal128Builder), r.BudgetAmount)
		appendAmount(b.Field(7).(*array.Decimal128Builder), r.VarianceAmount)
		b.Field(8).(*array.Date32Builder).Append(date32(r.TransactionDate))
	}
	return b.NewRecord()
}

// MonthlyVarianceRecord builds the FactMonthlyVariance record.
func MonthlyVarianceRecord(mem memory.Allocator, rows []domain.MonthlyVarianceRow) arrow.Record {
	b := array.NewRecordBuilder(mem, FactMonthlyVarianceSchema)
	defer b.Release()

	for _, r := range rows {
		b.Field(0).(*array.Int32Builder).Append(r.MonthKey)
		appendKey(b.Field(1).(*array.Int64Builder), r.DepartmentKey)
		appendKey(b.Field(2).(*array.Int64Builder), r.AccountKey)
		b.Field(3).(*array.StringBuilder).Append(r.DepartmentID)
		b.Field(4).(*array.StringBuilder).Append(r.AccountID)
		appendAmount(b.Field(5).(*array.Decimal128Builder), r.ActualAmount)
		appendAmount(b.Field(6).(*array.Decimal128Builder), r.BudgetAmount)
		appendAmount(b.Field(7).(*array.Decimal128Builder), r.VarianceAmount)
	}
	return b.NewRecord()
}
