// Package columnar encodes the star-schema datasets as Parquet files.
package columnar

import (
	"github.com/apache/arrow/go/v15/arrow"

	"github.com/dvloznov/finance-warehouse/internal/domain"
)

var amountType = &arrow.Decimal128Type{Precision: domain.AmountPrecision, Scale: domain.AmountScale}

func required(name string, typ arrow.DataType) arrow.Field {
	return arrow.Field{Name: name, Type: typ}
}

func nullable(name string, typ arrow.DataType) arrow.Field {
	return arrow.Field{Name: name, Type: typ, Nullable: true}
}

// Column layout of every output table. Field order is the column order of
// the warehouse tables.
var (
	DimDateSchema = arrow.NewSchema([]arrow.Field{
		required("DateKey", arrow.PrimitiveTypes.Int32),
		required("FullDate", arrow.FixedWidthTypes.Date32),
		required("Year", arrow.PrimitiveTypes.Int32),
		required("Quarter", arrow.PrimitiveTypes.Int32),
		required("Month", arrow.PrimitiveTypes.Int32),
		required("MonthName", arrow.BinaryTypes.String),
		required("DayOfMonth", arrow.PrimitiveTypes.Int32),
		required("DayOfWeekName", arrow.BinaryTypes.String),
		required("WeekOfYear", arrow.PrimitiveTypes.Int32),
		required("IsWeekend", arrow.FixedWidthTypes.Boolean),
	}, nil)

	DimDepartmentSchema = arrow.NewSchema([]arrow.Field{
		required("DepartmentKey", arrow.PrimitiveTypes.Int64),
		required("DepartmentID", arrow.BinaryTypes.String),
		required("DepartmentName", arrow.BinaryTypes.String),
	}, nil)

	DimAccountSchema = arrow.NewSchema([]arrow.Field{
		required("AccountKey", arrow.PrimitiveTypes.Int64),
		required("AccountID", arrow.BinaryTypes.String),
		required("AccountName", arrow.BinaryTypes.String),
		required("AccountType", arrow.BinaryTypes.String),
	}, nil)

	DimScenarioSchema = arrow.NewSchema([]arrow.Field{
		required("ScenarioKey", arrow.PrimitiveTypes.Int64),
		required("ScenarioName", arrow.BinaryTypes.String),
	}, nil)

	FactFinancialsSchema = arrow.NewSchema([]arrow.Field{
		required("TransactionID", arrow.BinaryTypes.String),
		required("DateKey", arrow.PrimitiveTypes.Int32),
		nullable("DepartmentKey", arrow.PrimitiveTypes.Int64),
		nullable("AccountKey", arrow.PrimitiveTypes.Int64),
		required("ScenarioKey", arrow.PrimitiveTypes.Int64),
		nullable("Amount", amountType),
		nullable("BudgetAmount", amountType),
		nullable("VarianceAmount", amountType),
		required("TransactionDate", arrow.FixedWidthTypes.Date32),
	}, nil)

	FactMonthlyVarianceSchema = arrow.NewSchema([]arrow.Field{
		required("MonthKey", arrow.PrimitiveTypes.Int32),
		nullable("DepartmentKey", arrow.PrimitiveTypes.Int64),
		nullable("AccountKey", arrow.PrimitiveTypes.Int64),
		required("DepartmentID", arrow.BinaryTypes.String),
		required("AccountID", arrow.BinaryTypes.String),
		nullable("ActualAmount", amountType),
		nullable("BudgetAmount", amountType),
		nullable("VarianceAmount", amountType),
	}, nil)
)
