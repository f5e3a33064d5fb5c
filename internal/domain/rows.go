package domain

import (
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Dimension names a surrogate-keyed dimension.
type Dimension string

const (
	DimensionDepartment Dimension = "department"
	DimensionAccount    Dimension = "account"
)

// Output dataset names, one warehouse table each.
const (
	TableDimDate             = "DimDate"
	TableDimDepartment       = "DimDepartment"
	TableDimAccount          = "DimAccount"
	TableDimScenario         = "DimScenario"
	TableFactFinancials      = "FactFinancials"
	TableFactMonthlyVariance = "FactMonthlyVariance"
)

// Scenario keys are fixed and never regenerated from data.
const (
	ScenarioActual int64 = 1
	ScenarioBudget int64 = 2
)

// DateRow is one calendar day of DimDate.
type DateRow struct {
	DateKey       int32 // YYYYMMDD
	FullDate      civil.Date
	Year          int
	Quarter       int
	Month         int
	MonthName     string
	DayOfMonth    int
	DayOfWeekName string
	WeekOfYear    int // ISO 8601 week number
	IsWeekend     bool
}

// DepartmentRow is one row of DimDepartment.
type DepartmentRow struct {
	DepartmentKey  int64
	DepartmentID   string
	DepartmentName string
}

// AccountRow is one row of DimAccount.
type AccountRow struct {
	AccountKey  int64
	AccountID   string
	AccountName string
	AccountType string
}

// ScenarioRow is one row of DimScenario.
type ScenarioRow struct {
	ScenarioKey  int64
	ScenarioName string
}

// ScenarioRows returns the static content of DimScenario.
func ScenarioRows() []ScenarioRow {
	return []ScenarioRow{
		{ScenarioKey: ScenarioActual, ScenarioName: "Actual"},
		{ScenarioKey: ScenarioBudget, ScenarioName: "Budget"},
	}
}

// FactRow is one row of FactFinancials, either an actual or a budget observation.
// Exactly one of Amount and BudgetAmount is valid.
type FactRow struct {
	TransactionID   string
	DateKey         int32
	DepartmentKey   *int64 // nil when the natural key did not resolve
	AccountKey      *int64 // nil when the natural key did not resolve
	ScenarioKey     int64
	Amount          decimal.NullDecimal
	BudgetAmount    decimal.NullDecimal
	VarianceAmount  decimal.NullDecimal
	TransactionDate civil.Date
}

// MonthlyVarianceRow is one row of FactMonthlyVariance: actuals and budget
// summed to (month, department, account) grain.
type MonthlyVarianceRow struct {
	MonthKey       int32 // YYYYMM
	DepartmentKey  *int64
	AccountKey     *int64
	DepartmentID   string
	AccountID      string
	ActualAmount   decimal.NullDecimal
	BudgetAmount   decimal.NullDecimal
	VarianceAmount decimal.NullDecimal
}

// KeyMapping is one persisted natural-key to surrogate-key assignment.
type KeyMapping struct {
	Dimension    Dimension
	NaturalKey   string
	SurrogateKey int64
}
