package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-warehouse/internal/domain"
	"github.com/dvloznov/finance-warehouse/internal/starschema"
)

const null = "NULL"

// printPreview prints the row count and the first n rows of each table.
func printPreview(w io.Writer, res *starschema.Result, n int) {
	section(w, domain.TableDimDate, len(res.Dates))
	table(w, "DateKey\tFullDate\tYear\tQuarter\tMonth\tDay\tWeek\tMonthName\tDayOfWeek\tIsWeekend", len(res.Dates), n, func(i int) string {
		d := res.Dates[i]
		return fmt.Sprintf("%d\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%t",
			d.DateKey, d.FullDate, d.Year, d.Quarter, d.Month, d.DayOfMonth, d.WeekOfYear, d.MonthName, d.DayOfWeekName, d.IsWeekend)
	})

	section(w, domain.TableDimDepartment, len(res.Departments))
	table(w, "DepartmentKey\tDepartmentID\tDepartmentName", len(res.Departments), n, func(i int) string {
		d := res.Departments[i]
		return fmt.Sprintf("%d\t%s\t%s", d.DepartmentKey, d.DepartmentID, d.DepartmentName)
	})

	section(w, domain.TableDimAccount, len(res.Accounts))
	table(w, "AccountKey\tAccountID\tAccountName\tAccountType", len(res.Accounts), n, func(i int) string {
		a := res.Accounts[i]
		return fmt.Sprintf("%d\t%s\t%s\t%s", a.AccountKey, a.AccountID, a.AccountName, a.AccountType)
	})

	section(w, domain.TableDimScenario, len(res.Scenarios))
	table(w, "ScenarioKey\tScenarioName", len(res.Scenarios), n, func(i int) string {
		s := res.Scenarios[i]
		return fmt.Sprintf("%d\t%s", s.ScenarioKey, s.ScenarioName)
	})

	section(w, domain.TableFactFinancials, len(res.Financials))
	table(w, "TransactionID\tDateKey\tDepartmentKey\tAccountKey\tScenarioKey\tAmount\tBudgetAmount\tVarianceAmount\tTransactionDate", len(res.Financials), n, func(i int) string {
		f := res.Financials[i]
		return fmt.Sprintf("%s\t%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s",
			f.TransactionID, f.DateKey, key(f.DepartmentKey), key(f.AccountKey), f.ScenarioKey,
			amount(f.Amount), amount(f.BudgetAmount), amount(f.VarianceAmount), f.TransactionDate)
	})

	if res.MonthlyVariance != nil {
		section(w, domain.TableFactMonthlyVariance, len(res.MonthlyVariance))
		table(w, "MonthKey\tDepartmentID\tAccountID\tActualAmount\tBudgetAmount\tVarianceAmount", len(res.MonthlyVariance), n, func(i int) string {
			v := res.MonthlyVariance[i]
			return fmt.Sprintf("%d\t%s\t%s\t%s\t%s\t%s",
				v.MonthKey, v.DepartmentID, v.AccountID, amount(v.ActualAmount), amount(v.BudgetAmount), amount(v.VarianceAmount))
		})
	}
}

func section(w io.Writer, name string, rows int) {
	fmt.Fprintf(w, "\n=== %s (%d rows) ===\n", name, rows)
}

func table(w io.Writer, header string, total, n int, row func(i int) string) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	for i := 0; i < total && i < n; i++ {
		fmt.Fprintln(tw, row(i))
	}
	tw.Flush()
}

func key(k *int64) string {
	if k == nil {
		return null
	}
	return strconv.FormatInt(*k, 10)
}

func amount(d decimal.NullDecimal) string {
	if !d.Valid {
		return null
	}
	return d.Decimal.StringFixed(2)
}
