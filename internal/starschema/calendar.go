package starschema

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-warehouse/internal/domain"
)

var monthNames = [...]string{"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December"}

// Indexed by ISO weekday, Monday=1 .. Sunday=7. Index 0 is unused.
var dayNames = [...]string{"", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// ISOWeekday returns the ISO 8601 day of week of d: Monday=1 .. Sunday=7.
func ISOWeekday(d civil.Date) int {
	wd := int(d.In(time.UTC).Weekday()) // Sunday=0
	if wd == 0 {
		return 7
	}
	return wd
}

// NewDateRow derives every calendar attribute of d.
func NewDateRow(d civil.Date) domain.DateRow {
	t := d.In(time.UTC)
	_, week := t.ISOWeek()
	weekday := ISOWeekday(d)

	return domain.DateRow{
		DateKey:       domain.DateKeyOf(d),
		FullDate:      d,
		Year:          d.Year,
		Quarter:       (int(d.Month)-1)/3 + 1,
		Month:         int(d.Month),
		MonthName:     monthNames[d.Month-1],
		DayOfMonth:    d.Day,
		DayOfWeekName: dayNames[weekday],
		WeekOfYear:    week,
		IsWeekend:     weekday >= 6,
	}
}

// BuildCalendar returns one DateRow per day in [start, end], in ascending order.
func BuildCalendar(start, end civil.Date) ([]domain.DateRow, error) {
	if start.After(end) {
		return nil, &domain.InvalidDateRangeError{Min: start, Max: end}
	}

	rows := make([]domain.DateRow, 0, end.DaysSince(start)+1)
	for d := start; !d.After(end); d = d.AddDays(1) {
		rows = append(rows, NewDateRow(d))
	}
	return rows, nil
}

// CalendarOptions controls the range covered by DimDate.
type CalendarOptions struct {
	// CoverBudgetPeriods widens the range to whole months of every budget
	// period. When false the range is derived from transaction dates only,
	// and budget months outside it produce no fact rows.
	CoverBudgetPeriods bool
}

// CalendarRange computes the inclusive day range DimDate must cover.
func CalendarRange(txs []domain.RawTransaction, budget []domain.RawBudgetLine, opts CalendarOptions) (start, end civil.Date, err error) {
	if len(txs) == 0 {
		return civil.Date{}, civil.Date{}, &domain.EmptyInputError{}
	}

	start, end = txs[0].Date, txs[0].Date
	for _, tx := range txs[1:] {
		if tx.Date.Before(start) {
			start = tx.Date
		}
		if tx.Date.After(end) {
			end = tx.Date
		}
	}

	if opts.CoverBudgetPeriods {
		for _, b := range budget {
			if first := b.Period.FirstDay(); first.Before(start) {
				start = first
			}
			if last := b.Period.LastDay(); last.After(end) {
				end = last
			}
		}
	}
	return start, end, nil
}

// BuildDateDimension builds DimDate for the observed batch.
func BuildDateDimension(txs []domain.RawTransaction, budget []domain.RawBudgetLine, opts CalendarOptions) ([]domain.DateRow, error) {
	start, end, err := CalendarRange(txs, budget, opts)
	if err != nil {
		return nil, err
	}
	return BuildCalendar(start, end)
}

// Calendar indexes DimDate for the fact joins.
type Calendar struct {
	byKey   map[int32]domain.DateRow
	byMonth map[domain.Period][]domain.DateRow
}

// NewCalendar indexes rows by DateKey and by month.
func NewCalendar(rows []domain.DateRow) *Calendar {
	c := &Calendar{
		byKey:   make(map[int32]domain.DateRow, len(rows)),
		byMonth: make(map[domain.Period][]domain.DateRow),
	}
	for _, r := range rows {
		c.byKey[r.DateKey] = r
		p := domain.PeriodOf(r.FullDate)
		c.byMonth[p] = append(c.byMonth[p], r)
	}
	return c
}

// Day returns the calendar row for d.
func (c *Calendar) Day(d civil.Date) (domain.DateRow, bool) {
	r, ok := c.byKey[domain.DateKeyOf(d)]
	return r, ok
}

// Month returns every calendar row whose (Year, Month) equals p.
func (c *Calendar) Month(p domain.Period) []domain.DateRow {
	return c.byMonth[p]
}

// Len returns the number of days in the calendar.
func (c *Calendar) Len() int {
	return len(c.byKey)
}
