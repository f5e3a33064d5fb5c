package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dvloznov/finance-warehouse/internal/domain"
)

// Column names, matched case-insensitively.
const (
	ColTransactionID = "TransactionID"
	ColDate          = "Date"
	ColDepartmentID  = "DepartmentID"
	ColAccountID     = "AccountID"
	ColAmount        = "Amount"
	ColBudgetID      = "BudgetID"
	ColPeriod        = "Period"
	ColBudgetAmount  = "BudgetAmount"
)

var (
	transactionColumns = []string{ColTransactionID, ColDate, ColDepartmentID, ColAccountID, ColAmount}
	budgetColumns      = []string{ColBudgetID, ColPeriod, ColDepartmentID, ColAccountID, ColBudgetAmount}
)

// ErrEmptyField is the cause of a MalformedRecordError for a required empty value.
var ErrEmptyField = errors.New("empty value")

// ErrMissingField is the cause of a MalformedRecordError for a short row.
var ErrMissingField = errors.New("missing field")

// header maps required column names to their index in a record.
type header map[string]int

func readHeader(r *csv.Reader, required []string) (header, error) {
	names, err := r.Read()
	if err == io.EOF {
		return nil, errors.New("missing header row")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	byName := make(map[string]int, len(names))
	for i, n := range names {
		n = strings.TrimSpace(strings.TrimPrefix(n, "\ufeff"))
		byName[strings.ToLower(n)] = i
	}

	h := make(header, len(required))
	var missing []string
	for _, col := range required {
		i, ok := byName[strings.ToLower(col)]
		if !ok {
			missing = append(missing, col)
			continue
		}
		h[col] = i
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("header is missing columns %s", strings.Join(missing, ", "))
	}
	return h, nil
}

// row gives named access to one record.
type row struct {
	h      header
	fields []string
}

func (r row) get(col string) (string, bool) {
	i := r.h[col]
	if i >= len(r.fields) {
		return "", false
	}
	return strings.TrimSpace(r.fields[i]), true
}

// recordScanner walks the data records of a CSV stream and reports
// unreadable ones as malformed instead of stopping.
type recordScanner struct {
	r      *csv.Reader
	source string
	h      header
	idCol  string
}

func newRecordScanner(in io.Reader, source, idCol string, required []string) (*recordScanner, error) {
	r := csv.NewReader(in)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.ReuseRecord = true

	h, err := readHeader(r, required)
	if err != nil {
		return nil, err
	}
	return &recordScanner{r: r, source: source, h: h, idCol: idCol}, nil
}

// next returns the next record and its line, or a malformed-record error
// for a row that could not be tokenized. It returns io.EOF at the end.
func (s *recordScanner) next() (row, int, *domain.MalformedRecordError, error) {
	fields, err := s.r.Read()
	if err == io.EOF {
		return row{}, 0, nil, io.EOF
	}
	if err != nil {
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return row{}, perr.StartLine, &domain.MalformedRecordError{
				Source: s.source,
				Line:   perr.StartLine,
				Field:  "<record>",
				Err:    perr.Err,
			}, nil
		}
		return row{}, 0, nil, err
	}
	line, _ := s.r.FieldPos(0)
	return row{h: s.h, fields: fields}, line, nil, nil
}

func (s *recordScanner) malformed(r row, line int, field, value string, cause error) *domain.MalformedRecordError {
	id, _ := r.get(s.idCol)
	return &domain.MalformedRecordError{
		Source:   s.source,
		Line:     line,
		RecordID: id,
		Field:    field,
		Value:    value,
		Err:      cause,
	}
}

// required returns the trimmed value of col, or a malformed-record error
// when the row is too short or the value is empty.
func (s *recordScanner) required(r row, line int, col string) (string, *domain.MalformedRecordError) {
	v, ok := r.get(col)
	if !ok {
		return "", s.malformed(r, line, col, "", ErrMissingField)
	}
	if v == "" {
		return "", s.malformed(r, line, col, v, ErrEmptyField)
	}
	return v, nil
}

// optional returns the trimmed value of col. Dimension IDs may be empty;
// they resolve to null surrogate keys downstream.
func (s *recordScanner) optional(r row, line int, col string) (string, *domain.MalformedRecordError) {
	v, ok := r.get(col)
	if !ok {
		return "", s.malformed(r, line, col, "", ErrMissingField)
	}
	return v, nil
}

// Result of decoding one source.
type Result[T any] struct {
	Records  []T
	Rejected []*domain.MalformedRecordError
	Read     int
}

// ReadTransactions decodes a transactions CSV. Rows that fail to parse are
// returned in Rejected; only a missing header or an I/O failure is an error.
func ReadTransactions(in io.Reader) (Result[domain.RawTransaction], error) {
	var res Result[domain.RawTransaction]

	s, err := newRecordScanner(in, domain.SourceTransactions, ColTransactionID, transactionColumns)
	if err != nil {
		return res, fmt.Errorf("ReadTransactions: %w", err)
	}

	for {
		r, line, bad, err := s.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, fmt.Errorf("ReadTransactions: %w", err)
		}
		res.Read++
		if bad != nil {
			res.Rejected = append(res.Rejected, bad)
			continue
		}

		tx, bad := decodeTransaction(s, r, line)
		if bad != nil {
			res.Rejected = append(res.Rejected, bad)
			continue
		}
		res.Records = append(res.Records, tx)
	}
	return res, nil
}

func decodeTransaction(s *recordScanner, r row, line int) (domain.RawTransaction, *domain.MalformedRecordError) {
	var tx domain.RawTransaction
	var bad *domain.MalformedRecordError

	if tx.TransactionID, bad = s.required(r, line, ColTransactionID); bad != nil {
		return tx, bad
	}

	dateStr, bad := s.required(r, line, ColDate)
	if bad != nil {
		return tx, bad
	}
	d, err := domain.ParseDate(dateStr)
	if err != nil {
		return tx, s.malformed(r, line, ColDate, dateStr, err)
	}
	tx.Date = d

	if tx.DepartmentID, bad = s.optional(r, line, ColDepartmentID); bad != nil {
		return tx, bad
	}
	if tx.AccountID, bad = s.optional(r, line, ColAccountID); bad != nil {
		return tx, bad
	}

	amountStr, bad := s.required(r, line, ColAmount)
	if bad != nil {
		return tx, bad
	}
	amount, err := domain.ParseAmount(amountStr)
	if err != nil {
		return tx, s.malformed(r, line, ColAmount, amountStr, err)
	}
	tx.Amount = amount

	return tx, nil
}

// ReadBudget decodes a budget CSV with the same rejection rules as ReadTransactions.
func ReadBudget(in io.Reader) (Result[domain.RawBudgetLine], error) {
	var res Result[domain.RawBudgetLine]

	s, err := newRecordScanner(in, domain.SourceBudget, ColBudgetID, budgetColumns)
	if err != nil {
		return res, fmt.Errorf("ReadBudget: %w", err)
	}

	for {
		r, line, bad, err := s.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, fmt.Errorf("ReadBudget: %w", err)
		}
		res.Read++
		if bad != nil {
			res.Rejected = append(res.Rejected, bad)
			continue
		}

		b, bad := decodeBudgetLine(s, r, line)
		if bad != nil {
			res.Rejected = append(res.Rejected, bad)
			continue
		}
		res.Records = append(res.Records, b)
	}
	return res, nil
}

func decodeBudgetLine(s *recordScanner, r row, line int) (domain.RawBudgetLine, *domain.MalformedRecordError) {
	var b domain.RawBudgetLine
	var bad *domain.MalformedRecordError

	if b.BudgetID, bad = s.required(r, line, ColBudgetID); bad != nil {
		return b, bad
	}

	periodStr, bad := s.required(r, line, ColPeriod)
	if bad != nil {
		return b, bad
	}
	p, err := domain.ParsePeriod(periodStr)
	if err != nil {
		return b, s.malformed(r, line, ColPeriod, periodStr, err)
	}
	b.Period = p

	if b.DepartmentID, bad = s.optional(r, line, ColDepartmentID); bad != nil {
		return b, bad
	}
	if b.AccountID, bad = s.optional(r, line, ColAccountID); bad != nil {
		return b, bad
	}

	amountStr, bad := s.required(r, line, ColBudgetAmount)
	if bad != nil {
		return b, bad
	}
	amount, err := domain.ParseAmount(amountStr)
	if err != nil {
		return b, s.malformed(r, line, ColBudgetAmount, amountStr, err)
	}
	b.BudgetAmount = amount

	return b, nil
}
