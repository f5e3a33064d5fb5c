package columnar

import (
	"bytes"
	"fmt"
	"io"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/apache/arrow/go/v15/parquet"
	"github.com/apache/arrow/go/v15/parquet/compress"
	"github.com/apache/arrow/go/v15/parquet/pqarrow"

	"github.com/dvloznov/finance-warehouse/internal/domain"
	"github.com/dvloznov/finance-warehouse/internal/starschema"
)

// ContentType of encoded files.
const ContentType = "application/vnd.apache.parquet"

// FileExtension of encoded files.
const FileExtension = ".parquet"

// WriteParquet writes rec to w as a Snappy-compressed Parquet file.
func WriteParquet(w io.Writer, rec arrow.Record) error {
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithCreatedBy("finance-warehouse"),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	fw, err := pqarrow.NewFileWriter(rec.Schema(), w, props, arrowProps)
	if err != nil {
		return fmt.Errorf("WriteParquet: creating writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return fmt.Errorf("WriteParquet: writing record: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("WriteParquet: closing writer: %w", err)
	}
	return nil
}

// Dataset is one output table ready to be encoded.
type Dataset struct {
	Table string
	Rows  int

	record func(memory.Allocator) arrow.Record
	check  func() error
}

// Record builds the Arrow record of the dataset. The caller releases it.
func (d Dataset) Record(mem memory.Allocator) arrow.Record {
	return d.record(mem)
}

// Encode builds the dataset and returns it as Parquet bytes. Fact amounts
// outside NUMERIC(18,2) fail with ErrAmountOutOfRange.
func (d Dataset) Encode(mem memory.Allocator) ([]byte, error) {
	if d.check != nil {
		if err := d.check(); err != nil {
			return nil, fmt.Errorf("Encode %s: %w", d.Table, err)
		}
	}
	rec := d.record(mem)
	defer rec.Release()

	var buf bytes.Buffer
	if err := WriteParquet(&buf, rec); err != nil {
		return nil, fmt.Errorf("Encode %s: %w", d.Table, err)
	}
	return buf.Bytes(), nil
}

// Datasets lists the output tables of a transform result, dimensions first.
// FactMonthlyVariance is omitted when the result has none.
func Datasets(res *starschema.Result) []Dataset {
	out := []Dataset{
		{
			Table:  domain.TableDimDate,
			Rows:   len(res.Dates),
			record: func(mem memory.Allocator) arrow.Record { return DateRecord(mem, res.Dates) },
		},
		{
			Table:  domain.TableDimDepartment,
			Rows:   len(res.Departments),
			record: func(mem memory.Allocator) arrow.Record { return DepartmentRecord(mem, res.Departments) },
		},
		{
			Table:  domain.TableDimAccount,
			Rows:   len(res.Accounts),
			record: func(mem memory.Allocator) arrow.Record { return AccountRecord(mem, res.Accounts) },
		},
		{
			Table:  domain.TableDimScenario,
			Rows:   len(res.Scenarios),
			record: func(mem memory.Allocator) arrow.Record { return ScenarioRecord(mem, res.Scenarios) },
		},
		{
			Table:  domain.TableFactFinancials,
			Rows:   len(res.Financials),
			record: func(mem memory.Allocator) arrow.Record { return FinancialsRecord(mem, res.Financials) },
			check:  func() error { return checkFinancials(res.Financials) },
		},
	}
	if res.MonthlyVariance != nil {
		out = append(out, Dataset{
			Table:  domain.TableFactMonthlyVariance,
			Rows:   len(res.MonthlyVariance),
			record: func(mem memory.Allocator) arrow.Record { return MonthlyVarianceRecord(mem, res.MonthlyVariance) },
			check:  func() error { return checkMonthlyVariance(res.MonthlyVariance) },
		})
	}
	return out
}
