package batch

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/JonMunkholm/zeta/internal/schema"
)

// ErrEmptySource is returned when a batch file has no header row.
var ErrEmptySource = errors.New("batch: source has no header row")

// RecordError locates a record that failed to parse.
type RecordError struct {
	Line int // 1-based line in the source, header is line 1
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Decoder streams typed rows out of a CSV batch file.
//
// It satisfies pgx.CopyFromSource so it can feed a bulk load directly:
//
//	for dec.Next() {
//	    vals, err := dec.Values()
//	}
//	if err := dec.Err(); err != nil { ... }
type Decoder struct {
	r       *csv.Reader
	schema  schema.RowSchema
	binding schema.Binding

	header []string
	bound  bool
	row    schema.Row
	rows   int64
	err    error
}

// NewDecoder returns a Decoder for r. The input should already be cleaned.
func NewDecoder(r io.Reader, s schema.RowSchema) *Decoder {
	return &Decoder{r: newCSVReader(r), schema: s}
}

// newCSVReader returns the reader shared by Decoder and CountRecords. Both
// must split records identically or the row counts disagree.
func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	return cr
}

// ReadHeader reads and binds the header row. It is called implicitly by the
// first Next and is safe to call more than once.
func (d *Decoder) ReadHeader() error {
	if d.bound || d.err != nil {
		return d.err
	}

	header, err := d.r.Read()
	if errors.Is(err, io.EOF) {
		d.err = ErrEmptySource
		return d.err
	}
	if err != nil {
		d.err = fmt.Errorf("read header: %w", err)
		return d.err
	}

	binding, err := d.schema.Bind(header)
	if err != nil {
		d.err = fmt.Errorf("bind header: %w", err)
		return d.err
	}

	d.header = header
	d.binding = binding
	d.bound = true
	return nil
}

// Header returns the raw header row, or nil before ReadHeader succeeds.
func (d *Decoder) Header() []string {
	return d.header
}

// Next advances to the next data row. Blank rows are skipped.
func (d *Decoder) Next() bool {
	if err := d.ReadHeader(); err != nil {
		return false
	}

	for {
		record, err := d.r.Read()
		if errors.Is(err, io.EOF) {
			return false
		}
		if err != nil {
			d.err = err
			return false
		}
		if isBlankRecord(record) {
			continue
		}

		line, _ := d.r.FieldPos(0)
		row, err := d.binding.Parse(record)
		if err != nil {
			d.err = &RecordError{Line: line, Err: err}
			return false
		}

		d.row = row
		d.rows++
		return true
	}
}

// Values returns the current row in schema column order.
func (d *Decoder) Values() ([]any, error) {
	return d.row, nil
}

// Row returns the current row.
func (d *Decoder) Row() schema.Row {
	return d.row
}

// Err returns the first error encountered, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Rows returns the number of data rows decoded so far.
func (d *Decoder) Rows() int64 {
	return d.rows
}

// CountRecords counts the data rows in a batch file without type checking.
// Blank rows are skipped the same way the Decoder skips them.
func CountRecords(r io.Reader) (int64, error) {
	cr := newCSVReader(r)
	cr.ReuseRecord = true

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, ErrEmptySource
		}
		return 0, fmt.Errorf("read header: %w", err)
	}

	var n int64
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if !isBlankRecord(record) {
			n++
		}
	}
}

// isBlankRecord reports whether every cell is whitespace, e.g. ",,,," rows
// left behind by spreadsheet exports.
func isBlankRecord(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
