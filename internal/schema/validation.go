package schema

// validation.go binds CSV headers to schema columns and converts records to rows.
//
// Validation happens at two levels:
//  1. Header binding: every schema column must appear exactly once, no unknown columns
//  2. Record parsing: each cell is checked against its column's type and nullability
//
// Any failure rejects the record; callers treat a rejected record as fatal for the
// whole batch.

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Row is one record in schema order. Integer cells are int64, String cells are
// string, NULL cells are nil.
type Row []any

// Header binding errors.
var (
	ErrMissingColumns   = errors.New("missing required columns")
	ErrUnknownColumns   = errors.New("unknown columns")
	ErrDuplicateColumns = errors.New("duplicate columns")
)

// FieldError describes a cell that violates its column definition.
type FieldError struct {
	Column string
	Value  string
	Reason string
}

func (e *FieldError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %s", e.Column, e.Reason)
	}
	return fmt.Sprintf("%s: %s (got %q)", e.Column, e.Reason, e.Value)
}

// Binding maps each schema column to its position in a CSV record.
type Binding struct {
	schema    RowSchema
	positions []int
	width     int
}

// Bind matches a CSV header row against the schema.
// Matching ignores case, surrounding quotes, spaces and underscores, and accepts
// column aliases.
func (s RowSchema) Bind(header []string) (Binding, error) {
	lookup := make(map[string]int, len(s.columns)*2)
	for i, c := range s.columns {
		lookup[normalizeHeader(c.Name)] = i
		for _, a := range c.Aliases {
			lookup[normalizeHeader(a)] = i
		}
	}

	positions := make([]int, len(s.columns))
	for i := range positions {
		positions[i] = -1
	}

	var unknown, dupes []string
	for pos, h := range header {
		norm := normalizeHeader(h)
		if norm == "" {
			unknown = append(unknown, fmt.Sprintf("<blank #%d>", pos+1))
			continue
		}
		col, ok := lookup[norm]
		if !ok {
			unknown = append(unknown, CleanCell(h))
			continue
		}
		if positions[col] >= 0 {
			dupes = append(dupes, CleanCell(h))
			continue
		}
		positions[col] = pos
	}

	var missing []string
	for i, p := range positions {
		if p < 0 {
			missing = append(missing, s.columns[i].Name)
		}
	}

	switch {
	case len(missing) > 0:
		return Binding{}, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	case len(dupes) > 0:
		return Binding{}, fmt.Errorf("%w: %s", ErrDuplicateColumns, strings.Join(dupes, ", "))
	case len(unknown) > 0:
		return Binding{}, fmt.Errorf("%w: %s", ErrUnknownColumns, strings.Join(unknown, ", "))
	}

	return Binding{schema: s, positions: positions, width: len(header)}, nil
}

// Parse converts a CSV record into a Row.
// Returns a *FieldError for the first violating cell.
func (b Binding) Parse(record []string) (Row, error) {
	if len(record) != b.width {
		return nil, fmt.Errorf("expected %d fields, got %d", b.width, len(record))
	}

	row := make(Row, len(b.positions))
	for i, pos := range b.positions {
		v, err := ParseCell(record[pos], b.schema.columns[i])
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

// ParseCell converts a raw cell to the column's Go representation.
// Empty cells become nil for nullable columns and an error otherwise.
func ParseCell(raw string, col Column) (any, error) {
	v := CleanCell(raw)
	if v == "" {
		if col.Nullable {
			return nil, nil
		}
		return nil, &FieldError{Column: col.Name, Reason: "required field is empty"}
	}

	switch col.Type {
	case TypeInteger:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, &FieldError{Column: col.Name, Value: v, Reason: "invalid integer"}
		}
		return n, nil
	case TypeString:
		return v, nil
	default:
		return nil, &FieldError{Column: col.Name, Value: v, Reason: "unsupported column type " + col.Type.String()}
	}
}

// CheckRow verifies that an already-typed row conforms to the schema.
func (s RowSchema) CheckRow(row Row) error {
	if len(row) != len(s.columns) {
		return fmt.Errorf("expected %d values, got %d", len(s.columns), len(row))
	}
	for i, c := range s.columns {
		switch v := row[i].(type) {
		case nil:
			if !c.Nullable {
				return &FieldError{Column: c.Name, Reason: "required field is null"}
			}
		case int64:
			if c.Type != TypeInteger {
				return &FieldError{Column: c.Name, Value: strconv.FormatInt(v, 10), Reason: "expected " + c.Type.String()}
			}
		case string:
			if c.Type != TypeString {
				return &FieldError{Column: c.Name, Value: v, Reason: "expected " + c.Type.String()}
			}
		default:
			return &FieldError{Column: c.Name, Value: fmt.Sprint(v), Reason: fmt.Sprintf("unsupported value type %T", v)}
		}
	}
	return nil
}

// KeyOf returns the natural key value of a row as a string.
func (s RowSchema) KeyOf(row Row) string {
	return fmt.Sprint(row[s.key])
}

// CleanCell trims whitespace and surrounding quotes from a cell value.
func CleanCell(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// normalizeHeader lowercases and strips spaces and underscores so that
// "Sp Attack", "sp_attack" and "SpAttack" compare equal.
func normalizeHeader(h string) string {
	h = strings.ToLower(CleanCell(h))
	return strings.NewReplacer(" ", "", "_", "", "\t", "").Replace(h)
}
