// Package schema defines the fixed row schema shared by staging and canonical tables.
//
// A RowSchema is an ordered list of columns with exactly one natural-key column.
// The key is the merge-match predicate; every other column is a mutable attribute
// that is refreshed when an incoming row matches an existing one.
package schema

import (
	"errors"
	"fmt"
	"strings"
)

// ColumnType is the semantic type of a column.
type ColumnType int

const (
	TypeInteger ColumnType = iota
	TypeString
)

// String returns the type name used in error messages and DDL comments.
func (t ColumnType) String() string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	case TypeString:
		return "STRING"
	default:
		return fmt.Sprintf("ColumnType(%d)", int(t))
	}
}

// Column describes a single field of a RowSchema.
type Column struct {
	Name     string     // Canonical column name, used as the table column identifier
	Type     ColumnType // Semantic type
	Nullable bool       // Empty cells load as NULL when true
	Key      bool       // Natural key (exactly one per schema)
	Aliases  []string   // Additional accepted CSV header spellings ("Type 1" for "Type1")
}

// Mode returns REQUIRED or NULLABLE.
func (c Column) Mode() string {
	if c.Nullable {
		return "NULLABLE"
	}
	return "REQUIRED"
}

// Schema construction errors.
var (
	ErrNoKey         = errors.New("schema: no natural key column")
	ErrMultipleKeys  = errors.New("schema: more than one natural key column")
	ErrNullableKey   = errors.New("schema: natural key column must be required")
	ErrDuplicateName = errors.New("schema: duplicate column name")
	ErrEmptyName     = errors.New("schema: empty column name")
)

// RowSchema is an immutable, validated column list.
// The zero value has no columns and is not usable.
type RowSchema struct {
	columns []Column
	key     int
}

// New validates columns and returns a RowSchema.
func New(columns ...Column) (RowSchema, error) {
	if len(columns) == 0 {
		return RowSchema{}, ErrNoKey
	}

	key := -1
	seen := make(map[string]bool, len(columns))
	cols := make([]Column, len(columns))

	for i, c := range columns {
		if strings.TrimSpace(c.Name) == "" {
			return RowSchema{}, fmt.Errorf("%w at position %d", ErrEmptyName, i)
		}

		norm := normalizeHeader(c.Name)
		if seen[norm] {
			return RowSchema{}, fmt.Errorf("%w: %q", ErrDuplicateName, c.Name)
		}
		seen[norm] = true

		if c.Key {
			if key >= 0 {
				return RowSchema{}, fmt.Errorf("%w: %q and %q", ErrMultipleKeys, columns[key].Name, c.Name)
			}
			if c.Nullable {
				return RowSchema{}, fmt.Errorf("%w: %q", ErrNullableKey, c.Name)
			}
			key = i
		}

		c.Aliases = append([]string(nil), c.Aliases...)
		cols[i] = c
	}

	if key < 0 {
		return RowSchema{}, ErrNoKey
	}

	return RowSchema{columns: cols, key: key}, nil
}

// MustNew is New for package-level schema definitions. Panics on error.
func MustNew(columns ...Column) RowSchema {
	s, err := New(columns...)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of columns.
func (s RowSchema) Len() int {
	return len(s.columns)
}

// Columns returns a copy of all columns in schema order.
func (s RowSchema) Columns() []Column {
	out := make([]Column, len(s.columns))
	copy(out, s.columns)
	return out
}

// Column returns the column at position i.
func (s RowSchema) Column(i int) Column {
	return s.columns[i]
}

// Key returns the natural key column.
func (s RowSchema) Key() Column {
	return s.columns[s.key]
}

// KeyIndex returns the position of the natural key column.
func (s RowSchema) KeyIndex() int {
	return s.key
}

// MutableColumns returns every non-key column in schema order.
func (s RowSchema) MutableColumns() []Column {
	out := make([]Column, 0, len(s.columns)-1)
	for i, c := range s.columns {
		if i != s.key {
			out = append(out, c)
		}
	}
	return out
}

// Names returns the column names in schema order.
func (s RowSchema) Names() []string {
	names := make([]string, len(s.columns))
	for i, c := range s.columns {
		names[i] = c.Name
	}
	return names
}

// IndexOf returns the position of the named column, or -1.
func (s RowSchema) IndexOf(name string) int {
	for i, c := range s.columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}
