// Package warehouse is the analytical store the pipeline stages into and merges
// from. Two backends are provided: Postgres (COPY + MERGE, PostgreSQL 15+) and
// an in-memory implementation with the same semantics for tests.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/zeta/internal/schema"
)

// TableID names a table within a dataset (a Postgres schema).
type TableID struct {
	Dataset string
	Name    string
}

func (t TableID) String() string {
	if t.Dataset == "" {
		return t.Name
	}
	return t.Dataset + "." + t.Name
}

// Sanitize returns the quoted, dataset-qualified identifier.
func (t TableID) Sanitize() string {
	if t.Dataset == "" {
		return pgx.Identifier{t.Name}.Sanitize()
	}
	return pgx.Identifier{t.Dataset, t.Name}.Sanitize()
}

// Validate reports whether the table ID is usable.
func (t TableID) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("warehouse: table name is required")
	}
	return nil
}

// ErrTableNotFound is returned when a referenced table does not exist.
var ErrTableNotFound = errors.New("warehouse: table not found")

// DuplicateKeyError is returned when a source table holds more than one row
// for the same key. The merge is not executed.
type DuplicateKeyError struct {
	Table TableID
	Keys  []string
}

func (e *DuplicateKeyError) Error() string {
	if len(e.Keys) == 0 {
		return fmt.Sprintf("warehouse: duplicate keys in %s", e.Table)
	}
	return fmt.Sprintf("warehouse: duplicate keys in %s: %s", e.Table, strings.Join(e.Keys, ", "))
}

// MergeOutcome reports what a merge did. Counts are informational.
type MergeOutcome struct {
	Inserted int64
	Updated  int64
	Affected int64
}

// RowSource yields rows in schema column order. It has the same method set as
// pgx.CopyFromSource, so batch.Decoder can be passed straight through.
type RowSource interface {
	Next() bool
	Values() ([]any, error)
	Err() error
}

// Warehouse is the set of table operations the pipeline needs.
type Warehouse interface {
	// CreateTable creates a keyed table if it does not exist.
	CreateTable(ctx context.Context, id TableID, s schema.RowSchema) error

	// LoadTable replaces id with a fresh table holding exactly the rows of src.
	// It is all-or-nothing: on error no partial rows are visible.
	LoadTable(ctx context.Context, id TableID, s schema.RowSchema, src RowSource) (int64, error)

	// Merge executes stmt atomically.
	Merge(ctx context.Context, stmt MergeStatement) (MergeOutcome, error)

	// DropTable drops id, returning ErrTableNotFound if it does not exist.
	DropTable(ctx context.Context, id TableID) error

	// CountRows returns the number of rows in id.
	CountRows(ctx context.Context, id TableID) (int64, error)
}

// columnDDL renders the column list for CREATE TABLE.
func columnDDL(s schema.RowSchema, withKey bool) string {
	defs := make([]string, 0, s.Len()+1)
	for _, c := range s.Columns() {
		def := pgx.Identifier{c.Name}.Sanitize() + " " + sqlType(c.Type)
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if withKey {
		defs = append(defs, "PRIMARY KEY ("+pgx.Identifier{s.Key().Name}.Sanitize()+")")
	}
	return strings.Join(defs, ", ")
}

func sqlType(t schema.ColumnType) string {
	switch t {
	case schema.TypeInteger:
		return "BIGINT"
	default:
		return "TEXT"
	}
}
