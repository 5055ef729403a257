package warehouse

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JonMunkholm/zeta/internal/schema"
)

type memTable struct {
	schema schema.RowSchema
	keyed  bool
	rows   []schema.Row
}

func (t *memTable) clone() *memTable {
	rows := make([]schema.Row, len(t.rows))
	for i, r := range t.rows {
		rows[i] = append(schema.Row(nil), r...)
	}
	return &memTable{schema: t.schema, keyed: t.keyed, rows: rows}
}

// Memory is an in-process Warehouse. Every operation applies its changes to a
// copy and swaps it in only on success, so failed operations leave no trace.
type Memory struct {
	mu     sync.Mutex
	tables map[TableID]*memTable
}

// NewMemory returns an empty in-memory warehouse.
func NewMemory() *Memory {
	return &Memory{tables: make(map[TableID]*memTable)}
}

func (m *Memory) CreateTable(ctx context.Context, id TableID, s schema.RowSchema) error {
	if err := id.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tables[id]; !ok {
		m.tables[id] = &memTable{schema: s, keyed: true}
	}
	return nil
}

func (m *Memory) LoadTable(ctx context.Context, id TableID, s schema.RowSchema, src RowSource) (int64, error) {
	if err := id.Validate(); err != nil {
		return 0, err
	}

	t := &memTable{schema: s}
	for src.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		vals, err := src.Values()
		if err != nil {
			return 0, fmt.Errorf("copy into %s: %w", id, err)
		}
		row := append(schema.Row(nil), vals...)
		if err := s.CheckRow(row); err != nil {
			return 0, fmt.Errorf("copy into %s: row %d: %w", id, len(t.rows)+1, err)
		}
		t.rows = append(t.rows, row)
	}
	if err := src.Err(); err != nil {
		return 0, fmt.Errorf("copy into %s: %w", id, err)
	}

	m.mu.Lock()
	m.tables[id] = t
	m.mu.Unlock()
	return int64(len(t.rows)), nil
}

func (m *Memory) Merge(ctx context.Context, stmt MergeStatement) (MergeOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.tables[stmt.Target]
	if !ok {
		return MergeOutcome{}, fmt.Errorf("merge into %s: %w", stmt.Target, ErrTableNotFound)
	}
	source, ok := m.tables[stmt.Source]
	if !ok {
		return MergeOutcome{}, fmt.Errorf("merge from %s: %w", stmt.Source, ErrTableNotFound)
	}
	if err := stmt.Check(target.schema); err != nil {
		return MergeOutcome{}, err
	}

	srcKey := source.schema.IndexOf(stmt.Key)
	if srcKey < 0 {
		return MergeOutcome{}, fmt.Errorf("merge from %s: key column %q not found", stmt.Source, stmt.Key)
	}

	counts := make(map[string]int, len(source.rows))
	for _, r := range source.rows {
		counts[fmt.Sprint(r[srcKey])]++
	}
	var dupes []string
	for k, n := range counts {
		if n > 1 {
			dupes = append(dupes, k)
		}
	}
	if len(dupes) > 0 {
		sort.Strings(dupes)
		if len(dupes) > maxReportedDuplicates {
			dupes = dupes[:maxReportedDuplicates]
		}
		return MergeOutcome{}, &DuplicateKeyError{Table: stmt.Source, Keys: dupes}
	}

	next := target.clone()
	tgtKey := next.schema.KeyIndex()
	byKey := make(map[string]int, len(next.rows))
	for i, r := range next.rows {
		byKey[fmt.Sprint(r[tgtKey])] = i
	}

	var out MergeOutcome
	for _, src := range source.rows {
		key := fmt.Sprint(src[srcKey])
		if i, ok := byKey[key]; ok {
			for _, col := range stmt.Update {
				next.rows[i][next.schema.IndexOf(col)] = src[source.schema.IndexOf(col)]
			}
			out.Updated++
			continue
		}

		row := make(schema.Row, next.schema.Len())
		for _, col := range stmt.Insert {
			row[next.schema.IndexOf(col)] = src[source.schema.IndexOf(col)]
		}
		if err := next.schema.CheckRow(row); err != nil {
			return MergeOutcome{}, fmt.Errorf("merge into %s: %w", stmt.Target, err)
		}
		byKey[key] = len(next.rows)
		next.rows = append(next.rows, row)
		out.Inserted++
	}
	out.Affected = out.Inserted + out.Updated

	m.tables[stmt.Target] = next
	return out, nil
}

func (m *Memory) DropTable(ctx context.Context, id TableID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tables[id]; !ok {
		return fmt.Errorf("drop %s: %w", id, ErrTableNotFound)
	}
	delete(m.tables, id)
	return nil
}

func (m *Memory) CountRows(ctx context.Context, id TableID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[id]
	if !ok {
		return 0, fmt.Errorf("count %s: %w", id, ErrTableNotFound)
	}
	return int64(len(t.rows)), nil
}

// Rows returns a copy of the rows of id in insertion order.
func (m *Memory) Rows(id TableID) ([]schema.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[id]
	if !ok {
		return nil, fmt.Errorf("rows %s: %w", id, ErrTableNotFound)
	}
	return t.clone().rows, nil
}

// Exists reports whether id exists.
func (m *Memory) Exists(id TableID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.tables[id]
	return ok
}
