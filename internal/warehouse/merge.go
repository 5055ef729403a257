package warehouse

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/zeta/internal/schema"
)

// MergeStatement is a keyed upsert of Source into Target.
//
// Rendered as:
//
//	MERGE INTO target AS T
//	USING source AS S
//	ON T.key = S.key
//	WHEN MATCHED THEN UPDATE SET col = S.col, ...
//	WHEN NOT MATCHED THEN INSERT (cols...) VALUES (S.cols...)
type MergeStatement struct {
	Target TableID
	Source TableID
	Key    string
	Update []string // mutable columns, schema order
	Insert []string // all columns, schema order
}

var (
	ErrIncompleteUpdate = errors.New("merge update list does not match mutable columns")
	ErrIncompleteInsert = errors.New("merge insert list does not match schema columns")
)

// BuildMerge derives the merge statement from the schema.
func BuildMerge(target, source TableID, s schema.RowSchema) (MergeStatement, error) {
	if err := target.Validate(); err != nil {
		return MergeStatement{}, err
	}
	if err := source.Validate(); err != nil {
		return MergeStatement{}, err
	}
	if target == source {
		return MergeStatement{}, fmt.Errorf("merge target and source are both %s", target)
	}

	stmt := MergeStatement{
		Target: target,
		Source: source,
		Key:    s.Key().Name,
		Insert: s.Names(),
	}
	for _, c := range s.MutableColumns() {
		stmt.Update = append(stmt.Update, c.Name)
	}
	return stmt, stmt.Check(s)
}

// Check verifies the statement covers the schema: the key matches, Update is
// exactly the mutable columns and Insert is exactly all columns.
func (m MergeStatement) Check(s schema.RowSchema) error {
	if m.Key != s.Key().Name {
		return fmt.Errorf("merge key %q, schema key %q", m.Key, s.Key().Name)
	}

	var mutable []string
	for _, c := range s.MutableColumns() {
		mutable = append(mutable, c.Name)
	}
	if !slices.Equal(m.Update, mutable) {
		return fmt.Errorf("%w: have [%s], want [%s]", ErrIncompleteUpdate,
			strings.Join(m.Update, ", "), strings.Join(mutable, ", "))
	}
	if !slices.Equal(m.Insert, s.Names()) {
		return fmt.Errorf("%w: have [%s], want [%s]", ErrIncompleteInsert,
			strings.Join(m.Insert, ", "), strings.Join(s.Names(), ", "))
	}
	return nil
}

// SQL renders the MERGE. Output is deterministic for a given statement.
func (m MergeStatement) SQL() string {
	key := quote(m.Key)

	sets := make([]string, len(m.Update))
	for i, c := range m.Update {
		sets[i] = quote(c) + " = S." + quote(c)
	}

	cols := make([]string, len(m.Insert))
	vals := make([]string, len(m.Insert))
	for i, c := range m.Insert {
		cols[i] = quote(c)
		vals[i] = "S." + quote(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s AS T\n", m.Target.Sanitize())
	fmt.Fprintf(&b, "USING %s AS S\n", m.Source.Sanitize())
	fmt.Fprintf(&b, "ON T.%s = S.%s\n", key, key)
	if len(sets) > 0 {
		fmt.Fprintf(&b, "WHEN MATCHED THEN\n  UPDATE SET %s\n", strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, "WHEN NOT MATCHED THEN\n  INSERT (%s)\n  VALUES (%s)", strings.Join(cols, ", "), strings.Join(vals, ", "))
	return b.String()
}

// DuplicateKeySQL renders the query listing source keys that occur more than once.
func (m MergeStatement) DuplicateKeySQL(limit int) string {
	key := quote(m.Key)
	return fmt.Sprintf("SELECT %s::text, count(*) FROM %s GROUP BY %s HAVING count(*) > 1 ORDER BY 1 LIMIT %d",
		key, m.Source.Sanitize(), key, limit)
}

// MatchedCountSQL renders the query counting source rows that match a target row.
func (m MergeStatement) MatchedCountSQL() string {
	key := quote(m.Key)
	return fmt.Sprintf("SELECT count(*) FROM %s AS S JOIN %s AS T ON T.%s = S.%s",
		m.Source.Sanitize(), m.Target.Sanitize(), key, key)
}

func quote(col string) string {
	return pgx.Identifier{col}.Sanitize()
}
