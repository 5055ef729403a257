package warehouse

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JonMunkholm/zeta/internal/schema"
)

// maxReportedDuplicates caps the keys listed in a DuplicateKeyError.
const maxReportedDuplicates = 20

// PostgreSQL error codes the backend classifies.
const (
	codeUndefinedTable      = "42P01"
	codeInvalidSchemaName   = "3F000"
	codeUniqueViolation     = "23505"
	codeCardinalityViolated = "21000"
)

// DB is the subset of pgxpool.Pool used by the Postgres warehouse.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres runs warehouse operations against PostgreSQL 15 or later.
// Datasets map to Postgres schemas.
type Postgres struct {
	db DB
}

// NewPostgres returns a warehouse using db. The pool is owned by the caller.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) CreateTable(ctx context.Context, id TableID, s schema.RowSchema) error {
	if err := id.Validate(); err != nil {
		return err
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureDataset(ctx, tx, id); err != nil {
		return err
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", id.Sanitize(), columnDDL(s, true))
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", id, classify(err))
	}
	return tx.Commit(ctx)
}

func (p *Postgres) LoadTable(ctx context.Context, id TableID, s schema.RowSchema, src RowSource) (int64, error) {
	if err := id.Validate(); err != nil {
		return 0, err
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureDataset(ctx, tx, id); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+id.Sanitize()); err != nil {
		return 0, fmt.Errorf("drop %s: %w", id, classify(err))
	}
	ddl := fmt.Sprintf("CREATE UNLOGGED TABLE %s (%s)", id.Sanitize(), columnDDL(s, false))
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return 0, fmt.Errorf("create %s: %w", id, classify(err))
	}

	n, err := tx.CopyFrom(ctx, identifier(id), s.Names(), src)
	if err != nil {
		return 0, fmt.Errorf("copy into %s: %w", id, classify(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit load of %s: %w", id, err)
	}
	return n, nil
}

func (p *Postgres) Merge(ctx context.Context, stmt MergeStatement) (MergeOutcome, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return MergeOutcome{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	dupes, err := duplicateKeys(ctx, tx, stmt)
	if err != nil {
		return MergeOutcome{}, err
	}
	if len(dupes) > 0 {
		return MergeOutcome{}, &DuplicateKeyError{Table: stmt.Source, Keys: dupes}
	}

	var matched int64
	if err := tx.QueryRow(ctx, stmt.MatchedCountSQL()).Scan(&matched); err != nil {
		return MergeOutcome{}, fmt.Errorf("count matches: %w", classify(err))
	}

	tag, err := tx.Exec(ctx, stmt.SQL())
	if err != nil {
		return MergeOutcome{}, fmt.Errorf("merge %s into %s: %w", stmt.Source, stmt.Target, classifyMerge(err, stmt))
	}

	if err := tx.Commit(ctx); err != nil {
		return MergeOutcome{}, fmt.Errorf("commit merge: %w", err)
	}

	affected := tag.RowsAffected()
	return MergeOutcome{
		Inserted: affected - matched,
		Updated:  matched,
		Affected: affected,
	}, nil
}

func (p *Postgres) DropTable(ctx context.Context, id TableID) error {
	if _, err := p.db.Exec(ctx, "DROP TABLE "+id.Sanitize()); err != nil {
		return fmt.Errorf("drop %s: %w", id, classify(err))
	}
	return nil
}

func (p *Postgres) CountRows(ctx context.Context, id TableID) (int64, error) {
	var n int64
	if err := p.db.QueryRow(ctx, "SELECT count(*) FROM "+id.Sanitize()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", id, classify(err))
	}
	return n, nil
}

func ensureDataset(ctx context.Context, tx pgx.Tx, id TableID) error {
	if id.Dataset == "" {
		return nil
	}
	if _, err := tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{id.Dataset}.Sanitize()); err != nil {
		return fmt.Errorf("create dataset %s: %w", id.Dataset, err)
	}
	return nil
}

func duplicateKeys(ctx context.Context, tx pgx.Tx, stmt MergeStatement) ([]string, error) {
	rows, err := tx.Query(ctx, stmt.DuplicateKeySQL(maxReportedDuplicates))
	if err != nil {
		return nil, fmt.Errorf("check duplicate keys: %w", classify(err))
	}

	var keys []string
	for rows.Next() {
		var (
			key   string
			count int64
		)
		if err := rows.Scan(&key, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan duplicate key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("check duplicate keys: %w", classify(err))
	}
	return keys, nil
}

func identifier(id TableID) pgx.Identifier {
	if id.Dataset == "" {
		return pgx.Identifier{id.Name}
	}
	return pgx.Identifier{id.Dataset, id.Name}
}

// classify maps Postgres errors onto package errors, keeping the original in
// the chain.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeUndefinedTable, codeInvalidSchemaName:
		return fmt.Errorf("%w: %w", ErrTableNotFound, err)
	}
	return err
}

// classifyMerge additionally turns key violations raised by the MERGE itself
// into a DuplicateKeyError.
func classifyMerge(err error, stmt MergeStatement) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation, codeCardinalityViolated:
			return fmt.Errorf("%w: %w", &DuplicateKeyError{Table: stmt.Source}, err)
		}
	}
	return classify(err)
}
