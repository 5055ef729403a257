package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgxpool.Pool used by the Postgres store.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const objectsDDL = `
CREATE SEQUENCE IF NOT EXISTS zeta_object_generation;
CREATE TABLE IF NOT EXISTS zeta_objects (
	bucket     TEXT        NOT NULL,
	key        TEXT        NOT NULL,
	generation BIGINT      NOT NULL,
	size       BIGINT      NOT NULL,
	created    TIMESTAMPTZ NOT NULL,
	data       BYTEA       NOT NULL,
	PRIMARY KEY (bucket, key)
)`

// Postgres stores blobs as rows of the zeta_objects table. Generations come
// from the zeta_object_generation sequence, shared by all buckets.
type Postgres struct {
	db     DBTX
	bucket string
}

// NewPostgres creates the backing table if needed and returns the store.
// The pool is owned by the caller.
func NewPostgres(ctx context.Context, db DBTX, bucket string) (*Postgres, error) {
	if bucket == "" {
		return nil, fmt.Errorf("objectstore: postgres bucket name is required")
	}
	if _, err := db.Exec(ctx, objectsDDL); err != nil {
		return nil, fmt.Errorf("create zeta_objects: %w", err)
	}
	return &Postgres{db: db, bucket: bucket}, nil
}

func (p *Postgres) Upload(ctx context.Context, key string, r io.Reader, ifGenerationMatch Generation) (Attrs, error) {
	if key == "" {
		return Attrs{}, ErrEmptyKey
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Attrs{}, fmt.Errorf("read upload body: %w", err)
	}

	attrs := Attrs{Key: key, Size: int64(len(data))}

	var row pgx.Row
	if ifGenerationMatch == 0 {
		row = p.db.QueryRow(ctx, `
			INSERT INTO zeta_objects (bucket, key, generation, size, created, data)
			VALUES ($1, $2, nextval('zeta_object_generation'), $3, now(), $4)
			ON CONFLICT (bucket, key) DO NOTHING
			RETURNING generation, created`,
			p.bucket, key, attrs.Size, data)
	} else {
		row = p.db.QueryRow(ctx, `
			UPDATE zeta_objects
			SET generation = nextval('zeta_object_generation'), size = $3, created = now(), data = $4
			WHERE bucket = $1 AND key = $2 AND generation = $5
			RETURNING generation, created`,
			p.bucket, key, attrs.Size, data, int64(ifGenerationMatch))
	}

	var (
		gen     int64
		created time.Time
	)
	err = row.Scan(&gen, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return Attrs{}, p.conflict(ctx, key, "upload", ifGenerationMatch)
	}
	if err != nil {
		return Attrs{}, fmt.Errorf("upload %s: %w", p.Location(key), err)
	}

	attrs.Generation = Generation(gen)
	attrs.Created = created.UTC()
	return attrs, nil
}

func (p *Postgres) Attrs(ctx context.Context, key string) (Attrs, error) {
	attrs := Attrs{Key: key}
	var gen int64
	err := p.db.QueryRow(ctx,
		`SELECT generation, size, created FROM zeta_objects WHERE bucket = $1 AND key = $2`,
		p.bucket, key).Scan(&gen, &attrs.Size, &attrs.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return Attrs{}, ErrNotFound
	}
	if err != nil {
		return Attrs{}, fmt.Errorf("read attrs %s: %w", p.Location(key), err)
	}
	attrs.Generation = Generation(gen)
	attrs.Created = attrs.Created.UTC()
	return attrs, nil
}

func (p *Postgres) Open(ctx context.Context, key string) (io.ReadCloser, Attrs, error) {
	attrs := Attrs{Key: key}
	var (
		gen  int64
		data []byte
	)
	err := p.db.QueryRow(ctx,
		`SELECT generation, size, created, data FROM zeta_objects WHERE bucket = $1 AND key = $2`,
		p.bucket, key).Scan(&gen, &attrs.Size, &attrs.Created, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, Attrs{}, ErrNotFound
	}
	if err != nil {
		return nil, Attrs{}, fmt.Errorf("read %s: %w", p.Location(key), err)
	}
	attrs.Generation = Generation(gen)
	attrs.Created = attrs.Created.UTC()
	return io.NopCloser(bytes.NewReader(data)), attrs, nil
}

func (p *Postgres) Delete(ctx context.Context, key string, generation Generation) error {
	tag, err := p.db.Exec(ctx,
		`DELETE FROM zeta_objects WHERE bucket = $1 AND key = $2 AND generation = $3`,
		p.bucket, key, int64(generation))
	if err != nil {
		return fmt.Errorf("delete %s: %w", p.Location(key), err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	err = p.conflict(ctx, key, "delete", generation)
	var ce *ConflictError
	if errors.As(err, &ce) && ce.Actual == 0 {
		return ErrNotFound
	}
	return err
}

func (p *Postgres) Location(key string) string {
	return "pg://" + p.bucket + "/" + key
}

// Close is a no-op; the pool belongs to the caller.
func (p *Postgres) Close() error { return nil }

// conflict builds the *ConflictError for a failed conditional statement by
// reading the generation that is current now.
func (p *Postgres) conflict(ctx context.Context, key, op string, want Generation) error {
	attrs, err := p.Attrs(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return &ConflictError{Key: key, Op: op, Expected: want, Actual: attrs.Generation}
}
