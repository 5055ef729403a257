// Package objectstore provides durable blob storage with generation numbers.
//
// Every write assigns the blob a new generation, strictly increasing within a
// store. Writes and deletes take a generation precondition so callers can use
// generations as an optimistic lock:
//
//	attrs, err := store.Upload(ctx, "pokemon_data_temp", r, 0) // create-only
//	...
//	attrs, err = store.Attrs(ctx, "pokemon_data_temp")         // read generation
//	err = store.Delete(ctx, "pokemon_data_temp", attrs.Generation)
//
// Backends: in-memory (NewMemory), bbolt file (OpenBolt), PostgreSQL table
// (NewPostgres). All are safe for concurrent use.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Generation identifies one version of a blob. Zero means "no blob".
type Generation int64

// Attrs describes a stored blob.
type Attrs struct {
	Key        string
	Generation Generation
	Size       int64
	Created    time.Time
}

var (
	// ErrNotFound is returned when a key has no blob.
	ErrNotFound = errors.New("objectstore: blob not found")

	// ErrConflict matches every *ConflictError via errors.Is.
	ErrConflict = errors.New("objectstore: generation precondition failed")

	// ErrEmptyKey is returned for operations on an empty key.
	ErrEmptyKey = errors.New("objectstore: key is required")
)

// ConflictError reports a failed generation precondition.
// Expected is the generation the caller required (0 for create-only) and
// Actual the generation found (0 if absent).
type ConflictError struct {
	Key      string
	Op       string
	Expected Generation
	Actual   Generation
}

func (e *ConflictError) Error() string {
	if e.Expected == 0 {
		return fmt.Sprintf("objectstore: %s %q: blob already exists at generation %d", e.Op, e.Key, e.Actual)
	}
	return fmt.Sprintf("objectstore: %s %q: want generation %d, have %d", e.Op, e.Key, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Store is a generation-aware blob store.
type Store interface {
	// Upload writes r under key. ifGenerationMatch 0 means create-only: the
	// upload fails with *ConflictError if any blob exists under key. A non-zero
	// value requires the current generation to equal it.
	Upload(ctx context.Context, key string, r io.Reader, ifGenerationMatch Generation) (Attrs, error)

	// Attrs returns the current attributes of key, or ErrNotFound.
	Attrs(ctx context.Context, key string) (Attrs, error)

	// Open returns the contents of key with the attributes of the version read.
	Open(ctx context.Context, key string) (io.ReadCloser, Attrs, error)

	// Delete removes key if its current generation equals generation.
	// Returns ErrNotFound if absent and *ConflictError on mismatch.
	Delete(ctx context.Context, key string, generation Generation) error

	// Location returns a URI for key, used in logs.
	Location(key string) string

	Close() error
}

// checkPrecondition validates a write against the current generation.
func checkPrecondition(key, op string, current, want Generation) error {
	if current != want {
		return &ConflictError{Key: key, Op: op, Expected: want, Actual: current}
	}
	return nil
}
