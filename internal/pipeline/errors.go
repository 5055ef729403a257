package pipeline

import (
	"errors"
	"fmt"

	"github.com/JonMunkholm/zeta/internal/objectstore"
	"github.com/JonMunkholm/zeta/internal/warehouse"
)

// ConflictError is the object store's generation precondition failure.
type ConflictError = objectstore.ConflictError

// ErrConflict matches every ConflictError.
var ErrConflict = objectstore.ErrConflict

// ErrRowCountMismatch is wrapped by a LoadJobError when the staging table does
// not hold exactly the data rows of the batch file.
var ErrRowCountMismatch = errors.New("staged row count does not match batch file")

// LoadJobError reports a failed bulk load. Nothing was retained in the
// staging table.
type LoadJobError struct {
	Blob  string
	Table warehouse.TableID
	Err   error
}

func (e *LoadJobError) Error() string {
	return fmt.Sprintf("load %s into %s: %v", e.Blob, e.Table, e.Err)
}

func (e *LoadJobError) Unwrap() error { return e.Err }

// MergeError reports a failed merge. The canonical table is unchanged.
type MergeError struct {
	Target warehouse.TableID
	Source warehouse.TableID
	Err    error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge %s into %s: %v", e.Source, e.Target, e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

// CleanupError reports which cleanup steps failed. Both steps are always
// attempted.
type CleanupError struct {
	Blob  error
	Table error
}

func (e *CleanupError) Error() string {
	switch {
	case e.Blob != nil && e.Table != nil:
		return fmt.Sprintf("cleanup: blob: %v; table: %v", e.Blob, e.Table)
	case e.Blob != nil:
		return fmt.Sprintf("cleanup: blob: %v", e.Blob)
	default:
		return fmt.Sprintf("cleanup: table: %v", e.Table)
	}
}

func (e *CleanupError) Unwrap() []error {
	var errs []error
	if e.Blob != nil {
		errs = append(errs, e.Blob)
	}
	if e.Table != nil {
		errs = append(errs, e.Table)
	}
	return errs
}

// StageError attributes a run failure to the stage it happened in.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// FailedStage returns the stage err is attributed to, or StateIdle if none.
func FailedStage(err error) State {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return StateIdle
}
