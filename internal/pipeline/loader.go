package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/JonMunkholm/zeta/internal/batch"
	"github.com/JonMunkholm/zeta/internal/logging"
	"github.com/JonMunkholm/zeta/internal/objectstore"
	"github.com/JonMunkholm/zeta/internal/schema"
	"github.com/JonMunkholm/zeta/internal/warehouse"
)

// StagingLoader bulk-loads a staged blob into a staging table.
type StagingLoader struct {
	store objectstore.Store
	wh    warehouse.Warehouse
}

// NewStagingLoader returns a loader reading from store and writing to wh.
func NewStagingLoader(store objectstore.Store, wh warehouse.Warehouse) *StagingLoader {
	return &StagingLoader{store: store, wh: wh}
}

// Load replaces target with the rows of the blob described by blob and
// returns the number of rows landed. The blob must still be at
// blob.Generation. Any header, type or nullability violation fails the whole
// load and nothing is retained.
func (l *StagingLoader) Load(ctx context.Context, blob objectstore.Attrs, target warehouse.TableID, s schema.RowSchema) (int64, error) {
	fail := func(err error) (int64, error) {
		return 0, &LoadJobError{Blob: l.store.Location(blob.Key), Table: target, Err: err}
	}

	rc, attrs, err := l.store.Open(ctx, blob.Key)
	if err != nil {
		return fail(fmt.Errorf("open staging blob: %w", err))
	}
	defer rc.Close()

	if attrs.Generation != blob.Generation {
		return 0, &ConflictError{Key: blob.Key, Op: "load", Expected: blob.Generation, Actual: attrs.Generation}
	}

	dec := batch.NewDecoder(batch.Clean(rc), s)
	if err := dec.ReadHeader(); err != nil {
		return fail(err)
	}

	start := time.Now()
	n, err := l.wh.LoadTable(ctx, target, s, dec)
	if err != nil {
		return fail(err)
	}

	logging.FromContext(ctx).Debug("staging table loaded",
		"table", target.String(),
		"generation", attrs.Generation,
		"rows", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return n, nil
}
