package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/JonMunkholm/zeta/internal/logging"
	"github.com/JonMunkholm/zeta/internal/objectstore"
	"github.com/JonMunkholm/zeta/internal/warehouse"
)

// CleanupCoordinator removes staging artifacts. Artifacts that are already
// gone count as cleaned, so Cleanup can be repeated freely.
type CleanupCoordinator struct {
	store objectstore.Store
	wh    warehouse.Warehouse
}

// NewCleanupCoordinator returns a coordinator for store and wh.
func NewCleanupCoordinator(store objectstore.Store, wh warehouse.Warehouse) *CleanupCoordinator {
	return &CleanupCoordinator{store: store, wh: wh}
}

// Cleanup deletes the staging blob at its current generation and drops the
// staging table. Both steps are attempted even if the first fails.
func (c *CleanupCoordinator) Cleanup(ctx context.Context, blobKey string, staging warehouse.TableID) error {
	blobErr := c.deleteBlob(ctx, blobKey)
	tableErr := c.dropTable(ctx, staging)

	if blobErr != nil || tableErr != nil {
		return &CleanupError{Blob: blobErr, Table: tableErr}
	}
	return nil
}

func (c *CleanupCoordinator) deleteBlob(ctx context.Context, key string) error {
	logger := logging.FromContext(ctx)

	attrs, err := c.store.Attrs(ctx, key)
	if errors.Is(err, objectstore.ErrNotFound) {
		logger.Debug("staging blob already absent", "blob", c.store.Location(key))
		return nil
	}
	if err != nil {
		return fmt.Errorf("read generation of %s: %w", c.store.Location(key), err)
	}

	err = c.store.Delete(ctx, key, attrs.Generation)
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", c.store.Location(key), err)
	}

	logger.Debug("staging blob deleted", "blob", c.store.Location(key), "generation", attrs.Generation)
	return nil
}

func (c *CleanupCoordinator) dropTable(ctx context.Context, id warehouse.TableID) error {
	err := c.wh.DropTable(ctx, id)
	if errors.Is(err, warehouse.ErrTableNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	logging.FromContext(ctx).Debug("staging table dropped", "table", id.String())
	return nil
}
