package pipeline

import (
	"context"

	"github.com/JonMunkholm/zeta/internal/logging"
	"github.com/JonMunkholm/zeta/internal/schema"
	"github.com/JonMunkholm/zeta/internal/warehouse"
)

// MergeUpsertExecutor merges a staging table into the canonical table by key.
type MergeUpsertExecutor struct {
	wh warehouse.Warehouse
}

// NewMergeUpsertExecutor returns an executor running merges on wh.
func NewMergeUpsertExecutor(wh warehouse.Warehouse) *MergeUpsertExecutor {
	return &MergeUpsertExecutor{wh: wh}
}

// Merge updates every mutable column of canonical rows whose key appears in
// staging and inserts staging rows whose key does not. Staging tables with
// duplicate keys are rejected before anything is written.
func (m *MergeUpsertExecutor) Merge(ctx context.Context, canonical, staging warehouse.TableID, s schema.RowSchema) (warehouse.MergeOutcome, error) {
	stmt, err := warehouse.BuildMerge(canonical, staging, s)
	if err != nil {
		return warehouse.MergeOutcome{}, &MergeError{Target: canonical, Source: staging, Err: err}
	}

	logging.FromContext(ctx).Debug("executing merge", "sql", stmt.SQL())

	out, err := m.wh.Merge(ctx, stmt)
	if err != nil {
		return warehouse.MergeOutcome{}, &MergeError{Target: canonical, Source: staging, Err: err}
	}
	return out, nil
}
