package core

// scheduler.go runs background maintenance on a cron schedule.
//
// Each tick:
//  1. Sweeps staging artifacts left by failed runs, unless a run is active
//  2. Forgets finished runs older than the retention period
//
// Failures are logged; the scheduler keeps running.

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultCleanupSchedule runs maintenance every 15 minutes.
const DefaultCleanupSchedule = "*/15 * * * *"

// StartMaintenance schedules maintenance with the given cron expression and
// starts the scheduler. The scheduler stops when ctx is cancelled; the
// returned channel closes once the last job has finished.
func (s *Service) StartMaintenance(ctx context.Context, schedule string) (<-chan struct{}, error) {
	if schedule == "" {
		schedule = DefaultCleanupSchedule
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { s.runMaintenance(ctx) }); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	c.Start()
	slog.Info("maintenance scheduler started", "schedule", schedule)

	stopped := make(chan struct{})
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		slog.Info("maintenance scheduler stopped")
		close(stopped)
	}()

	return stopped, nil
}

// runMaintenance performs one sweep + prune cycle.
func (s *Service) runMaintenance(ctx context.Context) {
	start := time.Now()

	swept, err := s.SweepStaging(ctx)
	switch {
	case err != nil:
		slog.Error("staging sweep failed", "error", err)
	case !swept:
		slog.Debug("staging sweep skipped, run in progress")
	default:
		slog.Debug("staging swept", "duration_ms", time.Since(start).Milliseconds())
	}

	if n := s.PruneRuns(); n > 0 {
		slog.Info("pruned finished runs", "runs_pruned", n)
	}
}
