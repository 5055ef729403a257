// Package core runs batches through the staging pipeline and tracks them.
//
// The pipeline package knows how to move one file from local disk into the
// canonical table. This package adds what a long-running process needs
// around it: run IDs that can be polled, one-run-at-a-time admission, user
// facing error codes, scheduled maintenance and an inbox directory.
//
// # Runs
//
// A [Service] wraps a [Runner] (normally *pipeline.Pipeline). Runs start
// synchronously with [Service.Run] or in the background with
// [Service.StartRun]:
//
//	id, err := svc.StartRun(ctx, file, core.TriggerAPI)
//	status, err := svc.WaitRun(ctx, id)
//
// Only one run uses the pipeline at a time because every run shares the same
// staging blob and staging table. Callers queue on a [RunLimiter] for up to
// ServiceConfig.MaxWait and then get [ErrPipelineBusy].
//
// Register [Service.Observe] as the pipeline's transition hook so
// [RunStatus.Phase] follows the run through uploading, loading, merging and
// cleaning_up.
//
// # Maintenance
//
// [Service.StartMaintenance] sweeps staging artifacts left by failed runs on
// a cron schedule and forgets finished runs after the retention period. A
// sweep is skipped while a run holds the pipeline.
//
// # Inbox
//
// [Service.WatchInbox] runs every CSV file written into a directory and moves
// it aside once its run succeeds.
//
// # Error Handling
//
// Technical errors are mapped to user-friendly messages using [MapError].
// Each error category has a unique code for support reference:
//
//   - STG001: Staging blob conflict
//   - LOAD001-LOAD005: File and bulk load errors
//   - MRG001-MRG003: Merge errors
//   - CLN001: Cleanup errors
//   - RUN001-RUN005: Admission, size and timeout errors
//   - DB004-DB007: Database connectivity
package core
