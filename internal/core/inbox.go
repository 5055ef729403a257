package core

// inbox.go watches a directory for batch files.
//
// Every *.csv written into the inbox is run through the pipeline once writes
// have settled (debounce). Files whose run succeeds are moved to the processed
// directory; failed files stay in place so they can be fixed and rewritten,
// which triggers a new run. A file turned away because the pipeline is busy
// is retried after RetryDelay.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/JonMunkholm/zeta/internal/batch"
)

const (
	// DefaultInboxDebounce is how long a file must be quiet before it is run.
	DefaultInboxDebounce = 500 * time.Millisecond

	// DefaultInboxRetryDelay is how long a file waits after the pipeline
	// was busy.
	DefaultInboxRetryDelay = 5 * time.Second
)

// InboxConfig configures WatchInbox.
type InboxConfig struct {
	Dir          string
	ProcessedDir string // defaults to Dir/processed
	Debounce     time.Duration
	RetryDelay   time.Duration
}

// WatchInbox runs new batch files dropped into cfg.Dir until ctx is cancelled.
// Files already present when the watch starts are run first.
func (s *Service) WatchInbox(ctx context.Context, cfg InboxConfig) error {
	if cfg.Dir == "" {
		return fmt.Errorf("inbox directory is required")
	}
	if cfg.ProcessedDir == "" {
		cfg.ProcessedDir = filepath.Join(cfg.Dir, "processed")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultInboxDebounce
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultInboxRetryDelay
	}
	for _, dir := range []string{cfg.Dir, cfg.ProcessedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(cfg.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", cfg.Dir, err)
	}
	slog.Info("inbox watcher started", "dir", cfg.Dir, "processed_dir", cfg.ProcessedDir)

	var d *debouncer
	d = newDebouncer(func(path string) {
		if s.processInboxFile(ctx, path, cfg.ProcessedDir) {
			slog.Info("pipeline busy, retrying inbox file", "path", path, "retry_in", cfg.RetryDelay)
			d.schedule(path, cfg.RetryDelay)
		}
	})
	defer func() {
		d.stop()
		slog.Info("inbox watcher stopped")
	}()

	existing, err := filepath.Glob(filepath.Join(cfg.Dir, "*"))
	if err != nil {
		return err
	}
	for _, path := range existing {
		if isBatchFile(path) {
			d.schedule(path, cfg.Debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if isBatchFile(event.Name) {
				d.schedule(event.Name, cfg.Debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("inbox watcher error", "error", err)
		}
	}
}

// processInboxFile runs one inbox file and reports whether it should be
// retried because the pipeline was busy.
func (s *Service) processInboxFile(ctx context.Context, path, processedDir string) (retry bool) {
	if ctx.Err() != nil {
		return false
	}

	file, err := batch.FromPath(path)
	if err != nil {
		// Moved or deleted before the debounce fired.
		slog.Debug("inbox file vanished", "path", path, "error", err)
		return false
	}

	status, err := s.Run(ctx, file, TriggerInbox)
	if errors.Is(err, ErrPipelineBusy) {
		return true
	}
	if err != nil {
		slog.Error("inbox run failed",
			"path", path,
			"run_id", status.ID,
			"error_code", status.ErrorCode,
			"error", err,
		)
		return false
	}

	dest := filepath.Join(processedDir, processedName(file.Name, status.ID))
	if err := os.Rename(path, dest); err != nil {
		slog.Error("move processed inbox file", "path", path, "dest", dest, "error", err)
		return false
	}
	slog.Info("inbox file processed", "path", path, "dest", dest, "run_id", status.ID)
	return false
}

// debouncer runs fn for a path once no schedule call for it has arrived for
// the given delay.
type debouncer struct {
	fn func(path string)

	mu     sync.Mutex
	timers map[string]pendingRun
	seq    uint64
	closed bool
	wg     sync.WaitGroup
}

// pendingRun is an armed timer. seq identifies the schedule call that armed
// it.
type pendingRun struct {
	timer *time.Timer
	seq   uint64
}

func newDebouncer(fn func(path string)) *debouncer {
	return &debouncer{fn: fn, timers: make(map[string]pendingRun)}
}

// schedule (re)arms the timer for path. It is a no-op after stop.
func (d *debouncer) schedule(path string, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if p, ok := d.timers[path]; ok && p.timer.Stop() {
		d.wg.Done()
	}

	d.seq++
	seq := d.seq
	d.wg.Add(1)
	d.timers[path] = pendingRun{
		timer: time.AfterFunc(delay, func() {
			defer d.wg.Done()
			d.fire(path, seq)
		}),
		seq: seq,
	}
}

// fire forgets the timer armed by seq unless path has been re-armed since,
// then runs fn.
func (d *debouncer) fire(path string, seq uint64) {
	d.mu.Lock()
	if p, ok := d.timers[path]; ok && p.seq == seq {
		delete(d.timers, path)
	}
	d.mu.Unlock()
	d.fn(path)
}

// pending reports whether a timer is armed for path.
func (d *debouncer) pending(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[path]
	return ok
}

// stop cancels armed timers and waits for running callbacks.
func (d *debouncer) stop() {
	d.mu.Lock()
	d.closed = true
	for path, p := range d.timers {
		// Stopped timers never run their callback.
		if p.timer.Stop() {
			d.wg.Done()
		}
		delete(d.timers, path)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
