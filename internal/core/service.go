package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/zeta/internal/batch"
	"github.com/JonMunkholm/zeta/internal/logging"
	"github.com/JonMunkholm/zeta/internal/pipeline"
)

// ErrRunNotFound is returned for unknown or expired run IDs.
var ErrRunNotFound = errors.New("run not found")

// DefaultRunTimeout bounds a single pipeline run.
var DefaultRunTimeout = 30 * time.Minute

// DefaultRetention is how long finished runs stay queryable.
var DefaultRetention = 24 * time.Hour

// Runner executes pipeline runs. *pipeline.Pipeline implements it.
type Runner interface {
	RunWithID(ctx context.Context, runID string, file batch.File) (pipeline.Result, error)
	Cleanup(ctx context.Context) error
}

// ServiceConfig tunes a Service. Zero values select defaults.
type ServiceConfig struct {
	MaxWait    time.Duration // wait for the pipeline before ErrPipelineBusy
	RunTimeout time.Duration
	Retention  time.Duration
}

// Service tracks pipeline runs and serializes access to one pipeline.
type Service struct {
	runner     Runner
	limiter    *RunLimiter
	runTimeout time.Duration
	retention  time.Duration
	now        func() time.Time

	mu   sync.RWMutex
	runs map[string]*activeRun

	wg sync.WaitGroup
}

type activeRun struct {
	status RunStatus
	done   chan struct{}
}

// NewService creates a Service running batches through runner.
func NewService(runner Runner, cfg ServiceConfig) *Service {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	return &Service{
		runner:     runner,
		limiter:    NewRunLimiter(DefaultMaxConcurrentRuns, cfg.MaxWait),
		runTimeout: cfg.RunTimeout,
		retention:  cfg.Retention,
		now:        time.Now,
		runs:       make(map[string]*activeRun),
	}
}

// StartRun registers a run and executes it in the background.
// Returns the run ID immediately; poll GetRun or block on WaitRun.
func (s *Service) StartRun(ctx context.Context, file batch.File, trigger Trigger) (string, error) {
	if file.Name == "" {
		return "", batch.ErrEmptyName
	}

	run := s.register(file, trigger)

	// The run outlives the request that started it.
	bg := context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(bg, run, file)
	}()

	return run.status.ID, nil
}

// Run executes a batch synchronously and returns its final status.
// The error is the pipeline error, if any.
func (s *Service) Run(ctx context.Context, file batch.File, trigger Trigger) (RunStatus, error) {
	if file.Name == "" {
		return RunStatus{}, batch.ErrEmptyName
	}

	run := s.register(file, trigger)
	err := s.execute(ctx, run, file)

	status, _ := s.GetRun(run.status.ID)
	return status, err
}

// GetRun returns the current status of a run.
func (s *Service) GetRun(runID string) (RunStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return RunStatus{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run.status, nil
}

// WaitRun blocks until the run finishes or ctx ends.
func (s *Service) WaitRun(ctx context.Context, runID string) (RunStatus, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return RunStatus{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	select {
	case <-run.done:
		return s.GetRun(runID)
	case <-ctx.Done():
		return RunStatus{}, ctx.Err()
	}
}

// ListRuns returns all tracked runs, newest first.
func (s *Service) ListRuns() []RunStatus {
	s.mu.RLock()
	out := make([]RunStatus, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run.status)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Started.After(out[j].Started)
	})
	return out
}

// Observe records a pipeline state transition against its run.
// Wire it with pipeline.WithTransitionHook.
func (s *Service) Observe(tr pipeline.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run, ok := s.runs[tr.RunID]; ok && run.status.Finished == nil {
		run.status.Phase = tr.To.String()
	}
}

// Cleanup waits for the pipeline and removes staging artifacts.
func (s *Service) Cleanup(ctx context.Context) error {
	if err := s.limiter.Acquire(ctx); err != nil {
		return err
	}
	defer s.limiter.Release()

	return s.runner.Cleanup(ctx)
}

// SweepStaging removes staging artifacts unless a run is in progress.
// Returns false when skipped.
func (s *Service) SweepStaging(ctx context.Context) (bool, error) {
	if !s.limiter.TryAcquire() {
		return false, nil
	}
	defer s.limiter.Release()

	return true, s.runner.Cleanup(ctx)
}

// PruneRuns forgets finished runs older than the retention period.
func (s *Service) PruneRuns() int {
	cutoff := s.now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, run := range s.runs {
		if f := run.status.Finished; f != nil && f.Before(cutoff) {
			delete(s.runs, id)
			n++
		}
	}
	return n
}

// LimiterStatus reports pipeline occupancy.
func (s *Service) LimiterStatus() RunLimiterStatus {
	return s.limiter.Status()
}

// Shutdown waits for background runs and any synchronous run holding the
// pipeline to finish, or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.limiter.WaitForDrain(ctx)
}

func (s *Service) register(file batch.File, trigger Trigger) *activeRun {
	run := &activeRun{
		status: RunStatus{
			ID:      uuid.NewString(),
			File:    file.Name,
			Trigger: trigger,
			Phase:   PhaseQueued,
			Started: s.now(),
		},
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.runs[run.status.ID] = run
	s.mu.Unlock()

	return run
}

func (s *Service) execute(ctx context.Context, run *activeRun, file batch.File) error {
	defer close(run.done)

	ctx = logging.WithRunID(ctx, run.status.ID)
	logger := logging.WithFields(ctx, "file", file.Name, "trigger", string(run.status.Trigger))

	if err := s.limiter.Acquire(ctx); err != nil {
		logger.Warn("run rejected", "error", err)
		s.finish(run, pipeline.Result{}, err)
		return err
	}
	defer s.limiter.Release()

	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	res, err := s.runner.RunWithID(runCtx, run.status.ID, file)
	s.finish(run, res, err)
	return err
}

func (s *Service) finish(run *activeRun, res pipeline.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.status.applyResult(res, err, s.now())
}
