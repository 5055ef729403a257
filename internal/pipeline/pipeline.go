// Package pipeline synchronizes batch files into the canonical table.
//
// A run moves through fixed stages:
//
//	Idle -> Uploading -> Loading -> Merging -> CleaningUp -> Done
//
// and any stage may end the run in Failed. Completed stages are never rolled
// back: a failed run leaves its staging blob and table in place, and the next
// Cleanup (or the next successful run) removes them.
//
// The staging blob key and staging table are fixed names, so two runs on the
// same Pipeline must not overlap. Callers serialize runs (see core.RunLimiter).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/zeta/internal/batch"
	"github.com/JonMunkholm/zeta/internal/logging"
	"github.com/JonMunkholm/zeta/internal/objectstore"
	"github.com/JonMunkholm/zeta/internal/schema"
	"github.com/JonMunkholm/zeta/internal/warehouse"
)

// State is the lifecycle stage of a run.
type State int

const (
	StateIdle State = iota
	StateUploading
	StateLoading
	StateMerging
	StateCleaningUp
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUploading:
		return "uploading"
	case StateLoading:
		return "loading"
	case StateMerging:
		return "merging"
	case StateCleaningUp:
		return "cleaning_up"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Config names the artifacts a Pipeline works on.
type Config struct {
	Schema       schema.RowSchema
	StagingKey   string // object store key of the staging blob
	CanonicalKey string // object store key of the provisioning seed
	Canonical    warehouse.TableID
	Staging      warehouse.TableID
	LoadTimeout  time.Duration
	MergeTimeout time.Duration
	MaxFileSize  int64 // 0 disables the limit
}

// DefaultConfig returns the configuration for the pokemon_data tables.
func DefaultConfig() Config {
	return Config{
		Schema:       schema.Pokemon,
		StagingKey:   "pokemon_data_temp",
		CanonicalKey: "pokemon_data",
		Canonical:    warehouse.TableID{Dataset: "project_zeta", Name: "pokemon_data"},
		Staging:      warehouse.TableID{Dataset: "project_zeta", Name: "pokemon_data_temp"},
		LoadTimeout:  5 * time.Minute,
		MergeTimeout: 5 * time.Minute,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.Schema.Len() == 0 {
		errs = append(errs, errors.New("schema is required"))
	}
	if c.StagingKey == "" {
		errs = append(errs, errors.New("staging key is required"))
	}
	if c.StagingKey != "" && c.StagingKey == c.CanonicalKey {
		errs = append(errs, errors.New("staging key must differ from canonical key"))
	}
	if err := c.Canonical.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("canonical table: %w", err))
	}
	if err := c.Staging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("staging table: %w", err))
	}
	if c.Canonical == c.Staging {
		errs = append(errs, errors.New("staging table must differ from canonical table"))
	}
	return errors.Join(errs...)
}

// Transition is reported each time a run changes state.
type Transition struct {
	RunID string
	From  State
	To    State
	At    time.Time
	Err   error // set when To is StateFailed
}

// Result is the outcome of one run.
type Result struct {
	RunID       string
	File        string
	State       State
	FailedStage State // set when State is StateFailed
	Blob        objectstore.Attrs
	SourceRows  int64 // data rows counted in the batch file
	LoadedRows  int64 // rows landed in the staging table
	Outcome     warehouse.MergeOutcome
	CleanupErr  error // cleanup failure after a successful merge
	Err         error
	Started     time.Time
	Finished    time.Time
}

// Duration returns the wall time of the run.
func (r Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTransitionHook registers fn to be called synchronously on every state
// change.
func WithTransitionHook(fn func(Transition)) Option {
	return func(p *Pipeline) {
		p.onTransition = fn
	}
}

// Pipeline runs batch files through stage, load, merge and cleanup.
type Pipeline struct {
	cfg     Config
	store   objectstore.Store
	wh      warehouse.Warehouse
	loader  *StagingLoader
	merger  *MergeUpsertExecutor
	cleaner *CleanupCoordinator

	onTransition func(Transition)
	now          func() time.Time
}

// New returns a Pipeline over store and wh. Both are owned by the caller.
func New(store objectstore.Store, wh warehouse.Warehouse, cfg Config, opts ...Option) (*Pipeline, error) {
	if store == nil || wh == nil {
		return nil, errors.New("pipeline: store and warehouse are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}

	p := &Pipeline{
		cfg:     cfg,
		store:   store,
		wh:      wh,
		loader:  NewStagingLoader(store, wh),
		merger:  NewMergeUpsertExecutor(wh),
		cleaner: NewCleanupCoordinator(store, wh),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Config returns the pipeline's configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Run synchronizes file into the canonical table under a new run ID.
func (p *Pipeline) Run(ctx context.Context, file batch.File) (Result, error) {
	return p.RunWithID(ctx, uuid.NewString(), file)
}

// RunWithID is Run with a caller-chosen run ID.
//
// The returned error is nil exactly when Result.State is StateDone; otherwise
// it is a *StageError naming the failed stage. A cleanup failure after a
// successful merge does not fail the run and is reported in Result.CleanupErr.
func (p *Pipeline) RunWithID(ctx context.Context, runID string, file batch.File) (Result, error) {
	ctx = logging.WithRunID(ctx, runID)
	r := &run{
		p:      p,
		ctx:    ctx,
		logger: logging.WithFields(ctx, "file", file.Name),
		res: Result{
			RunID:   runID,
			File:    file.Name,
			State:   StateIdle,
			Started: p.now(),
		},
	}
	r.entered = r.res.Started

	GaugeRunsInFlight.Inc()
	defer GaugeRunsInFlight.Dec()

	r.logger.Info("pipeline run started", "staging_key", p.cfg.StagingKey, "canonical", p.cfg.Canonical.String())
	err := r.execute(file)
	r.res.Finished = p.now()

	if err != nil {
		r.res.Err = err
		CounterRuns.WithLabelValues(StateFailed.String(), r.res.FailedStage.String()).Inc()
		r.logger.Error("pipeline run failed",
			"stage", r.res.FailedStage.String(),
			"error", err,
			"duration_ms", r.res.Duration().Milliseconds(),
		)
		return r.res, err
	}

	CounterRuns.WithLabelValues(StateDone.String(), "").Inc()
	r.logger.Info("pipeline run completed",
		"rows", r.res.LoadedRows,
		"inserted", r.res.Outcome.Inserted,
		"updated", r.res.Outcome.Updated,
		"duration_ms", r.res.Duration().Milliseconds(),
	)
	return r.res, nil
}

// Cleanup removes the staging blob and staging table if present.
func (p *Pipeline) Cleanup(ctx context.Context) error {
	err := p.cleaner.Cleanup(ctx, p.cfg.StagingKey, p.cfg.Staging)
	if err != nil {
		CounterCleanupFailures.Inc()
	}
	return err
}

// Provision creates the canonical table. When seed is non-nil it is uploaded
// create-only under the canonical key, where it is kept as the dataset's
// origin, and then run through the pipeline.
func (p *Pipeline) Provision(ctx context.Context, seed *batch.File) (*Result, error) {
	logger := logging.FromContext(ctx)

	if err := p.wh.CreateTable(ctx, p.cfg.Canonical, p.cfg.Schema); err != nil {
		return nil, fmt.Errorf("create canonical table %s: %w", p.cfg.Canonical, err)
	}
	logger.Info("canonical table ready", "table", p.cfg.Canonical.String())

	if seed == nil {
		return nil, nil
	}
	if p.cfg.CanonicalKey == "" {
		return nil, errors.New("canonical key is required to store a seed")
	}

	rc, err := seed.OpenClean()
	if err != nil {
		return nil, fmt.Errorf("open seed: %w", err)
	}
	attrs, err := p.store.Upload(ctx, p.cfg.CanonicalKey, rc, 0)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("store seed: %w", err)
	}
	logger.Info("seed stored", "blob", p.store.Location(attrs.Key), "generation", attrs.Generation)

	res, err := p.Run(ctx, *seed)
	return &res, err
}

// run is the mutable state of one RunWithID call.
type run struct {
	p       *Pipeline
	ctx     context.Context
	logger  *slog.Logger
	res     Result
	entered time.Time
}

func (r *run) execute(file batch.File) error {
	p := r.p

	// Uploading
	r.transition(StateUploading)
	if p.cfg.MaxFileSize > 0 && file.Size > p.cfg.MaxFileSize {
		return r.fail(fmt.Errorf("%w: %d bytes exceeds %d", batch.ErrTooLarge, file.Size, p.cfg.MaxFileSize))
	}

	// An empty source still gets staged; the loader rejects it.
	rows, err := countRows(file)
	if err != nil && !errors.Is(err, batch.ErrEmptySource) {
		return r.fail(fmt.Errorf("scan batch file: %w", err))
	}
	r.res.SourceRows = rows

	attrs, err := r.upload(file)
	if err != nil {
		return r.fail(err)
	}
	r.res.Blob = attrs
	r.logger.Info("staging blob uploaded",
		"blob", p.store.Location(attrs.Key),
		"generation", attrs.Generation,
		"bytes", attrs.Size,
	)

	// Loading
	r.transition(StateLoading)
	loadCtx, cancel := withTimeout(r.ctx, p.cfg.LoadTimeout)
	loaded, err := p.loader.Load(loadCtx, attrs, p.cfg.Staging, p.cfg.Schema)
	cancel()
	if err != nil {
		return r.fail(err)
	}
	r.res.LoadedRows = loaded
	CounterRowsLoaded.Add(float64(loaded))
	if loaded != r.res.SourceRows {
		return r.fail(&LoadJobError{
			Blob:  p.store.Location(attrs.Key),
			Table: p.cfg.Staging,
			Err:   fmt.Errorf("%w: file has %d rows, staged %d", ErrRowCountMismatch, r.res.SourceRows, loaded),
		})
	}

	// Merging
	r.transition(StateMerging)
	mergeCtx, cancel := withTimeout(r.ctx, p.cfg.MergeTimeout)
	out, err := p.merger.Merge(mergeCtx, p.cfg.Canonical, p.cfg.Staging, p.cfg.Schema)
	cancel()
	if err != nil {
		return r.fail(err)
	}
	r.res.Outcome = out
	CounterRowsMerged.WithLabelValues("inserted").Add(float64(out.Inserted))
	CounterRowsMerged.WithLabelValues("updated").Add(float64(out.Updated))

	// CleaningUp
	r.transition(StateCleaningUp)
	if err := p.Cleanup(r.ctx); err != nil {
		r.res.CleanupErr = err
		r.logger.Warn("cleanup failed after successful merge", "error", err)
	}

	r.transition(StateDone)
	return nil
}

func (r *run) upload(file batch.File) (objectstore.Attrs, error) {
	rc, err := file.OpenClean()
	if err != nil {
		return objectstore.Attrs{}, fmt.Errorf("open batch file: %w", err)
	}
	defer rc.Close()

	body := batch.NewCountingReader(rc, r.p.cfg.MaxFileSize)
	return r.p.store.Upload(r.ctx, r.p.cfg.StagingKey, body, 0)
}

func (r *run) transition(to State) {
	from := r.res.State
	now := r.p.now()

	if from != StateIdle {
		HistogramStageDuration.WithLabelValues(from.String()).Observe(now.Sub(r.entered).Seconds())
	}
	r.logger.Debug("stage transition",
		"from", from.String(),
		"stage", to.String(),
		"duration_ms", now.Sub(r.entered).Milliseconds(),
	)

	r.res.State = to
	r.entered = now
	r.notify(Transition{RunID: r.res.RunID, From: from, To: to, At: now})
}

func (r *run) fail(err error) error {
	stage := r.res.State
	serr := &StageError{Stage: stage, Err: err}
	now := r.p.now()

	HistogramStageDuration.WithLabelValues(stage.String()).Observe(now.Sub(r.entered).Seconds())

	r.res.State = StateFailed
	r.res.FailedStage = stage
	r.entered = now
	r.notify(Transition{RunID: r.res.RunID, From: stage, To: StateFailed, At: now, Err: serr})
	return serr
}

func (r *run) notify(t Transition) {
	if r.p.onTransition != nil {
		r.p.onTransition(t)
	}
}

func countRows(file batch.File) (int64, error) {
	rc, err := file.OpenClean()
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return batch.CountRecords(rc)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
