package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/zeta/internal/config"
	"github.com/JonMunkholm/zeta/internal/core"
	"github.com/JonMunkholm/zeta/internal/objectstore"
	"github.com/JonMunkholm/zeta/internal/pipeline"
	"github.com/JonMunkholm/zeta/internal/schema"
	"github.com/JonMunkholm/zeta/internal/warehouse"
)

// app owns the backends and the pipeline built from a Config.
type app struct {
	cfg      *config.Config
	pool     *pgxpool.Pool
	store    objectstore.Store
	pipeline *pipeline.Pipeline
	service  *core.Service
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	if cfg.UsesPostgres() {
		pool, err := connect(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.pool = pool
	}

	store, err := openStore(ctx, cfg.Store, a.pool)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store

	pcfg := pipelineConfig(cfg)

	var wh warehouse.Warehouse
	if cfg.Warehouse.Backend == config.BackendPostgres {
		wh = warehouse.NewPostgres(a.pool)
	} else {
		// A memory warehouse lives only as long as the process, so the
		// canonical table is created here rather than by "zeta provision".
		mem := warehouse.NewMemory()
		if err := mem.CreateTable(ctx, pcfg.Canonical, pcfg.Schema); err != nil {
			a.Close()
			return nil, fmt.Errorf("create canonical table %s: %w", pcfg.Canonical, err)
		}
		wh = mem
	}

	// The hook runs only once runs start, after svc is set.
	var svc *core.Service
	p, err := pipeline.New(store, wh, pcfg,
		pipeline.WithTransitionHook(func(tr pipeline.Transition) { svc.Observe(tr) }))
	if err != nil {
		a.Close()
		return nil, err
	}
	svc = core.NewService(p, core.ServiceConfig{
		MaxWait:    cfg.Pipeline.MaxWait,
		RunTimeout: cfg.Pipeline.RunTimeout,
		Retention:  cfg.Pipeline.Retention,
	})

	a.pipeline = p
	a.service = svc

	slog.Info("pipeline ready",
		"store", cfg.Store.Backend,
		"warehouse", cfg.Warehouse.Backend,
		"canonical", p.Config().Canonical.String(),
		"staging_blob", store.Location(cfg.Pipeline.StagingKey),
	)
	return a, nil
}

// Close releases the store and the database pool.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Error("close object store", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		Schema:       schema.Pokemon,
		StagingKey:   cfg.Pipeline.StagingKey,
		CanonicalKey: cfg.Pipeline.CanonicalKey,
		Canonical:    warehouse.TableID{Dataset: cfg.Warehouse.Dataset, Name: cfg.Warehouse.CanonicalTable},
		Staging:      warehouse.TableID{Dataset: cfg.Warehouse.Dataset, Name: cfg.Warehouse.StagingTable},
		LoadTimeout:  cfg.Warehouse.LoadTimeout,
		MergeTimeout: cfg.Warehouse.MergeTimeout,
		MaxFileSize:  cfg.Pipeline.MaxFileSize,
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig, pool *pgxpool.Pool) (objectstore.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return objectstore.NewMemory(cfg.Bucket), nil
	case config.BackendBolt:
		return objectstore.OpenBolt(cfg.BoltPath, cfg.Bucket)
	case config.BackendPostgres:
		return objectstore.NewPostgres(ctx, pool, cfg.Bucket)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// connect opens and verifies the connection pool.
func connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if u, err := url.Parse(cfg.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}
	return pool, nil
}
