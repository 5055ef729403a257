// Package config provides centralized configuration management for zeta.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Backend names accepted by STORE_BACKEND and WAREHOUSE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Store     StoreConfig
	Warehouse WarehouseConfig
	Pipeline  PipelineConfig
	Security  SecurityConfig
	Logging   LoggingConfig
	Cleanup   CleanupConfig
	Inbox     InboxConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 60s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"60s"`

	// WriteTimeout is the maximum duration for writing response (default: 30s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"30s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds database connection settings. Required when either
// backend is postgres.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// StoreConfig selects the object store holding batch blobs.
type StoreConfig struct {
	// Backend is memory, bolt or postgres (default: bolt)
	Backend string `env:"STORE_BACKEND" default:"bolt"`

	// BoltPath is the bbolt database file (default: zeta.db)
	BoltPath string `env:"STORE_BOLT_PATH" default:"zeta.db"`

	// Bucket is the bucket holding batch blobs (default: project-zeta)
	Bucket string `env:"STORE_BUCKET" default:"project-zeta"`
}

// WarehouseConfig locates the canonical and staging tables.
type WarehouseConfig struct {
	// Backend is memory or postgres (default: postgres)
	Backend string `env:"WAREHOUSE_BACKEND" default:"postgres"`

	// Dataset is the schema holding both tables (default: project_zeta)
	Dataset string `env:"WAREHOUSE_DATASET" default:"project_zeta"`

	CanonicalTable string `env:"WAREHOUSE_CANONICAL_TABLE" default:"pokemon_data"`
	StagingTable   string `env:"WAREHOUSE_STAGING_TABLE" default:"pokemon_data_temp"`

	// LoadTimeout bounds the bulk load job (default: 10m)
	LoadTimeout time.Duration `env:"WAREHOUSE_LOAD_TIMEOUT" default:"10m"`

	// MergeTimeout bounds the merge statement (default: 10m)
	MergeTimeout time.Duration `env:"WAREHOUSE_MERGE_TIMEOUT" default:"10m"`
}

// PipelineConfig holds run settings.
type PipelineConfig struct {
	// CanonicalKey is the object key of the retained seed file (default: pokemon_data)
	CanonicalKey string `env:"PIPELINE_CANONICAL_KEY" default:"pokemon_data"`

	// StagingKey is the object key every batch is staged under (default: pokemon_data_temp)
	StagingKey string `env:"PIPELINE_STAGING_KEY" default:"pokemon_data_temp"`

	// MaxWait is how long a run waits for the pipeline before failing busy (default: 30s)
	MaxWait time.Duration `env:"PIPELINE_MAX_WAIT" default:"30s"`

	// RunTimeout bounds a whole run (default: 30m)
	RunTimeout time.Duration `env:"PIPELINE_RUN_TIMEOUT" default:"30m"`

	// MaxFileSize is the maximum batch size in bytes (default: 100MB)
	MaxFileSize int64 `env:"PIPELINE_MAX_FILE_SIZE" default:"104857600"`

	// Retention is how long finished runs stay queryable (default: 24h)
	Retention time.Duration `env:"PIPELINE_RUN_RETENTION" default:"24h"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// RequireAPIKey enables X-API-Key authentication on /api routes (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// CleanupConfig holds the staging sweep schedule.
type CleanupConfig struct {
	// Enabled turns the scheduled sweep on (default: true)
	Enabled bool `env:"CLEANUP_ENABLED" default:"true"`

	// Schedule is a cron expression (default: every 15 minutes)
	Schedule string `env:"CLEANUP_SCHEDULE" default:"*/15 * * * *"`
}

// InboxConfig holds the watched inbox directory. Empty Dir disables it.
type InboxConfig struct {
	Dir          string        `env:"INBOX_DIR"`
	ProcessedDir string        `env:"INBOX_PROCESSED_DIR"`
	Debounce     time.Duration `env:"INBOX_DEBOUNCE" default:"500ms"`
	RetryDelay   time.Duration `env:"INBOX_RETRY_DELAY" default:"5s"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// UsesPostgres reports whether any backend needs the database.
func (c *Config) UsesPostgres() bool {
	return c.Store.Backend == BackendPostgres || c.Warehouse.Backend == BackendPostgres
}
