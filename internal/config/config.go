// Package config loads the server configuration: compiled defaults,
// then an optional YAML file, then RUNWAY_* environment variables, in
// that order of precedence (later wins).
package config

import (
	"fmt"
	"strings"
	"time"

	"runway/internal/observability"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config is the root of the server configuration tree.
type Config struct {
	Server        ServerConfig         `yaml:"server" mapstructure:"server"`
	Log           LogConfig            `yaml:"log" mapstructure:"log"`
	Store         StoreConfig          `yaml:"store" mapstructure:"store"`
	Queue         QueueConfig          `yaml:"queue" mapstructure:"queue"`
	Bus           BusConfig            `yaml:"bus" mapstructure:"bus"`
	Docker        DockerConfig         `yaml:"docker" mapstructure:"docker"`
	Workers       WorkersConfig        `yaml:"workers" mapstructure:"workers"`
	Sync          SyncConfig           `yaml:"sync" mapstructure:"sync"`
	Executor      ExecutorConfig       `yaml:"executor" mapstructure:"executor"`
	Files         FilesConfig          `yaml:"files" mapstructure:"files"`
	Reconcile     ReconcileConfig      `yaml:"reconcile" mapstructure:"reconcile"`
	Observability observability.Config `yaml:"observability" mapstructure:"observability"`
}

// ServerConfig is the HTTP listener section.
type ServerConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// Addr renders the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig is the structured-logging section.
type LogConfig struct {
	Level   string `yaml:"level" mapstructure:"level"`
	Service string `yaml:"service" mapstructure:"service"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is memory or postgres.
	Backend string `yaml:"backend" mapstructure:"backend"`
	// DatabaseURL is required for the postgres backend.
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// MaxConns caps the pgx pool; 0 keeps pgx defaults.
	MaxConns int `yaml:"max_conns" mapstructure:"max_conns"`
}

// QueueConfig tunes the run queue and the orchestrator's claim loop.
type QueueConfig struct {
	LeaseTTL      time.Duration `yaml:"lease_ttl" mapstructure:"lease_ttl"`
	MaxInFlight   int           `yaml:"max_in_flight" mapstructure:"max_in_flight"`
	ClaimInterval time.Duration `yaml:"claim_interval" mapstructure:"claim_interval"`
	RetryDelay    time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	MaxAttempts   int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	// OwnerID identifies this instance's claims; empty generates one.
	OwnerID string `yaml:"owner_id" mapstructure:"owner_id"`
}

// BusConfig tunes the per-run event bus.
type BusConfig struct {
	RingSize         int           `yaml:"ring_size" mapstructure:"ring_size"`
	SubscriberBuffer int           `yaml:"subscriber_buffer" mapstructure:"subscriber_buffer"`
	RetentionRuns    int           `yaml:"retention_runs" mapstructure:"retention_runs"`
	RetentionGrace   time.Duration `yaml:"retention_grace" mapstructure:"retention_grace"`
	// RedisURL enables the Redis spill when set.
	RedisURL string        `yaml:"redis_url" mapstructure:"redis_url"`
	SpillTTL time.Duration `yaml:"spill_ttl" mapstructure:"spill_ttl"`
}

// DockerConfig tunes worker container provisioning.
type DockerConfig struct {
	DefaultImage string            `yaml:"default_image" mapstructure:"default_image"`
	Network      string            `yaml:"network" mapstructure:"network"`
	NamePrefix   string            `yaml:"name_prefix" mapstructure:"name_prefix"`
	StopTimeout  time.Duration     `yaml:"stop_timeout" mapstructure:"stop_timeout"`
	Labels       map[string]string `yaml:"labels" mapstructure:"labels"`
}

// WorkersConfig tunes worker retention.
type WorkersConfig struct {
	// IdleTimeout stops running workers idle for longer than this.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	// RemoveAfter removes workers stopped for longer than this.
	RemoveAfter time.Duration `yaml:"remove_after" mapstructure:"remove_after"`
}

// SyncConfig points at the workspace-sync sidecar.
type SyncConfig struct {
	BaseURL string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// ExecutorConfig points at the in-container executor agent.
type ExecutorConfig struct {
	BaseURL string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// FilesConfig drives the file gateway.
type FilesConfig struct {
	// Root is the directory the browser serves.
	Root string `yaml:"root" mapstructure:"root"`
	// PolicyFile seeds RBAC grants at boot (YAML, optional).
	PolicyFile string `yaml:"policy_file" mapstructure:"policy_file"`
}

// ReconcileConfig tunes the background sweeps.
type ReconcileConfig struct {
	// Enabled starts the sweep loops with the server.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// ClaimsInterval / SyncsInterval / HumanLoopsInterval drive the three
	// loops; zero disables the loop while keeping on-demand sweeps.
	ClaimsInterval     time.Duration `yaml:"claims_interval" mapstructure:"claims_interval"`
	SyncsInterval      time.Duration `yaml:"syncs_interval" mapstructure:"syncs_interval"`
	HumanLoopsInterval time.Duration `yaml:"human_loops_interval" mapstructure:"human_loops_interval"`

	SweepLimit       int           `yaml:"sweep_limit" mapstructure:"sweep_limit"`
	RetryDelay       time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	SyncStaleAfter   time.Duration `yaml:"sync_stale_after" mapstructure:"sync_stale_after"`
	HumanLoopTimeout time.Duration `yaml:"human_loop_timeout" mapstructure:"human_loop_timeout"`
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch strings.ToLower(strings.TrimSpace(c.Store.Backend)) {
	case StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(c.Store.DatabaseURL) == "" {
			return fmt.Errorf("store.database_url required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend %q: want %s or %s", c.Store.Backend, StoreMemory, StorePostgres)
	}
	if c.Queue.LeaseTTL <= 0 {
		return fmt.Errorf("queue.lease_ttl must be positive")
	}
	if c.Queue.MaxInFlight <= 0 {
		return fmt.Errorf("queue.max_in_flight must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	if c.Workers.IdleTimeout <= 0 {
		return fmt.Errorf("workers.idle_timeout must be positive")
	}
	return nil
}
