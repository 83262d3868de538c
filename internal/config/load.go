package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "RUNWAY"

// Load builds the configuration. path names an explicit YAML file and is
// an error when unreadable; empty path searches ./runway.yaml and
// /etc/runway/runway.yaml and tolerates absence. Environment variables
// override both: server.port becomes RUNWAY_SERVER_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("runway")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/runway")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it even
// when neither file nor flag mentions it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.service", "runway")

	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 0)

	v.SetDefault("queue.lease_ttl", 45*time.Second)
	v.SetDefault("queue.max_in_flight", 64)
	v.SetDefault("queue.claim_interval", 500*time.Millisecond)
	v.SetDefault("queue.retry_delay", 5*time.Second)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.owner_id", "")

	v.SetDefault("bus.ring_size", 0)
	v.SetDefault("bus.subscriber_buffer", 0)
	v.SetDefault("bus.retention_runs", 0)
	v.SetDefault("bus.retention_grace", time.Duration(0))
	v.SetDefault("bus.redis_url", "")
	v.SetDefault("bus.spill_ttl", time.Duration(0))

	v.SetDefault("docker.default_image", "runway/session-worker:latest")
	v.SetDefault("docker.network", "")
	v.SetDefault("docker.name_prefix", "")
	v.SetDefault("docker.stop_timeout", 30*time.Second)
	v.SetDefault("docker.labels", map[string]string{})

	v.SetDefault("workers.idle_timeout", 30*time.Minute)
	v.SetDefault("workers.remove_after", 24*time.Hour)

	v.SetDefault("sync.base_url", "http://127.0.0.1:8099")
	v.SetDefault("sync.timeout", 60*time.Second)

	v.SetDefault("executor.base_url", "http://127.0.0.1:8098")
	v.SetDefault("executor.timeout", 30*time.Second)

	v.SetDefault("files.root", "./data/files")
	v.SetDefault("files.policy_file", "")

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.claims_interval", 15*time.Second)
	v.SetDefault("reconcile.syncs_interval", 5*time.Minute)
	v.SetDefault("reconcile.human_loops_interval", time.Minute)
	v.SetDefault("reconcile.sweep_limit", 100)
	v.SetDefault("reconcile.retry_delay", 5*time.Second)
	v.SetDefault("reconcile.sync_stale_after", 10*time.Minute)
	v.SetDefault("reconcile.human_loop_timeout", 30*time.Minute)

	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.exporter", "otlp")
	v.SetDefault("observability.tracing.otlp_endpoint", "")
	v.SetDefault("observability.tracing.zipkin_endpoint", "")
	v.SetDefault("observability.tracing.sample_rate", 0.1)
	v.SetDefault("observability.tracing.service_name", "runway")
	v.SetDefault("observability.tracing.service_version", "")
}
