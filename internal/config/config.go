// Package config loads typed runtime settings through viper, with
// env-var overrides under the TASKMESH_ prefix.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the strongly-typed settings the orchestrator facade is built
// from. Field layout mirrors the recognized configuration keys:
// max_workers, log_level, snapshot.*, checkpoint.*, retry.*,
// breaker.<name>.*, backend.*, store.url and object_store.*.
type Config struct {
	MaxWorkers      int
	SchedulerPolicy string
	LogLevel        string
	JSONLog         bool

	Store       StoreConfig
	ObjectStore ObjectStoreConfig
	Snapshot    SnapshotConfig
	Checkpoint  CheckpointConfig
	Retry       RetryConfig
	Breakers    map[string]BreakerConfig
	Backend     BackendConfig

	Observability ObservabilityConfig
}

// StoreConfig selects the state-store binding by URL:
// "" or "memory://" for the in-process store, "nats://host:port" for the
// JetStream KV binding, "sqlite://path" (or a bare path) for embedded SQL.
type StoreConfig struct {
	URL string
}

// ObjectStoreConfig points snapshots at an S3-compatible endpoint.
type ObjectStoreConfig struct {
	Endpoint       string
	Bucket         string
	AccessKey      string
	SecretKey      string
	Region         string
	ForcePathStyle bool
}

// SnapshotConfig parameterizes the periodic full-snapshot loop.
type SnapshotConfig struct {
	IntervalSeconds    int
	MaxSnapshots       int
	CompressionEnabled bool
	Prefix             string
}

// CheckpointConfig parameterizes incremental checkpoints and their
// retention.
type CheckpointConfig struct {
	TasksPerCheckpoint uint64
	RetentionDays      int
	AutoCleanup        bool
	Dir                string // where the local checkpoint database lives
}

// RetryConfig parameterizes the default backoff+jitter curve every
// backend's resilience.Policy is built from.
type RetryConfig struct {
	MaxAttempts int
	BaseDelayMS int
	Multiplier  float64
	Jitter      float64
}

// BreakerConfig overrides the circuit breaker threshold/cooldown for one
// named backend (config key breaker.<name>.*).
type BreakerConfig struct {
	FailureThreshold int
	OpenTimeoutMS    int
}

// BackendConfig carries settings shared by every execution backend.
type BackendConfig struct {
	DefaultTimeoutMS int
	WorkingDir       string
}

type ObservabilityConfig struct {
	ServiceName string
	OTLPEnabled bool
}

// Load reads configuration from an optional file at path (if non-empty)
// and from TASKMESH_-prefixed environment variables, falling back to
// the defaults set in setDefaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TASKMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("taskmesh: read config %s: %w", path, err)
		}
	}

	cfg := Config{
		MaxWorkers:      v.GetInt("max_workers"),
		SchedulerPolicy: v.GetString("scheduler_policy"),
		LogLevel:        v.GetString("log_level"),
		JSONLog:         v.GetBool("json_log"),
		Store: StoreConfig{
			URL: v.GetString("store.url"),
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:       v.GetString("object_store.endpoint"),
			Bucket:         v.GetString("object_store.bucket"),
			AccessKey:      v.GetString("object_store.access_key"),
			SecretKey:      v.GetString("object_store.secret_key"),
			Region:         v.GetString("object_store.region"),
			ForcePathStyle: v.GetBool("object_store.force_path_style"),
		},
		Snapshot: SnapshotConfig{
			IntervalSeconds:    v.GetInt("snapshot.interval_seconds"),
			MaxSnapshots:       v.GetInt("snapshot.max_snapshots"),
			CompressionEnabled: v.GetBool("snapshot.compression_enabled"),
			Prefix:             v.GetString("snapshot.prefix"),
		},
		Checkpoint: CheckpointConfig{
			TasksPerCheckpoint: uint64(v.GetInt64("checkpoint.tasks_per_checkpoint")),
			RetentionDays:      v.GetInt("checkpoint.retention_days"),
			AutoCleanup:        v.GetBool("checkpoint.auto_cleanup"),
			Dir:                v.GetString("checkpoint.dir"),
		},
		Retry: RetryConfig{
			MaxAttempts: v.GetInt("retry.max_attempts"),
			BaseDelayMS: v.GetInt("retry.base_delay_ms"),
			Multiplier:  v.GetFloat64("retry.multiplier"),
			Jitter:      v.GetFloat64("retry.jitter"),
		},
		Breakers: breakersFromViper(v),
		Backend: BackendConfig{
			DefaultTimeoutMS: v.GetInt("backend.default_timeout_ms"),
			WorkingDir:       v.GetString("backend.working_dir"),
		},
		Observability: ObservabilityConfig{
			ServiceName: v.GetString("observability.service_name"),
			OTLPEnabled: v.GetBool("observability.otlp_enabled"),
		},
	}
	return cfg, nil
}

// breakersFromViper reads breaker.<name>.failure_threshold and
// breaker.<name>.open_timeout_ms for every backend name configured
// under the "breaker" key.
func breakersFromViper(v *viper.Viper) map[string]BreakerConfig {
	raw := v.GetStringMap("breaker")
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]BreakerConfig, len(raw))
	for name := range raw {
		out[name] = BreakerConfig{
			FailureThreshold: v.GetInt(fmt.Sprintf("breaker.%s.failure_threshold", name)),
			OpenTimeoutMS:    v.GetInt(fmt.Sprintf("breaker.%s.open_timeout_ms", name)),
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_workers", 8)
	v.SetDefault("scheduler_policy", "hybrid")
	v.SetDefault("log_level", "info")
	v.SetDefault("json_log", false)

	v.SetDefault("store.url", "")

	v.SetDefault("object_store.force_path_style", true)
	v.SetDefault("object_store.region", "us-east-1")

	v.SetDefault("snapshot.interval_seconds", 900)
	v.SetDefault("snapshot.max_snapshots", 10)
	v.SetDefault("snapshot.compression_enabled", true)
	v.SetDefault("snapshot.prefix", "taskmesh")

	v.SetDefault("checkpoint.tasks_per_checkpoint", 6)
	v.SetDefault("checkpoint.retention_days", 30)
	v.SetDefault("checkpoint.auto_cleanup", true)
	v.SetDefault("checkpoint.dir", "./data")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.2)

	v.SetDefault("backend.default_timeout_ms", 3600_000)
	v.SetDefault("backend.working_dir", "")

	v.SetDefault("observability.service_name", "taskmeshd")
	v.SetDefault("observability.otlp_enabled", false)
}
