// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the orchestration core's hierarchical configuration:
// compiled-in defaults, then an optional YAML file, then FABRIC_-prefixed
// environment variables, each layer overriding the one before it.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the fully resolved, validated configuration for one fabricd
// process.
type Config struct {
	Log        LogConfig        `koanf:"log"`
	Transport  TransportConfig  `koanf:"transport"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
	Registry   RegistryConfig   `koanf:"registry"`
	Batcher    BatcherConfig    `koanf:"batcher"`
	Cache      CacheConfig      `koanf:"cache"`
	QoS        QoSConfig        `koanf:"qos"`
	Canary     CanaryConfig     `koanf:"canary"`
	Health     HealthConfig     `koanf:"health"`
}

// LogConfig controls internal/logging.
type LogConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	Output     string `koanf:"output"`
	FilePath   string `koanf:"file_path"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

// TransportConfig covers transport timeouts and buffer sizes.
type TransportConfig struct {
	WriteHighWaterMarkBytes int64         `koanf:"write_high_water_mark_bytes"`
	PendingQueueCapacity    int           `koanf:"pending_queue_capacity"`
	RequestTimeout          time.Duration `koanf:"request_timeout"`
}

// SupervisorConfig covers "supervisor startup/shutdown/restart policy".
type SupervisorConfig struct {
	Command            string        `koanf:"command"`
	Args               []string      `koanf:"args"`
	StartupTimeout     time.Duration `koanf:"startup_timeout"`
	ShutdownTimeout    time.Duration `koanf:"shutdown_timeout"`
	MaxRestarts        int           `koanf:"max_restarts"`
	InitialBackoff     time.Duration `koanf:"initial_backoff"`
	MaxBackoff         time.Duration `koanf:"max_backoff"`
	BreakerThreshold   int           `koanf:"breaker_threshold"`
	BreakerCooldown    time.Duration `koanf:"breaker_cooldown"`
}

// RegistryConfig covers "registry max active streams and default per-stream
// timeout".
type RegistryConfig struct {
	MaxActiveStreams  int           `koanf:"max_active_streams"`
	DefaultTimeout    time.Duration `koanf:"default_timeout"`
	SweepInterval     time.Duration `koanf:"sweep_interval"`
	GracePeriod       time.Duration `koanf:"grace_period"`
	OutputQueueLength int           `koanf:"output_queue_length"`
}

// BatcherConfig covers "batcher min/max size, min/max hold, target batch
// time, backpressure pause".
type BatcherConfig struct {
	MinBatchSize              int           `koanf:"min_batch_size"`
	MaxBatchSize              int           `koanf:"max_batch_size"`
	InitialTargetBatchSize    int           `koanf:"initial_target_batch_size"`
	MinHold                   time.Duration `koanf:"min_hold"`
	MaxHold                   time.Duration `koanf:"max_hold"`
	BackgroundHoldExtension   time.Duration `koanf:"background_hold_extension"`
	TargetBatchTime           time.Duration `koanf:"target_batch_time"`
	PauseOnBackpressure       time.Duration `koanf:"pause_on_backpressure"`
	BackpressureUtilization   float64       `koanf:"backpressure_utilization"`
}

// CacheConfig covers "cache directory, size cap, validate-on-startup".
type CacheConfig struct {
	Directory          string `koanf:"directory"`
	CapacityBytes      int64  `koanf:"capacity_bytes"`
	ValidateOnStartup  bool   `koanf:"validate_on_startup"`
}

// QoSConfig covers "QoS enabled + evaluator/executor/store enabled +
// dry-run".
type QoSConfig struct {
	Enabled          bool   `koanf:"enabled"`
	EvaluatorEnabled bool   `koanf:"evaluator_enabled"`
	ExecutorEnabled  bool   `koanf:"executor_enabled"`
	StoreEnabled     bool   `koanf:"store_enabled"`
	DryRun           bool   `koanf:"dry_run"`
	PolicyBackend    string `koanf:"policy_backend"` // redis | postgres | kafka | file
	PolicyFilePath   string `koanf:"policy_file_path"`
	RedisAddr        string `koanf:"redis_addr"`
	PostgresDSN      string `koanf:"postgres_dsn"`
	KafkaTopic       string `koanf:"kafka_topic"`
	KafkaBrokers     []string `koanf:"kafka_brokers"`
}

// CanaryConfig covers "canary enabled + rollout percentage + hash seed +
// rollback thresholds + cooldown".
type CanaryConfig struct {
	Enabled               bool          `koanf:"enabled"`
	Percentage            int           `koanf:"percentage"`
	HashSeed              string        `koanf:"hash_seed"`
	EvaluationWindow      time.Duration `koanf:"evaluation_window"`
	ErrorRateDelta        float64       `koanf:"error_rate_delta"`
	P99LatencyThreshold   time.Duration `koanf:"p99_latency_threshold"`
	CooldownDuration      time.Duration `koanf:"cooldown_duration"`
}

// HealthConfig covers the embedded-service health surface.
type HealthConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// Validate checks the loaded configuration for internally consistent
// values. It does not reach out to the network or filesystem.
func (c *Config) Validate() error {
	if c.Registry.MaxActiveStreams <= 0 {
		return fmt.Errorf("registry.max_active_streams must be > 0")
	}
	if c.Batcher.MinBatchSize <= 0 || c.Batcher.MaxBatchSize < c.Batcher.MinBatchSize {
		return fmt.Errorf("batcher.min_batch_size/max_batch_size must satisfy 0 < min <= max")
	}
	if c.Batcher.MinHold < 0 || c.Batcher.MaxHold < c.Batcher.MinHold {
		return fmt.Errorf("batcher.min_hold/max_hold must satisfy 0 <= min <= max")
	}
	if c.Cache.CapacityBytes <= 0 {
		return fmt.Errorf("cache.capacity_bytes must be > 0")
	}
	if c.Canary.Percentage < 0 || c.Canary.Percentage > 100 {
		return fmt.Errorf("canary.percentage must be within [0, 100]")
	}
	if c.QoS.Enabled && c.QoS.PolicyBackend != "" {
		switch c.QoS.PolicyBackend {
		case "redis", "postgres", "kafka", "file":
		default:
			return fmt.Errorf("qos.policy_backend %q is not one of redis|postgres|kafka|file", c.QoS.PolicyBackend)
		}
	}
	return nil
}

func envKeyToKoanfKey(prefix, s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, prefix)), "_", ".")
}
