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

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix    = "FABRIC_"
	configEnvVar = "FABRIC_CONFIG_PATH"
)

// Loader loads Config from defaults, then an optional YAML file, then
// environment variables, each layer overriding the one before.
type Loader struct {
	k           *koanf.Koanf
	configPaths []string
	envPrefix   string
}

// NewLoader creates a loader with the default search paths.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k: koanf.New("."),
		configPaths: []string{
			"fabricd.yaml",
			"config/fabricd.yaml",
			"/etc/fabric/fabricd.yaml",
		},
		envPrefix: envPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithConfigPaths overrides the file search order.
func WithConfigPaths(paths ...string) LoaderOption {
	return func(l *Loader) { l.configPaths = paths }
}

// WithEnvPrefix overrides the environment variable prefix.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) { l.envPrefix = prefix }
}

// Load resolves defaults → file → env into a validated Config.
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := l.loadConfigFile(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		"log.level":  "info",
		"log.format": "json",
		"log.output": "stdout",

		"transport.write_high_water_mark_bytes": int64(8 * 1024 * 1024),
		"transport.pending_queue_capacity":       1024,
		"transport.request_timeout":              30 * time.Second,

		"supervisor.command":          "model-runtime",
		"supervisor.startup_timeout":  15 * time.Second,
		"supervisor.shutdown_timeout": 10 * time.Second,
		"supervisor.max_restarts":     5,
		"supervisor.initial_backoff":  200 * time.Millisecond,
		"supervisor.max_backoff":      30 * time.Second,
		"supervisor.breaker_threshold": 3,
		"supervisor.breaker_cooldown":  10 * time.Second,

		"registry.max_active_streams":   256,
		"registry.default_timeout":      120 * time.Second,
		"registry.sweep_interval":       5 * time.Second,
		"registry.grace_period":         2 * time.Second,
		"registry.output_queue_length":  64,

		"batcher.min_batch_size":              1,
		"batcher.max_batch_size":               32,
		"batcher.initial_target_batch_size":   8,
		"batcher.min_hold":                    2 * time.Millisecond,
		"batcher.max_hold":                    20 * time.Millisecond,
		"batcher.background_hold_extension":   10 * time.Millisecond,
		"batcher.target_batch_time":           50 * time.Millisecond,
		"batcher.pause_on_backpressure":        100 * time.Millisecond,
		"batcher.backpressure_utilization":     0.9,

		"cache.directory":           "cache",
		"cache.capacity_bytes":      int64(50 * 1024 * 1024 * 1024),
		"cache.validate_on_startup": true,

		"qos.enabled":           false,
		"qos.evaluator_enabled": true,
		"qos.executor_enabled":  true,
		"qos.store_enabled":     true,
		"qos.dry_run":           false,
		"qos.policy_backend":    "file",
		"qos.policy_file_path":  "qos-policies.yaml",

		"canary.enabled":                false,
		"canary.percentage":             0,
		"canary.hash_seed":              "fabric",
		"canary.evaluation_window":      30 * time.Second,
		"canary.error_rate_delta":       0.05,
		"canary.p99_latency_threshold":  500 * time.Millisecond,
		"canary.cooldown_duration":      5 * time.Minute,

		"health.enabled": true,
		"health.addr":    ":9091",
	}
	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

func (l *Loader) loadConfigFile() error {
	if path := os.Getenv(configEnvVar); path != "" {
		if _, err := os.Stat(path); err == nil {
			return l.k.Load(file.Provider(path), yaml.Parser())
		}
	}
	for _, path := range l.configPaths {
		if _, err := os.Stat(path); err == nil {
			return l.k.Load(file.Provider(path), yaml.Parser())
		}
	}
	return fmt.Errorf("config file not found in paths: %v", l.configPaths)
}

func (l *Loader) loadEnv() error {
	return l.k.Load(env.Provider(l.envPrefix, ".", func(s string) string {
		return envKeyToKoanfKey(l.envPrefix, s)
	}), nil)
}

// Load loads configuration with default search paths and env prefix.
func Load() (*Config, error) {
	return NewLoader().Load()
}

// MustLoad loads configuration or panics. Intended for cmd/fabricd's main.
func MustLoad(opts ...LoaderOption) *Config {
	cfg, err := NewLoader(opts...).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
