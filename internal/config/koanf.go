// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order; the first existing file is used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/fleetpulse/config.yaml",
	"/etc/fleetpulse/config.yml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Ingestion: IngestionConfig{
			Host:              "0.0.0.0",
			Port:              5000,
			MaxBatchSize:      100,
			MaxBatchDelay:     time.Second,
			PollInterval:      50 * time.Millisecond,
			QueueCapacity:     10000,
			FlushTimeout:      10 * time.Second,
			StopTimeout:       12 * time.Second,
			MetricsInterval:   30 * time.Second,
			ReadBufferSize:    4096,
			MaxMessageBytes:   4096,
			ReadTimeout:       0,
			ParseErrorLogRate: 1,
			StrictCoordinates: false,
		},
		Retry: RetryConfig{
			General: RetryPolicyConfig{
				MaxAttempts:     3,
				InitialInterval: 100 * time.Millisecond,
				MaxInterval:     2 * time.Second,
				Multiplier:      2,
				Shape:           "exponential",
			},
			Persistence: RetryPolicyConfig{
				MaxAttempts:     5,
				InitialInterval: 200 * time.Millisecond,
				MaxInterval:     5 * time.Second,
				Multiplier:      1.5,
				Shape:           "exponential",
			},
			Network: RetryPolicyConfig{
				MaxAttempts:     3,
				InitialInterval: 250 * time.Millisecond,
				MaxInterval:     2 * time.Second,
				Multiplier:      1,
				Shape:           "linear",
			},
		},
		Database: DatabaseConfig{
			Path:      "/data/fleetpulse.duckdb",
			MaxMemory: "1GB",
			Threads:   0,
		},
		Gateway: GatewayConfig{
			Enabled:             false,
			URL:                 "nats://127.0.0.1:4222",
			Subject:             "fleet.locations",
			EmbeddedServer:      false,
			EmbeddedHost:        "127.0.0.1",
			EmbeddedPort:        4222,
			JetStream:           false,
			StoreDir:            "/data/nats",
			PublishTimeout:      5 * time.Second,
			BreakerMaxRequests:  3,
			BreakerInterval:     time.Minute,
			BreakerTimeout:      30 * time.Second,
			BreakerFailureRatio: 0.6,
			BreakerMinRequests:  5,
		},
		Server: ServerConfig{
			Enabled:           true,
			Host:              "0.0.0.0",
			Port:              8080,
			Timeout:           30 * time.Second,
			CORSOrigins:       []string{"*"},
			RateLimitRequests: 100,
			RateLimitWindow:   time.Minute,
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load reads defaults, then the optional YAML file, then environment
// variables, and validates the result.
func Load() (*Config, error) {
	return LoadPath("")
}

// LoadPath is Load with an explicit config file. An empty path falls back to
// CONFIG_PATH and DefaultConfigPaths; a non-empty path must exist.
func LoadPath(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// sliceConfigPaths are parsed from comma separated env values.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		raw, ok := k.Get(path).(string)
		if !ok || raw == "" {
			continue
		}
		var parts []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) == 0 {
			continue
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings lists every environment variable the process honours.
// Unlisted variables are ignored so the environment cannot inject
// arbitrary keys.
var envMappings = map[string]string{
	"ingest_host":                 "ingestion.host",
	"ingest_port":                 "ingestion.port",
	"ingest_max_batch_size":       "ingestion.max_batch_size",
	"ingest_max_batch_delay":      "ingestion.max_batch_delay",
	"ingest_poll_interval":        "ingestion.poll_interval",
	"ingest_queue_capacity":       "ingestion.queue_capacity",
	"ingest_flush_timeout":        "ingestion.flush_timeout",
	"ingest_stop_timeout":         "ingestion.stop_timeout",
	"ingest_metrics_interval":     "ingestion.metrics_interval",
	"ingest_read_buffer_size":     "ingestion.read_buffer_size",
	"ingest_max_message_bytes":    "ingestion.max_message_bytes",
	"ingest_read_timeout":         "ingestion.read_timeout",
	"ingest_parse_error_log_rate": "ingestion.parse_error_log_rate",
	"ingest_strict_coordinates":   "ingestion.strict_coordinates",

	"retry_general_max_attempts":         "retry.general.max_attempts",
	"retry_general_initial_interval":     "retry.general.initial_interval",
	"retry_general_max_interval":         "retry.general.max_interval",
	"retry_general_multiplier":           "retry.general.multiplier",
	"retry_general_shape":                "retry.general.shape",
	"retry_persistence_max_attempts":     "retry.persistence.max_attempts",
	"retry_persistence_initial_interval": "retry.persistence.initial_interval",
	"retry_persistence_max_interval":     "retry.persistence.max_interval",
	"retry_persistence_multiplier":       "retry.persistence.multiplier",
	"retry_persistence_shape":            "retry.persistence.shape",
	"retry_network_max_attempts":         "retry.network.max_attempts",
	"retry_network_initial_interval":     "retry.network.initial_interval",
	"retry_network_max_interval":         "retry.network.max_interval",
	"retry_network_multiplier":           "retry.network.multiplier",
	"retry_network_shape":                "retry.network.shape",

	"duckdb_path":       "database.path",
	"duckdb_max_memory": "database.max_memory",
	"duckdb_threads":    "database.threads",

	"gateway_enabled":         "gateway.enabled",
	"nats_url":                "gateway.url",
	"gateway_subject":         "gateway.subject",
	"nats_embedded":           "gateway.embedded_server",
	"nats_embedded_port":      "gateway.embedded_port",
	"nats_jetstream":          "gateway.jetstream",
	"nats_store_dir":          "gateway.store_dir",
	"gateway_publish_timeout": "gateway.publish_timeout",

	"http_enabled":      "server.enabled",
	"http_host":         "server.host",
	"http_port":         "server.port",
	"http_timeout":      "server.timeout",
	"cors_origins":      "server.cors_origins",
	"rate_limit_reqs":   "server.rate_limit_requests",
	"rate_limit_window": "server.rate_limit_window",

	"supervisor_shutdown_timeout": "supervisor.shutdown_timeout",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc maps INGEST_PORT to ingestion.port and so on.
// Returning "" makes koanf skip the variable.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
