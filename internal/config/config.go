// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

// Package config loads FleetPulse configuration with Koanf v2.
//
// Sources are layered, later ones winning:
//  1. Built-in defaults (defaultConfig)
//  2. Optional YAML file (CONFIG_PATH, ./config.yaml, /etc/fleetpulse/config.yaml)
//  3. Environment variables listed in envMappings
//
// The resulting Config is validated once and is read-only afterwards.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Ingestion  IngestionConfig  `koanf:"ingestion"`
	Retry      RetryConfig      `koanf:"retry"`
	Database   DatabaseConfig   `koanf:"database"`
	Gateway    GatewayConfig    `koanf:"gateway"`
	Server     ServerConfig     `koanf:"server"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// IngestionConfig controls the TCP listener, sessions and the batch aggregator.
//
// Environment Variables:
//   - INGEST_HOST, INGEST_PORT: listen address (default 0.0.0.0:5000)
//   - INGEST_MAX_BATCH_SIZE: flush when a batch holds this many records (default 100)
//   - INGEST_MAX_BATCH_DELAY: flush when the oldest record is this old (default 1s)
//   - INGEST_POLL_INTERVAL: flush early when the queue stays empty this long (default 50ms)
//   - INGEST_QUEUE_CAPACITY: records buffered ahead of the aggregator (default 10000)
//   - INGEST_FLUSH_TIMEOUT: bound on one batch handler invocation (default 30s)
//   - INGEST_STOP_TIMEOUT: bound on graceful shutdown (default 10s)
//   - INGEST_METRICS_INTERVAL: periodic counter log line (default 30s)
type IngestionConfig struct {
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port" validate:"min=1,max=65535"`
	MaxBatchSize      int           `koanf:"max_batch_size" validate:"min=1,max=100000"`
	MaxBatchDelay     time.Duration `koanf:"max_batch_delay" validate:"min=1ms"`
	PollInterval      time.Duration `koanf:"poll_interval" validate:"min=1ms"`
	QueueCapacity     int           `koanf:"queue_capacity" validate:"min=1"`
	FlushTimeout      time.Duration `koanf:"flush_timeout" validate:"min=1ms"`
	StopTimeout       time.Duration `koanf:"stop_timeout" validate:"min=1ms"`
	MetricsInterval   time.Duration `koanf:"metrics_interval" validate:"min=1s"`
	ReadBufferSize    int           `koanf:"read_buffer_size" validate:"min=64,max=1048576"`
	MaxMessageBytes   int           `koanf:"max_message_bytes" validate:"min=16"`
	ReadTimeout       time.Duration `koanf:"read_timeout" validate:"min=0"`         // 0 disables the idle timeout
	ParseErrorLogRate float64       `koanf:"parse_error_log_rate" validate:"gte=0"` // warnings per second per session
	StrictCoordinates bool          `koanf:"strict_coordinates"`
}

// Addr returns the listen address.
func (c IngestionConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RetryConfig holds one policy per class of operation.
type RetryConfig struct {
	General     RetryPolicyConfig `koanf:"general"`
	Persistence RetryPolicyConfig `koanf:"persistence"`
	Network     RetryPolicyConfig `koanf:"network"`
}

// RetryPolicyConfig describes attempts and the backoff curve of a retry policy.
// For the linear shape the n-th wait is InitialInterval*n; Multiplier is ignored.
type RetryPolicyConfig struct {
	MaxAttempts     int           `koanf:"max_attempts" validate:"min=1,max=100"`
	InitialInterval time.Duration `koanf:"initial_interval" validate:"min=1ms"`
	MaxInterval     time.Duration `koanf:"max_interval" validate:"min=1ms"`
	Multiplier      float64       `koanf:"multiplier" validate:"gte=1"`
	Shape           string        `koanf:"shape" validate:"backoff_shape"`
	Jitter          float64       `koanf:"jitter" validate:"gte=0,lt=1"`
}

// DatabaseConfig configures the DuckDB entity store.
//
// Environment Variables:
//   - DUCKDB_PATH: database file, ":memory:" for an ephemeral store
//   - DUCKDB_MAX_MEMORY: DuckDB memory limit (default 1GB)
//   - DUCKDB_THREADS: worker threads, 0 means runtime.NumCPU()
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory" validate:"required"`
	Threads   int    `koanf:"threads" validate:"min=0"`
}

// GatewayConfig configures optional forwarding of location updates to NATS.
type GatewayConfig struct {
	Enabled        bool          `koanf:"enabled"`
	URL            string        `koanf:"url"`
	Subject        string        `koanf:"subject"`
	EmbeddedServer bool          `koanf:"embedded_server"`
	EmbeddedHost   string        `koanf:"embedded_host"`
	EmbeddedPort   int           `koanf:"embedded_port"`
	JetStream      bool          `koanf:"jetstream"`
	StoreDir       string        `koanf:"store_dir"`
	PublishTimeout time.Duration `koanf:"publish_timeout"`

	// Circuit breaker around the publisher.
	BreakerMaxRequests  uint32        `koanf:"breaker_max_requests"`
	BreakerInterval     time.Duration `koanf:"breaker_interval"`
	BreakerTimeout      time.Duration `koanf:"breaker_timeout"`
	BreakerFailureRatio float64       `koanf:"breaker_failure_ratio"`
	BreakerMinRequests  uint32        `koanf:"breaker_min_requests"`
}

// ServerConfig configures the HTTP operational surface.
type ServerConfig struct {
	Enabled           bool          `koanf:"enabled"`
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout           time.Duration `koanf:"timeout" validate:"min=1s"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"min=0"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
}

// Addr returns the HTTP listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SupervisorConfig tunes the suture restart policy.
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold" validate:"gt=0"`
	FailureDecay     float64       `koanf:"failure_decay" validate:"gt=0"`
	FailureBackoff   time.Duration `koanf:"failure_backoff" validate:"min=1ms"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout" validate:"min=1s"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}
