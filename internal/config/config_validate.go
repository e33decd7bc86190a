// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package config

import (
	"fmt"

	"github.com/tomtom215/fleetpulse/internal/logging"
	"github.com/tomtom215/fleetpulse/internal/validation"
)

// Validate checks field rules declared in struct tags and then the
// cross-field constraints tags cannot express.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}
	if err := c.validateIngestion(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateGateway(); err != nil {
		return err
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateIngestion() error {
	in := c.Ingestion
	if in.PollInterval > in.MaxBatchDelay {
		return fmt.Errorf("ingestion.poll_interval (%v) must not exceed ingestion.max_batch_delay (%v)",
			in.PollInterval, in.MaxBatchDelay)
	}
	if in.QueueCapacity < in.MaxBatchSize {
		return fmt.Errorf("ingestion.queue_capacity (%d) must be at least ingestion.max_batch_size (%d)",
			in.QueueCapacity, in.MaxBatchSize)
	}
	// A flush still running when Stop gives up would outlive the store.
	if in.FlushTimeout > in.StopTimeout {
		return fmt.Errorf("ingestion.flush_timeout (%v) must not exceed ingestion.stop_timeout (%v)",
			in.FlushTimeout, in.StopTimeout)
	}
	if in.StopTimeout > c.Supervisor.ShutdownTimeout {
		return fmt.Errorf("ingestion.stop_timeout (%v) must not exceed supervisor.shutdown_timeout (%v)",
			in.StopTimeout, c.Supervisor.ShutdownTimeout)
	}
	if in.MaxMessageBytes > 1<<20 {
		return fmt.Errorf("ingestion.max_message_bytes must be at most 1MiB")
	}
	return nil
}

func (c *Config) validateRetry() error {
	policies := map[string]RetryPolicyConfig{
		"general":     c.Retry.General,
		"persistence": c.Retry.Persistence,
		"network":     c.Retry.Network,
	}
	for name, p := range policies {
		if p.MaxInterval < p.InitialInterval {
			return fmt.Errorf("retry.%s.max_interval (%v) must be at least initial_interval (%v)",
				name, p.MaxInterval, p.InitialInterval)
		}
	}
	return nil
}

func (c *Config) validateGateway() error {
	g := c.Gateway
	if !g.Enabled {
		return nil
	}
	if err := validation.GetValidator().Var(g.URL, "nats_url"); err != nil {
		return fmt.Errorf("gateway.url must be a nats:// or tls:// URL when the gateway is enabled")
	}
	if g.Subject == "" {
		return fmt.Errorf("gateway.subject is required when the gateway is enabled")
	}
	if g.EmbeddedServer && (g.EmbeddedPort < 1 || g.EmbeddedPort > 65535) {
		return fmt.Errorf("gateway.embedded_port must be between 1 and 65535")
	}
	if g.JetStream && g.EmbeddedServer && g.StoreDir == "" {
		return fmt.Errorf("gateway.store_dir is required for an embedded JetStream server")
	}
	if g.BreakerFailureRatio <= 0 || g.BreakerFailureRatio > 1 {
		return fmt.Errorf("gateway.breaker_failure_ratio must be in (0, 1]")
	}
	if g.PublishTimeout <= 0 {
		return fmt.Errorf("gateway.publish_timeout must be positive")
	}
	return nil
}

func (c *Config) validateServer() error {
	if !c.Server.Enabled {
		return nil
	}
	if c.Server.Port == c.Ingestion.Port && c.Server.Host == c.Ingestion.Host {
		return fmt.Errorf("server.port and ingestion.port must differ")
	}
	if c.Server.RateLimitRequests > 0 && c.Server.RateLimitWindow <= 0 {
		return fmt.Errorf("server.rate_limit_window must be positive when rate limiting is enabled")
	}
	return nil
}

var validLogFormats = map[string]bool{"json": true, "console": true}

func (c *Config) validateLogging() error {
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("LOG_LEVEL must be one of: trace, debug, info, warn, error")
	}
	if c.Logging.Format != "" && !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, console")
	}
	return nil
}
