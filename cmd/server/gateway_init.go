// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/fleetpulse/internal/config"
	"github.com/tomtom215/fleetpulse/internal/gateway"
	"github.com/tomtom215/fleetpulse/internal/logging"
	"github.com/tomtom215/fleetpulse/internal/retry"
)

// GatewayComponents holds the NATS pieces that outlive the supervisor tree.
type GatewayComponents struct {
	server  *gateway.EmbeddedServer
	gateway *gateway.Gateway
}

// InitGateway starts the embedded NATS server when configured, provisions
// the JetStream stream and wraps a watermill publisher in a Gateway.
// It returns nil, nil when the gateway is disabled.
func InitGateway(ctx context.Context, cfg config.GatewayConfig, policy *retry.Policy) (*GatewayComponents, error) {
	if !cfg.Enabled {
		logging.Info().Msg("Gateway disabled (GATEWAY_ENABLED=false)")
		return nil, nil
	}

	c := &GatewayComponents{}
	url := cfg.URL

	if cfg.EmbeddedServer {
		srv, err := gateway.StartEmbeddedServer(gateway.EmbeddedOptions{
			Host:      cfg.EmbeddedHost,
			Port:      cfg.EmbeddedPort,
			JetStream: cfg.JetStream,
			StoreDir:  cfg.StoreDir,
		})
		if err != nil {
			return nil, err
		}
		c.server = srv
		url = srv.ClientURL()
	} else {
		logging.Info().Str("url", url).Msg("Using external NATS server")
	}

	if cfg.JetStream {
		streamCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := gateway.EnsureStream(streamCtx, url, cfg)
		cancel()
		if err != nil {
			c.shutdownServer()
			return nil, fmt.Errorf("ensure stream: %w", err)
		}
	}

	pub, err := gateway.NewNATSPublisher(url, cfg)
	if err != nil {
		c.shutdownServer()
		return nil, err
	}
	c.gateway = gateway.New(pub, cfg, policy)

	logging.Info().
		Str("url", url).
		Str("subject", cfg.Subject).
		Bool("jetstream", cfg.JetStream).
		Msg("Gateway initialized")
	return c, nil
}

// Gateway returns the forwarder, or nil when c is nil.
func (c *GatewayComponents) Gateway() *gateway.Gateway {
	if c == nil {
		return nil
	}
	return c.gateway
}

// Shutdown closes the publisher and then the embedded server.
func (c *GatewayComponents) Shutdown(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.gateway != nil {
		if err := c.gateway.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gateway: %w", err))
		}
	}
	if c.server != nil {
		if err := c.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown NATS server: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *GatewayComponents) shutdownServer() {
	if c.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.server.Shutdown(ctx); err != nil {
		logging.Warn().Err(err).Msg("Embedded NATS server shutdown failed")
	}
}
