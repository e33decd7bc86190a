// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/tomtom215/fleetpulse/internal/logging"
)

// EmbeddedServer runs a NATS server inside the process for single node
// deployments.
type EmbeddedServer struct {
	server    *server.Server
	clientURL string
}

// EmbeddedOptions configures an EmbeddedServer. Port -1 picks a free port.
type EmbeddedOptions struct {
	Host      string
	Port      int
	JetStream bool
	StoreDir  string
}

// StartEmbeddedServer starts a NATS server and waits until it accepts
// clients.
func StartEmbeddedServer(opts EmbeddedOptions) (*EmbeddedServer, error) {
	sopts := &server.Options{
		ServerName: "fleetpulse",
		Host:       opts.Host,
		Port:       opts.Port,
		JetStream:  opts.JetStream,
		StoreDir:   opts.StoreDir,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}

	ns, err := server.NewServer(sopts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready within timeout")
	}

	logging.Info().
		Str("url", ns.ClientURL()).
		Bool("jetstream", opts.JetStream).
		Msg("Embedded NATS server started")

	return &EmbeddedServer{server: ns, clientURL: ns.ClientURL()}, nil
}

// ClientURL returns the URL clients connect to.
func (s *EmbeddedServer) ClientURL() string {
	return s.clientURL
}

// Running reports whether the server is up.
func (s *EmbeddedServer) Running() bool {
	return s.server.Running()
}

// Shutdown stops the server and waits for it to exit or ctx to end.
func (s *EmbeddedServer) Shutdown(ctx context.Context) error {
	s.server.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.WaitForShutdown()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
