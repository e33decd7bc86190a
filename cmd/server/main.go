// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/tomtom215/fleetpulse/internal/api"
	"github.com/tomtom215/fleetpulse/internal/config"
	"github.com/tomtom215/fleetpulse/internal/ingest"
	"github.com/tomtom215/fleetpulse/internal/logging"
	"github.com/tomtom215/fleetpulse/internal/persist"
	"github.com/tomtom215/fleetpulse/internal/resolve"
	"github.com/tomtom215/fleetpulse/internal/retry"
	"github.com/tomtom215/fleetpulse/internal/store"
	"github.com/tomtom215/fleetpulse/internal/supervisor"
	"github.com/tomtom215/fleetpulse/internal/supervisor/services"
	ws "github.com/tomtom215/fleetpulse/internal/websocket"
)

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Println("fleetpulse", version)
		return
	}

	if err := run(opts); err != nil {
		logging.Error().Err(err).Msg("FleetPulse exited with error")
		os.Exit(1)
	}
}

//nolint:gocyclo // sequential setup steps
func run(opts options) error {
	start := time.Now()

	// Errors before Init go to the default logger.
	cfg, err := config.LoadPath(opts.configPath)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		if !logging.ValidLevel(opts.logLevel) {
			return fmt.Errorf("invalid --log-level %q", opts.logLevel)
		}
		cfg.Logging.Level = opts.logLevel
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})

	logging.Info().
		Str("ingest_addr", cfg.Ingestion.Addr()).
		Str("db_path", cfg.Database.Path).
		Int("max_batch_size", cfg.Ingestion.MaxBatchSize).
		Dur("max_batch_delay", cfg.Ingestion.MaxBatchDelay).
		Bool("gateway", cfg.Gateway.Enabled).
		Bool("http", cfg.Server.Enabled).
		Str("version", version).
		Msg("Starting FleetPulse")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()

	policies := retry.NewPolicies(cfg.Retry)
	cache := resolve.New(db, policies.General)

	gw, err := InitGateway(ctx, cfg.Gateway, policies.Network)
	if err != nil {
		return err
	}

	var persistOpts []persist.Option
	if g := gw.Gateway(); g != nil {
		persistOpts = append(persistOpts, persist.WithForwarder(g, cfg.Gateway.PublishTimeout))
	}
	persister := persist.New(db, policies.Persistence, persistOpts...)

	hub := ws.NewHub()
	server := ingest.New(cfg.Ingestion, db, cache, persister, ingest.WithSink(hub))

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfigFrom(cfg.Supervisor))
	if err != nil {
		return err
	}
	tree.AddMessagingService(services.NewWebSocketHubService(hub))
	tree.AddIngestionService(services.NewIngestionService(server, cfg.Ingestion.StopTimeout))

	if cfg.Server.Enabled {
		handlerOpts := []api.HandlerOption{
			api.WithCache(cache),
			api.WithHub(hub),
			api.WithAllowedOrigins(cfg.Server.CORSOrigins),
		}
		if g := gw.Gateway(); g != nil {
			handlerOpts = append(handlerOpts, api.WithBreaker(g))
		}
		handler := api.NewHandler(server, db, handlerOpts...)
		httpServer := api.NewHTTPServer(cfg.Server, api.NewRouter(handler, api.MiddlewareConfigFrom(cfg.Server)))
		tree.AddAPIService(services.NewHTTPServerService(httpServer, httpServer.Addr, cfg.Server.Timeout))
		logging.Info().Str("addr", httpServer.Addr).Msg("HTTP server enabled")
	}

	errCh := tree.ServeBackground(ctx)
	logging.Info().Msg("Supervisor tree started")

	var treeErr error
	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutdown signal received")
		treeErr = <-errCh
	case treeErr = <-errCh:
		logging.Error().Err(treeErr).Msg("Supervisor tree stopped unexpectedly")
	}
	if treeErr != nil && errors.Is(treeErr, context.Canceled) {
		treeErr = nil
	}

	if unstopped, err := tree.UnstoppedServiceReport(); err == nil && len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop within timeout")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownTimeout)
	defer cancel()

	if err := persister.Close(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("Persistence service did not drain")
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("Gateway shutdown incomplete")
	}
	if err := db.Checkpoint(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("Final checkpoint failed")
	}

	logging.Info().Dur("uptime", time.Since(start)).Msg("FleetPulse stopped")
	return treeErr
}
