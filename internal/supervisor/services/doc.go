// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

// Package services adapts FleetPulse components to suture.Service.
//
// Each wrapper depends on a small interface rather than the concrete
// component, so the wrappers can be tested with doubles and the supervisor
// package does not import the component packages:
//
//   - WebSocketHubService: RunWithContext(ctx) error
//   - IngestionService: Start(ctx) error / Stop(ctx) error
//   - HTTPServerService: ListenAndServe() error / Shutdown(ctx) error
//
// Every wrapper returns ctx.Err() on a graceful shutdown, which suture
// treats as a normal stop.
package services
