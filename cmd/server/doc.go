// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

// Command server runs the FleetPulse ingestion pipeline.
//
// Devices connect over TCP and stream newline-delimited CSV records
// (deviceId,latitude,longitude,speed). Records are batched, resolved to
// vehicles through the device cache, written to DuckDB and pushed to
// WebSocket subscribers. With the gateway enabled every persisted batch is
// also published to NATS.
//
// # Startup Order
//
//  1. Configuration (koanf: defaults, config.yaml, environment)
//  2. DuckDB store
//  3. Retry policies and device cache
//  4. NATS gateway (optional, embedded server optional)
//  5. Persistence service, WebSocket hub, ingestion server
//  6. Supervisor tree (messaging, ingestion and API layers)
//
// # Signal Handling
//
// SIGINT and SIGTERM stop the supervisor tree. The ingestion server drains
// its pending batch before the persistence service, the gateway, the
// embedded NATS server and the database are closed, in that order.
//
// # Example
//
//	export INGEST_PORT=5000
//	export DUCKDB_PATH=/data/fleetpulse.duckdb
//	export GATEWAY_ENABLED=true NATS_EMBEDDED=true
//	./fleetpulse
package main
