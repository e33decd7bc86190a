// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

/*
Package supervisor runs FleetPulse's long-lived components under a suture v4
supervisor tree.

	fleetpulse (root)
	├── messaging-layer
	│   └── websocket-hub
	├── ingestion-layer
	│   └── ingestion-server
	└── api-layer
	    └── http-server

Each layer restarts its own services with the configured failure threshold,
decay and backoff, so a crashing HTTP server does not interrupt ingestion.
Supervisor events are logged through sutureslog, which writes to zerolog
via logging.NewSlogLogger.

Service wrappers that adapt components to suture.Service live in the
services subpackage.
*/
package supervisor
