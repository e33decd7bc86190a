// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

/*
Package websocket pushes vehicle snapshots to live map clients.

The hub owns the set of connected clients and fans out every message on
its broadcast channel. Each client runs two goroutines:

  - readPump: reads client commands (ping, subscribe, unsubscribe)
  - writePump: writes queued messages and keepalive pings

Outbound messages:

  - vehicle_location: the latest snapshot of one vehicle
  - pong: reply to a client ping

Inbound messages:

	{"type":"subscribe","data":{"entity_ids":["V1","V2"]}}
	{"type":"unsubscribe"}

A client without a subscription receives every vehicle. Pushes never
block the caller; when the broadcast channel is full the snapshot is
dropped and counted.
*/
package websocket
