// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

/*
Package api serves FleetPulse's HTTP operational surface with the chi router.

Routes:

	GET /api/v1/health/live             process is up
	GET /api/v1/health/ready            ingestion running and store reachable
	GET /api/v1/ingestion/stats         counters, batching and cache state
	GET /api/v1/vehicles                active vehicles with their latest location
	GET /api/v1/vehicles/{id}/history   recent locations, newest first (?limit=)
	GET /metrics                        Prometheus exposition
	GET /ws                             live vehicle_location stream

JSON responses share the envelope in response.go. The API has no
authentication; it is meant for an internal network.
*/
package api
