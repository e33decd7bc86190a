// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

/*
Package middleware provides HTTP middleware for the operational API.

  - PrometheusMetrics: request count and latency labeled by chi route pattern
  - RequestLogger: one zerolog line per request with chi's request id

Both are chi-style func(http.Handler) http.Handler. Route patterns are read
after the handler runs, when chi has finished routing, so path parameters
do not explode label cardinality.
*/
package middleware
