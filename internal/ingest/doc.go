// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

// Package ingest runs the TCP ingestion server.
//
// Each accepted connection gets its own session goroutine that frames the
// byte stream into lines, parses them and adds the records to a shared
// batch aggregator. Every flushed batch is resolved to vehicles, persisted
// and pushed to the broadcast sink:
//
//	TCP -> session -> Aggregator -> ResolveBatch -> Persist -> PushSnapshots
//
// Server lifecycle: Created -> Starting -> Running -> Stopping -> Stopped.
// A stopped server may be started again.
package ingest
