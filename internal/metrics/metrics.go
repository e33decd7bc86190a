// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

// Package metrics holds the Prometheus instrumentation of the ingestion
// pipeline, an in-process operation recorder and the periodic counter report.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Flush reasons used as the "reason" label of batch metrics.
const (
	FlushReasonSize  = "size"
	FlushReasonDelay = "delay"
	FlushReasonIdle  = "idle"
	FlushReasonStop  = "stop"
)

var (
	// Connections
	ConnectionsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetpulse_connections_accepted_total",
			Help: "Total number of accepted device connections",
		},
	)

	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetpulse_connections_active",
			Help: "Number of currently open device connections",
		},
	)

	// Messages
	MessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetpulse_messages_received_total",
			Help: "Total number of framed lines received from devices",
		},
	)

	MessagesParsed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetpulse_messages_parsed_total",
			Help: "Total number of lines parsed into location records",
		},
	)

	MessagesParseFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetpulse_messages_parse_failed_total",
			Help: "Total number of lines dropped because they could not be parsed",
		},
		[]string{"reason"}, // "field_count", "device_id", "number", "range", "oversized"
	)

	// Batching
	BatchesFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetpulse_batches_flushed_total",
			Help: "Total number of batches handed to the batch handler",
		},
		[]string{"reason"},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetpulse_batch_size",
			Help:    "Number of records per flushed batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	BatchFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetpulse_batch_flush_duration_seconds",
			Help:    "Time spent in the batch handler per flush",
			Buckets: prometheus.DefBuckets,
		},
	)

	BatchHandlerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetpulse_batch_handler_errors_total",
			Help: "Total number of batch handler failures, panics included",
		},
	)

	QueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetpulse_queue_dropped_total",
			Help: "Records still queued when the aggregator was stopped",
		},
	)

	// Resolution
	ResolutionHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetpulse_resolution_hits_total",
			Help: "Device ids resolved from the in-memory cache",
		},
	)

	ResolutionLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetpulse_resolution_lookups_total",
			Help: "Point lookups against the entity store on cache miss",
		},
		[]string{"result"}, // "found", "not_found", "error"
	)

	ResolutionRefreshes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetpulse_resolution_refreshes_total",
			Help: "Full device cache refreshes",
		},
	)

	ResolutionDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetpulse_resolution_dropped_total",
			Help: "Records dropped because their device could not be resolved",
		},
	)

	DeviceCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetpulse_device_cache_entries",
			Help: "Current number of device to vehicle mappings",
		},
	)

	// Persistence
	EntitiesUpdated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetpulse_entities_updated_total",
			Help: "Vehicles whose current location was written",
		},
	)

	HistoryRowsInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetpulse_history_rows_total",
			Help: "Location history rows written",
		},
	)

	BatchesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetpulse_batches_dropped_total",
			Help: "Batches dropped after persistence retries were exhausted",
		},
	)

	// Retries
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetpulse_retry_attempts_total",
			Help: "Retries scheduled by a retry policy",
		},
		[]string{"policy"},
	)

	// Gateway
	GatewayForwards = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetpulse_gateway_forwards_total",
			Help: "Location updates forwarded to the downstream gateway",
		},
		[]string{"result"}, // "success", "error", "circuit_open"
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetpulse_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetpulse_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Broadcast
	BroadcastPushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetpulse_broadcast_pushed_total",
			Help: "Vehicle snapshots queued for real-time subscribers",
		},
	)

	BroadcastDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetpulse_broadcast_dropped_total",
			Help: "Vehicle snapshots dropped because the broadcast queue was full",
		},
	)

	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetpulse_websocket_connections",
			Help: "Number of connected WebSocket subscribers",
		},
	)

	// Operations
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetpulse_operation_duration_seconds",
			Help:    "Latency of named pipeline operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "result"},
	)

	// HTTP
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetpulse_api_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetpulse_api_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordAPIRequest records one HTTP request.
func RecordAPIRequest(method, route, status string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, status).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordConnectionOpened counts an accepted connection.
func RecordConnectionOpened() {
	ConnectionsAccepted.Inc()
	ConnectionsActive.Inc()
}

// RecordConnectionClosed decrements the active connection gauge.
func RecordConnectionClosed() {
	ConnectionsActive.Dec()
}

// RecordParseFailure counts a dropped line.
func RecordParseFailure(reason string) {
	MessagesParseFailed.WithLabelValues(reason).Inc()
}

// RecordBatchFlush records one handler invocation.
func RecordBatchFlush(reason string, size int, duration time.Duration, err error) {
	BatchesFlushed.WithLabelValues(reason).Inc()
	BatchSize.Observe(float64(size))
	BatchFlushDuration.Observe(duration.Seconds())
	if err != nil {
		BatchHandlerErrors.Inc()
	}
}

// RecordLookup records the outcome of a point lookup on cache miss.
func RecordLookup(found bool, err error) {
	switch {
	case err != nil:
		ResolutionLookups.WithLabelValues("error").Inc()
	case found:
		ResolutionLookups.WithLabelValues("found").Inc()
	default:
		ResolutionLookups.WithLabelValues("not_found").Inc()
	}
}

// RecordGatewayForward records the outcome of one forward call.
func RecordGatewayForward(result string, count int) {
	GatewayForwards.WithLabelValues(result).Add(float64(count))
}

// RecordCircuitBreakerTransition updates breaker metrics.
func RecordCircuitBreakerTransition(name, from, to string, state float64) {
	CircuitBreakerTransitions.WithLabelValues(name, from, to).Inc()
	CircuitBreakerState.WithLabelValues(name).Set(state)
}
