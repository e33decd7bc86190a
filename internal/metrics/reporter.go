// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/fleetpulse/internal/logging"
)

// Counters is a point-in-time view of the ingestion server's atomic counters.
type Counters struct {
	ConnectionsAccepted int64 `json:"connections_accepted"`
	ConnectionsActive   int64 `json:"connections_active"`
	MessagesProcessed   int64 `json:"messages_processed"`
	ParseFailures       int64 `json:"parse_failures"`
	BatchesFlushed      int64 `json:"batches_flushed"`
	RecordsDropped      int64 `json:"records_dropped"`
}

// CounterSource is implemented by the ingestion server.
type CounterSource interface {
	Counters() Counters
}

// Reporter writes one structured log line per interval with the counters of
// a CounterSource and the operation statistics of a Recorder.
type Reporter struct {
	source   CounterSource
	recorder *Recorder
	interval time.Duration
	logger   zerolog.Logger
}

// NewReporter creates a reporter. A nil recorder omits operation statistics.
func NewReporter(source CounterSource, recorder *Recorder, interval time.Duration) *Reporter {
	return &Reporter{
		source:   source,
		recorder: recorder,
		interval: interval,
		logger:   logging.WithComponent("metrics"),
	}
}

// Run reports until ctx is canceled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Report()
		}
	}
}

// Report writes a single report line.
func (r *Reporter) Report() {
	c := r.source.Counters()
	event := r.logger.Info().
		Int64("connections_accepted", c.ConnectionsAccepted).
		Int64("connections_active", c.ConnectionsActive).
		Int64("messages_processed", c.MessagesProcessed).
		Int64("parse_failures", c.ParseFailures).
		Int64("batches_flushed", c.BatchesFlushed).
		Int64("records_dropped", c.RecordsDropped)

	if r.recorder != nil {
		ops := zerolog.Dict()
		snap := r.recorder.Snapshot()
		for _, name := range r.recorder.Names() {
			s := snap[name]
			ops = ops.Dict(name, zerolog.Dict().
				Int64("count", s.Count).
				Int64("errors", s.Errors).
				Dur("avg", s.Average).
				Dur("max", s.Max))
		}
		event = event.Dict("operations", ops)
	}

	event.Msg("Ingestion metrics")
}
