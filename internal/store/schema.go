// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

/*
schema.go - Entity store schema

Tables:
  - vehicles: one row per tracked vehicle, carrying its latest location
  - location_history: append-only location trail keyed by the record id
    assigned at parse time, so replayed inserts are ignored

Timestamps are stored as UTC TIMESTAMP values; every write supplies them
explicitly so no column default depends on the ICU extension.
*/

package store

import (
	"context"
	"fmt"

	"github.com/tomtom215/fleetpulse/internal/metrics"
)

var schemaQueries = []string{
	`CREATE TABLE IF NOT EXISTS vehicles (
		id TEXT PRIMARY KEY,
		device_id TEXT,
		name TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		latitude DOUBLE,
		longitude DOUBLE,
		speed DOUBLE,
		last_seen_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS location_history (
		id TEXT PRIMARY KEY,
		vehicle_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		latitude DOUBLE NOT NULL,
		longitude DOUBLE NOT NULL,
		speed DOUBLE NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_location_history_vehicle_time
		ON location_history (vehicle_id, recorded_at)`,
}

// EnsureSchema creates the tables the pipeline writes to. It is safe to
// call repeatedly.
func (db *DB) EnsureSchema(ctx context.Context) (err error) {
	done := metrics.Operations.Start("store.ensure_schema")
	defer func() { done(err) }()

	for _, q := range schemaQueries {
		if _, err = db.conn.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}
