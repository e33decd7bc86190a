// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tomtom215/fleetpulse/internal/metrics"
	"github.com/tomtom215/fleetpulse/internal/models"
)

// BulkSetLocation writes the latest location of many vehicles in a single
// statement and returns the number of rows changed. Entity ids in updates
// must be unique; updates for unknown vehicles are ignored.
func (db *DB) BulkSetLocation(ctx context.Context, updates []models.LocationUpdate) (affected int64, err error) {
	if len(updates) == 0 {
		return 0, nil
	}
	done := metrics.Operations.Start("store.bulk_set_location")
	defer func() { done(err) }()

	// DuckDB cannot infer the type of a parameter in the SET list of an
	// UPDATE ... FROM, so the write time travels as a VALUES column.
	var sb strings.Builder
	sb.WriteString(`UPDATE vehicles SET
		latitude = v.latitude,
		longitude = v.longitude,
		speed = v.speed,
		last_seen_at = v.ts,
		updated_at = v.written_at
	FROM (VALUES `)

	now := time.Now().UTC()
	args := make([]any, 0, len(updates)*6)
	for i, u := range updates {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(CAST(? AS TEXT), CAST(? AS DOUBLE), CAST(? AS DOUBLE), CAST(? AS DOUBLE), CAST(? AS TIMESTAMP), CAST(? AS TIMESTAMP))")
		args = append(args, u.EntityID, u.Latitude, u.Longitude, u.Speed, u.Timestamp.UTC(), now)
	}
	sb.WriteString(`) AS v(id, latitude, longitude, speed, ts, written_at)
	WHERE vehicles.id = v.id`)

	res, err := db.conn.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("bulk location update failed: %w", err)
	}
	affected, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bulk location update rows affected: %w", err)
	}
	metrics.EntitiesUpdated.Add(float64(affected))
	return affected, nil
}

// InsertHistory appends one history row per update in a single statement.
// Rows whose history id already exists are skipped, so replaying the
// same updates is harmless. It returns the number of rows inserted.
func (db *DB) InsertHistory(ctx context.Context, updates []models.LocationUpdate) (inserted int64, err error) {
	if len(updates) == 0 {
		return 0, nil
	}
	done := metrics.Operations.Start("store.insert_history")
	defer func() { done(err) }()

	var sb strings.Builder
	sb.WriteString(`INSERT INTO location_history
		(id, vehicle_id, device_id, latitude, longitude, speed, recorded_at) VALUES `)

	seen := make(map[string]struct{}, len(updates))
	args := make([]any, 0, len(updates)*7)
	rows := 0
	for _, u := range updates {
		id := u.HistoryID().String()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if rows > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		args = append(args, id, u.EntityID, u.DeviceID, u.Latitude, u.Longitude, u.Speed, u.Timestamp.UTC())
		rows++
	}
	sb.WriteString(` ON CONFLICT DO NOTHING`)

	res, err := db.conn.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("history insert failed: %w", err)
	}
	inserted, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history insert rows affected: %w", err)
	}
	metrics.HistoryRowsInserted.Add(float64(inserted))
	return inserted, nil
}

// GetHistory returns the most recent history rows of a vehicle, newest
// first.
func (db *DB) GetHistory(ctx context.Context, vehicleID string, limit int) (records []models.HistoryRecord, err error) {
	if limit <= 0 {
		limit = 100
	}
	done := metrics.Operations.Start("store.get_history")
	defer func() { done(err) }()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, vehicle_id, device_id, latitude, longitude, speed, recorded_at
		FROM location_history
		WHERE vehicle_id = ?
		ORDER BY recorded_at DESC, id
		LIMIT ?`, vehicleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer closeWithLog(rows, "rows")

	for rows.Next() {
		var r models.HistoryRecord
		if err := rows.Scan(&r.ID, &r.EntityID, &r.DeviceID, &r.Latitude, &r.Longitude, &r.Speed, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		r.RecordedAt = r.RecordedAt.UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}
