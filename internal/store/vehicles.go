// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tomtom215/fleetpulse/internal/metrics"
	"github.com/tomtom215/fleetpulse/internal/models"
)

const vehicleColumns = `id, device_id, name, active, latitude, longitude, speed, last_seen_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVehicle(row rowScanner) (models.Vehicle, error) {
	var (
		v         models.Vehicle
		deviceID  sql.NullString
		lat, lon  sql.NullFloat64
		speed     sql.NullFloat64
		lastSeen  sql.NullTime
		updatedAt time.Time
	)
	if err := row.Scan(&v.ID, &deviceID, &v.Name, &v.Active, &lat, &lon, &speed, &lastSeen, &updatedAt); err != nil {
		return models.Vehicle{}, err
	}
	v.DeviceID = deviceID.String
	if lat.Valid {
		v.Latitude = &lat.Float64
	}
	if lon.Valid {
		v.Longitude = &lon.Float64
	}
	if speed.Valid {
		v.Speed = &speed.Float64
	}
	if lastSeen.Valid {
		t := lastSeen.Time.UTC()
		v.LastSeenAt = &t
	}
	v.UpdatedAt = updatedAt.UTC()
	return v, nil
}

func (db *DB) queryVehicles(ctx context.Context, query string, args ...any) ([]models.Vehicle, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer closeWithLog(rows, "rows")

	var out []models.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vehicle: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetActiveEntities returns every active vehicle, including those without
// a device id.
func (db *DB) GetActiveEntities(ctx context.Context) (vehicles []models.Vehicle, err error) {
	done := metrics.Operations.Start("store.get_active_entities")
	defer func() { done(err) }()

	vehicles, err = db.queryVehicles(ctx,
		`SELECT `+vehicleColumns+` FROM vehicles WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active vehicles: %w", err)
	}
	return vehicles, nil
}

// GetEntityByDeviceID returns the active vehicle carrying deviceID, or
// ErrNotFound.
func (db *DB) GetEntityByDeviceID(ctx context.Context, deviceID string) (v *models.Vehicle, err error) {
	done := metrics.Operations.Start("store.get_entity_by_device")
	defer func() {
		if errors.Is(err, ErrNotFound) {
			done(nil)
			return
		}
		done(err)
	}()

	row := db.conn.QueryRowContext(ctx,
		`SELECT `+vehicleColumns+` FROM vehicles WHERE active AND device_id = ? ORDER BY id LIMIT 1`, deviceID)
	found, err := scanVehicle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query vehicle for device %s: %w", deviceID, err)
	}
	return &found, nil
}

// GetEntitiesByIDs returns the vehicles with the given ids ordered by id.
// Unknown ids are skipped.
func (db *DB) GetEntitiesByIDs(ctx context.Context, ids []string) (vehicles []models.Vehicle, err error) {
	if len(ids) == 0 {
		return nil, nil
	}
	done := metrics.Operations.Start("store.get_entities_by_ids")
	defer func() { done(err) }()

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT ` + vehicleColumns + ` FROM vehicles WHERE id IN (` + placeholders(len(ids)) + `) ORDER BY id`
	vehicles, err = db.queryVehicles(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query vehicles by id: %w", err)
	}
	return vehicles, nil
}

// UpsertVehicle registers a vehicle or updates its device assignment, name
// and active flag. Location columns are left untouched on update.
func (db *DB) UpsertVehicle(ctx context.Context, v *models.Vehicle) (err error) {
	if v.ID == "" {
		return fmt.Errorf("vehicle id is required")
	}
	done := metrics.Operations.Start("store.upsert_vehicle")
	defer func() { done(err) }()

	v.UpdatedAt = time.Now().UTC()
	var deviceID any
	if v.DeviceID != "" {
		deviceID = v.DeviceID
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO vehicles (id, device_id, name, active, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			device_id = excluded.device_id,
			name = excluded.name,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		v.ID, deviceID, v.Name, v.Active, v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert vehicle %s: %w", v.ID, err)
	}
	return nil
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
