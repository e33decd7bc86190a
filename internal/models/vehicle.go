// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package models

import "time"

// Vehicle is the tracked entity. A vehicle may be linked to one device.
//
// The location fields are nil until the first update arrives.
type Vehicle struct {
	ID         string     `json:"id"`
	DeviceID   string     `json:"device_id,omitempty"`
	Name       string     `json:"name"`
	Active     bool       `json:"active"`
	Latitude   *float64   `json:"latitude,omitempty"`
	Longitude  *float64   `json:"longitude,omitempty"`
	Speed      *float64   `json:"speed,omitempty"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// HistoryRecord is one row of a vehicle's location history.
type HistoryRecord struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"entity_id"`
	DeviceID   string    `json:"device_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      float64   `json:"speed"`
	RecordedAt time.Time `json:"recorded_at"`
}
