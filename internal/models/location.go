// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

// Package models defines the data passed between the ingestion stages.
package models

import (
	"time"

	"github.com/google/uuid"
)

// LocationRecord is one telemetry line parsed from a device connection.
//
// ID is assigned once when the line is parsed and names the record's
// history row from then on. ReceivedAt is the server clock at parse time;
// devices do not send a timestamp. Coordinates are not range-checked by the
// default parser; the validate tags are applied only when strict coordinate
// checking is enabled.
type LocationRecord struct {
	ID         uuid.UUID `json:"id"`
	DeviceID   string    `json:"device_id" validate:"required"`
	Latitude   float64   `json:"latitude" validate:"latitude"`
	Longitude  float64   `json:"longitude" validate:"longitude"`
	Speed      float64   `json:"speed" validate:"gte=0"`
	ReceivedAt time.Time `json:"received_at"`
}

// ResolvedUpdate is a LocationRecord whose device has been mapped to a
// vehicle. It lives for one batch cycle only.
type ResolvedUpdate struct {
	LocationRecord
	EntityID string `json:"entity_id"`
}

// Update returns the store row shape of u.
func (u ResolvedUpdate) Update() LocationUpdate {
	return LocationUpdate{
		ID:        u.ID,
		EntityID:  u.EntityID,
		DeviceID:  u.DeviceID,
		Latitude:  u.Latitude,
		Longitude: u.Longitude,
		Speed:     u.Speed,
		Timestamp: u.ReceivedAt,
	}
}

// LocationUpdate is the row written by BulkSetLocation and InsertHistory and
// the payload forwarded to the downstream gateway.
type LocationUpdate struct {
	ID        uuid.UUID `json:"id"`
	EntityID  string    `json:"entity_id"`
	DeviceID  string    `json:"device_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	Timestamp time.Time `json:"timestamp"`
}

// historyNamespace scopes deterministic history row ids.
var historyNamespace = uuid.MustParse("6f1c2a4e-9b7d-4c35-8e21-5a0f3d9b7c11")

// HistoryID returns the id of the history row of u. It is the record id
// assigned at parse time, so a retried insert of the same batch does not
// create duplicates while distinct records never share a row. Updates built
// without a record id fall back to an id derived from entity, device and
// timestamp.
func (u LocationUpdate) HistoryID() uuid.UUID {
	if u.ID != uuid.Nil {
		return u.ID
	}
	key := u.EntityID + "|" + u.DeviceID + "|" + u.Timestamp.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(historyNamespace, []byte(key))
}
