// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

// Package telemetry turns the raw device byte stream into location records:
// LineFramer splits newline delimited frames and Parser decodes one frame.
package telemetry

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/fleetpulse/internal/models"
	"github.com/tomtom215/fleetpulse/internal/validation"
)

// Parse failure reasons, also used as metric labels.
const (
	ReasonFieldCount = "field_count"
	ReasonDeviceID   = "device_id"
	ReasonNumber     = "number"
	ReasonRange      = "range"
	ReasonOversized  = "oversized"
)

// ParseError describes why a line could not be decoded.
type ParseError struct {
	Line   string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %q: %s: %v", e.Line, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %q: %s", e.Line, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parser decodes one framed message.
type Parser interface {
	Parse(line string, receivedAt time.Time) (models.LocationRecord, error)
}

// CSVParser decodes "deviceId,latitude,longitude,speed".
//
// Fields are trimmed of surrounding whitespace. With Strict set the
// coordinates must lie within [-90,90] and [-180,180] and speed must not be
// negative.
type CSVParser struct {
	Strict bool
}

// Parse implements Parser.
func (p CSVParser) Parse(line string, receivedAt time.Time) (models.LocationRecord, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 4 {
		return models.LocationRecord{}, &ParseError{
			Line:   line,
			Reason: ReasonFieldCount,
			Err:    fmt.Errorf("expected 4 fields, got %d", len(fields)),
		}
	}

	deviceID := strings.TrimSpace(fields[0])
	if deviceID == "" {
		return models.LocationRecord{}, &ParseError{Line: line, Reason: ReasonDeviceID}
	}

	var nums [3]float64
	for i, name := range [3]string{"latitude", "longitude", "speed"} {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[i+1]), 64)
		if err != nil {
			return models.LocationRecord{}, &ParseError{
				Line:   line,
				Reason: ReasonNumber,
				Err:    fmt.Errorf("%s: %w", name, err),
			}
		}
		nums[i] = v
	}

	rec := models.LocationRecord{
		DeviceID:   deviceID,
		Latitude:   nums[0],
		Longitude:  nums[1],
		Speed:      nums[2],
		ReceivedAt: receivedAt,
	}

	if p.Strict {
		if err := validation.ValidateStruct(&rec); err != nil {
			return models.LocationRecord{}, &ParseError{Line: line, Reason: ReasonRange, Err: err}
		}
	}
	return rec, nil
}
