// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

// Package resolve maps tracker device ids to the vehicles that own them.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/fleetpulse/internal/logging"
	"github.com/tomtom215/fleetpulse/internal/metrics"
	"github.com/tomtom215/fleetpulse/internal/models"
	"github.com/tomtom215/fleetpulse/internal/retry"
	"github.com/tomtom215/fleetpulse/internal/store"
)

// Source is the subset of the entity store the cache reads from.
type Source interface {
	GetActiveEntities(ctx context.Context) ([]models.Vehicle, error)
	GetEntityByDeviceID(ctx context.Context, deviceID string) (*models.Vehicle, error)
}

// DeviceCache holds deviceID to vehicle id mappings. Entries are only
// replaced by a full refresh or added by a successful point lookup; they
// are never evicted individually.
//
// A single mutex serializes lookups, point queries and refreshes.
type DeviceCache struct {
	source Source
	policy *retry.Policy

	mu          sync.Mutex
	entries     map[string]string
	lastRefresh time.Time
}

// New creates an empty cache. Store calls go through policy.
func New(source Source, policy *retry.Policy) *DeviceCache {
	return &DeviceCache{
		source:  source,
		policy:  policy,
		entries: make(map[string]string),
	}
}

// Initialize loads every active vehicle and replaces the map with those
// that carry a device id. On failure the previous map is kept.
func (c *DeviceCache) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *DeviceCache) refreshLocked(ctx context.Context) error {
	var vehicles []models.Vehicle
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		vehicles, err = c.source.GetActiveEntities(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("device cache refresh: %w", err)
	}

	next := make(map[string]string, len(vehicles))
	for _, v := range vehicles {
		if v.DeviceID == "" {
			continue
		}
		next[v.DeviceID] = v.ID
	}
	c.entries = next
	c.lastRefresh = time.Now()

	metrics.ResolutionRefreshes.Inc()
	metrics.DeviceCacheSize.Set(float64(len(next)))
	logging.Debug().Int("devices", len(next)).Msg("Device cache refreshed")
	return nil
}

// Resolve returns the vehicle id for deviceID. A cache miss costs one
// point query; ok is false when no active vehicle owns the device.
func (c *DeviceCache) Resolve(ctx context.Context, deviceID string) (entityID string, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveLocked(ctx, deviceID)
}

func (c *DeviceCache) resolveLocked(ctx context.Context, deviceID string) (string, bool, error) {
	if id, ok := c.entries[deviceID]; ok {
		metrics.ResolutionHits.Inc()
		return id, true, nil
	}

	var vehicle *models.Vehicle
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		v, err := c.source.GetEntityByDeviceID(ctx, deviceID)
		if errors.Is(err, store.ErrNotFound) {
			return retry.Permanent(err)
		}
		vehicle = v
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		metrics.RecordLookup(false, nil)
		return "", false, nil
	}
	if err != nil {
		metrics.RecordLookup(false, err)
		return "", false, fmt.Errorf("lookup device %s: %w", deviceID, err)
	}

	metrics.RecordLookup(true, nil)
	c.entries[deviceID] = vehicle.ID
	metrics.DeviceCacheSize.Set(float64(len(c.entries)))
	return vehicle.ID, true, nil
}

// ResolveBatch attaches vehicle ids to records, keeping input order. When
// any device id is unresolved the cache is refreshed once and each of
// those ids gets exactly one more attempt. Records still unresolved are
// dropped with one warning per device id; dropped reports how many.
func (c *DeviceCache) ResolveBatch(ctx context.Context, records []models.LocationRecord) (resolved []models.ResolvedUpdate, dropped int) {
	log := logging.Ctx(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make(map[string]string, len(records))
	missed := make(map[string]bool)
	var pending []string
	for _, r := range records {
		if _, seen := ids[r.DeviceID]; seen || missed[r.DeviceID] {
			continue
		}
		id, ok, err := c.resolveLocked(ctx, r.DeviceID)
		if err != nil {
			log.Warn().Err(err).Str("device_id", r.DeviceID).Msg("Device lookup failed")
		}
		if ok {
			ids[r.DeviceID] = id
			continue
		}
		missed[r.DeviceID] = true
		pending = append(pending, r.DeviceID)
	}

	if len(pending) > 0 {
		if err := c.refreshLocked(ctx); err != nil {
			log.Error().Err(err).Int("unresolved", len(pending)).Msg("Device cache refresh failed")
		}
		for _, deviceID := range pending {
			id, ok, err := c.resolveLocked(ctx, deviceID)
			if err != nil {
				log.Warn().Err(err).Str("device_id", deviceID).Msg("Device lookup failed")
			}
			if ok {
				ids[deviceID] = id
				continue
			}
			log.Warn().Str("device_id", deviceID).Msg("Unknown device, dropping records")
		}
	}

	resolved = make([]models.ResolvedUpdate, 0, len(records))
	for _, r := range records {
		id, ok := ids[r.DeviceID]
		if !ok {
			dropped++
			continue
		}
		resolved = append(resolved, models.ResolvedUpdate{LocationRecord: r, EntityID: id})
	}
	if dropped > 0 {
		metrics.ResolutionDropped.Add(float64(dropped))
	}
	return resolved, dropped
}

// Size returns the number of cached device ids.
func (c *DeviceCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// LastRefresh returns when the cache was last fully loaded.
func (c *DeviceCache) LastRefresh() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRefresh
}
