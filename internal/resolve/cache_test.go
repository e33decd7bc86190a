// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package resolve

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/fleetpulse/internal/config"
	"github.com/tomtom215/fleetpulse/internal/logging"
	"github.com/tomtom215/fleetpulse/internal/models"
	"github.com/tomtom215/fleetpulse/internal/retry"
	"github.com/tomtom215/fleetpulse/internal/store"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

// fakeSource is an in-memory Source with call counting and fault hooks.
type fakeSource struct {
	mu       sync.Mutex
	vehicles []models.Vehicle

	// hidden device ids are missing from point lookups but present in
	// full loads, modelling a lagging replica.
	hidden map[string]bool

	listErr   error
	lookupErr error

	listCalls   int
	lookupCalls map[string]int
}

func newFakeSource(vehicles ...models.Vehicle) *fakeSource {
	return &fakeSource{
		vehicles:    vehicles,
		hidden:      make(map[string]bool),
		lookupCalls: make(map[string]int),
	}
}

func (f *fakeSource) GetActiveEntities(context.Context) ([]models.Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]models.Vehicle, 0, len(f.vehicles))
	for _, v := range f.vehicles {
		if v.Active {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeSource) GetEntityByDeviceID(_ context.Context, deviceID string) (*models.Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupCalls[deviceID]++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if f.hidden[deviceID] {
		return nil, store.ErrNotFound
	}
	for _, v := range f.vehicles {
		if v.Active && v.DeviceID == deviceID {
			v := v
			return &v, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeSource) set(vehicles ...models.Vehicle) {
	f.mu.Lock()
	f.vehicles = vehicles
	f.mu.Unlock()
}

func (f *fakeSource) lookups(deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookupCalls[deviceID]
}

func (f *fakeSource) lists() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func testPolicy() *retry.Policy {
	return retry.New("general", config.RetryPolicyConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
		Shape:           retry.ShapeExponential,
	}, nil)
}

func vehicle(id, device string) models.Vehicle {
	return models.Vehicle{ID: id, DeviceID: device, Active: true}
}

func record(device string, lat float64) models.LocationRecord {
	return models.LocationRecord{DeviceID: device, Latitude: lat, Longitude: lat, ReceivedAt: time.Now()}
}

func TestInitialize(t *testing.T) {
	src := newFakeSource(
		vehicle("E1", "DEV1"),
		vehicle("E2", ""),
		models.Vehicle{ID: "E3", DeviceID: "DEV3", Active: false},
	)
	c := New(src, testPolicy())

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if c.Size() != 1 {
		t.Errorf("Size() = %d, want 1", c.Size())
	}
	if c.LastRefresh().IsZero() {
		t.Error("LastRefresh should be set")
	}
}

func TestInitializeFailureKeepsEntries(t *testing.T) {
	src := newFakeSource(vehicle("E1", "DEV1"))
	c := New(src, testPolicy())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	src.mu.Lock()
	src.listErr = errors.New("connection reset")
	src.mu.Unlock()

	if err := c.Initialize(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if got := src.lists(); got != 4 {
		t.Errorf("list calls = %d, want 1 + 3 attempts", got)
	}
	id, ok, err := c.Resolve(context.Background(), "DEV1")
	if err != nil || !ok || id != "E1" {
		t.Errorf("Resolve after failed refresh = (%q, %v, %v)", id, ok, err)
	}
}

func TestResolve(t *testing.T) {
	src := newFakeSource(vehicle("E1", "DEV1"), vehicle("E2", "DEV2"))
	c := New(src, testPolicy())
	ctx := context.Background()
	if err := c.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	t.Run("cached", func(t *testing.T) {
		id, ok, err := c.Resolve(ctx, "DEV1")
		if err != nil || !ok || id != "E1" {
			t.Fatalf("Resolve(DEV1) = (%q, %v, %v)", id, ok, err)
		}
		if src.lookups("DEV1") != 0 {
			t.Error("cached device should not hit the store")
		}
	})

	t.Run("point lookup inserts", func(t *testing.T) {
		src.set(vehicle("E1", "DEV1"), vehicle("E2", "DEV2"), vehicle("E5", "DEV5"))
		id, ok, err := c.Resolve(ctx, "DEV5")
		if err != nil || !ok || id != "E5" {
			t.Fatalf("Resolve(DEV5) = (%q, %v, %v)", id, ok, err)
		}
		if _, _, err := c.Resolve(ctx, "DEV5"); err != nil {
			t.Fatal(err)
		}
		if got := src.lookups("DEV5"); got != 1 {
			t.Errorf("lookups = %d, want 1", got)
		}
		if c.Size() != 3 {
			t.Errorf("Size() = %d, want 3", c.Size())
		}
	})

	t.Run("unknown", func(t *testing.T) {
		id, ok, err := c.Resolve(ctx, "NOPE")
		if err != nil || ok || id != "" {
			t.Fatalf("Resolve(NOPE) = (%q, %v, %v)", id, ok, err)
		}
		if got := src.lookups("NOPE"); got != 1 {
			t.Errorf("a miss must not be retried, lookups = %d", got)
		}
	})
}

func TestResolveStoreErrorRetried(t *testing.T) {
	src := newFakeSource()
	src.lookupErr = errors.New("io timeout")
	c := New(src, testPolicy())

	_, ok, err := c.Resolve(context.Background(), "DEV1")
	if err == nil || ok {
		t.Fatalf("Resolve = (%v, %v), want error", ok, err)
	}
	if got := src.lookups("DEV1"); got != 3 {
		t.Errorf("lookups = %d, want 3 attempts", got)
	}
}

func TestResolveBatch(t *testing.T) {
	src := newFakeSource(vehicle("E1", "DEV1"))
	c := New(src, testPolicy())
	ctx := context.Background()
	if err := c.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	// DEV2 was registered after start-up and the point query still misses.
	src.set(vehicle("E1", "DEV1"), vehicle("E2", "DEV2"))
	src.mu.Lock()
	src.hidden["DEV2"] = true
	src.mu.Unlock()

	records := []models.LocationRecord{
		record("DEV1", 1),
		record("DEV9", 2),
		record("DEV2", 3),
		record("DEV9", 4),
		record("DEV1", 5),
	}
	resolved, dropped := c.ResolveBatch(ctx, records)

	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
	want := []struct {
		entity string
		lat    float64
	}{{"E1", 1}, {"E2", 3}, {"E1", 5}}
	if len(resolved) != len(want) {
		t.Fatalf("resolved %d records, want %d", len(resolved), len(want))
	}
	for i, w := range want {
		if resolved[i].EntityID != w.entity || resolved[i].Latitude != w.lat {
			t.Errorf("resolved[%d] = %s/%v, want %s/%v", i, resolved[i].EntityID, resolved[i].Latitude, w.entity, w.lat)
		}
	}

	if got := src.lists(); got != 2 {
		t.Errorf("list calls = %d, want initial load + one refresh", got)
	}
	// DEV9: one lookup before the refresh and exactly one after.
	if got := src.lookups("DEV9"); got != 2 {
		t.Errorf("DEV9 lookups = %d, want 2", got)
	}
	// DEV2 resolves from the refreshed map without another point query.
	if got := src.lookups("DEV2"); got != 1 {
		t.Errorf("DEV2 lookups = %d, want 1", got)
	}
}

func TestResolveBatchAllCachedSkipsRefresh(t *testing.T) {
	src := newFakeSource(vehicle("E1", "DEV1"), vehicle("E2", "DEV2"))
	c := New(src, testPolicy())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	resolved, dropped := c.ResolveBatch(context.Background(), []models.LocationRecord{record("DEV1", 1), record("DEV2", 2)})
	if dropped != 0 || len(resolved) != 2 {
		t.Fatalf("ResolveBatch = %d resolved, %d dropped", len(resolved), dropped)
	}
	if got := src.lists(); got != 1 {
		t.Errorf("list calls = %d, want no refresh", got)
	}
}

func TestRefreshDoesNotCorruptEntries(t *testing.T) {
	src := newFakeSource(vehicle("E1", "DEV1"), vehicle("E2", "DEV2"))
	c := New(src, testPolicy())
	ctx := context.Background()
	if err := c.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = c.Initialize(ctx)
			}
		}
	}()

	for i := 0; i < 500; i++ {
		for dev, want := range map[string]string{"DEV1": "E1", "DEV2": "E2"} {
			id, ok, err := c.Resolve(ctx, dev)
			if err != nil || !ok || id != want {
				t.Fatalf("Resolve(%s) = (%q, %v, %v) during refresh", dev, id, ok, err)
			}
		}
	}
	close(stop)
	wg.Wait()
}
