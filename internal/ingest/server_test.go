// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/fleetpulse/internal/config"
	"github.com/tomtom215/fleetpulse/internal/logging"
	"github.com/tomtom215/fleetpulse/internal/metrics"
	"github.com/tomtom215/fleetpulse/internal/models"
	"github.com/tomtom215/fleetpulse/internal/persist"
	"github.com/tomtom215/fleetpulse/internal/resolve"
	"github.com/tomtom215/fleetpulse/internal/retry"
	"github.com/tomtom215/fleetpulse/internal/store"
	"github.com/tomtom215/fleetpulse/internal/telemetry"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

func testConfig() config.IngestionConfig {
	return config.IngestionConfig{
		Host:            "127.0.0.1",
		Port:            0,
		MaxBatchSize:    2,
		MaxBatchDelay:   200 * time.Millisecond,
		PollInterval:    50 * time.Millisecond,
		QueueCapacity:   100,
		FlushTimeout:    5 * time.Second,
		StopTimeout:     5 * time.Second,
		MetricsInterval: time.Hour,
		ReadBufferSize:  64,
		MaxMessageBytes: 256,
	}
}

func fastPolicy() *retry.Policy {
	return retry.New("test", config.RetryPolicyConfig{
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1,
		Shape:           retry.ShapeExponential,
	}, nil)
}

type fakeSink struct {
	mu       sync.Mutex
	vehicles []models.Vehicle
}

func (f *fakeSink) PushSnapshots(vehicles []models.Vehicle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vehicles = append(f.vehicles, vehicles...)
}

func (f *fakeSink) snapshot() []models.Vehicle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Vehicle(nil), f.vehicles...)
}

type pipeline struct {
	db   *store.DB
	sink *fakeSink
	srv  *Server
}

// newPipeline wires a server to a DuckDB in-memory store seeded with
// vehicles.
func newPipeline(t *testing.T, cfg config.IngestionConfig, vehicles ...models.Vehicle) *pipeline {
	t.Helper()
	return newPipelineWith(t, cfg, nil, vehicles...)
}

func newPipelineWith(t *testing.T, cfg config.IngestionConfig, opts []Option, vehicles ...models.Vehicle) *pipeline {
	t.Helper()
	db, err := store.Open(config.DatabaseConfig{Path: ":memory:", MaxMemory: "512MB", Threads: 1})
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	for i := range vehicles {
		if err := db.UpsertVehicle(ctx, &vehicles[i]); err != nil {
			t.Fatal(err)
		}
	}

	sink := &fakeSink{}
	cache := resolve.New(db, fastPolicy())
	svc := persist.New(db, fastPolicy())
	srv := New(cfg, db, cache, svc, append([]Option{WithSink(sink)}, opts...)...)
	return &pipeline{db: db, sink: sink, srv: srv}
}

func (p *pipeline) start(t *testing.T) {
	t.Helper()
	if err := p.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = p.srv.Stop(context.Background()) })
}

func (p *pipeline) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", p.srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (p *pipeline) historyCount(t *testing.T) int {
	t.Helper()
	var n int
	if err := p.db.Conn().QueryRow("SELECT COUNT(*) FROM location_history").Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func write(t *testing.T, conn net.Conn, s string) {
	t.Helper()
	if _, err := conn.Write([]byte(s)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// syncBuffer collects log output written from pipeline goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureLogs routes warnings to a buffer for the rest of the test.
func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	logging.Init(logging.Config{Level: "warn", Format: "json", Output: buf})
	t.Cleanup(func() {
		logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
	})
	return buf
}

func TestServerLifecycle(t *testing.T) {
	p := newPipeline(t, testConfig())
	srv := p.srv

	if srv.State() != StateCreated {
		t.Fatalf("initial state = %s", srv.State())
	}
	if err := srv.Stop(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop() before Start = %v, want ErrNotRunning", err)
	}
	if srv.Addr() != nil {
		t.Error("Addr() should be nil before Start")
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if srv.State() != StateRunning {
		t.Errorf("state = %s, want running", srv.State())
	}
	if srv.Addr() == nil {
		t.Fatal("Addr() nil while running")
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}

	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if srv.State() != StateStopped {
		t.Errorf("state = %s, want stopped", srv.State())
	}
	if err := srv.Stop(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Stop() = %v, want ErrNotRunning", err)
	}

	// A stopped server can be started again.
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() after restart error = %v", err)
	}
}

func TestServerEndToEndResolutionMiss(t *testing.T) {
	logs := captureLogs(t)
	droppedBefore := testutil.ToFloat64(metrics.ResolutionDropped)

	p := newPipeline(t, testConfig(),
		models.Vehicle{ID: "E1", DeviceID: "DEV1", Name: "Truck 1", Active: true},
	)
	p.start(t)

	conn := p.dial(t)
	write(t, conn, "DEV1,41.0,29.0,40\nDEV2,41.1,29.1,0\n")

	eventually(t, "batch", func() bool { return p.srv.Counters().BatchesFlushed == 1 })
	eventually(t, "snapshot", func() bool { return len(p.sink.snapshot()) == 1 })

	if n := p.historyCount(t); n != 1 {
		t.Errorf("history rows = %d, want 1", n)
	}
	hist, err := p.db.GetHistory(context.Background(), "E1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].DeviceID != "DEV1" || hist[0].Latitude != 41.0 {
		t.Errorf("history = %+v", hist)
	}

	got := p.sink.snapshot()[0]
	if got.ID != "E1" || got.Latitude == nil || *got.Latitude != 41.0 || *got.Speed != 40 {
		t.Errorf("snapshot = %+v", got)
	}

	c := p.srv.Counters()
	if c.MessagesProcessed != 2 {
		t.Errorf("messages = %d, want 2", c.MessagesProcessed)
	}
	if c.RecordsDropped != 1 {
		t.Errorf("dropped = %d, want 1", c.RecordsDropped)
	}
	if got := testutil.ToFloat64(metrics.ResolutionDropped) - droppedBefore; got != 1 {
		t.Errorf("resolution drops = %v, want 1", got)
	}

	var misses []string
	for _, line := range strings.Split(logs.String(), "\n") {
		if strings.Contains(line, "Unknown device") {
			misses = append(misses, line)
		}
	}
	if len(misses) != 1 {
		t.Fatalf("unknown device warnings = %d, want 1:\n%s", len(misses), logs.String())
	}
	if !strings.Contains(misses[0], `"device_id":"DEV2"`) || !strings.Contains(misses[0], `"level":"warn"`) {
		t.Errorf("warning = %s, want a warn for DEV2", misses[0])
	}
}

// deviceClockParser stamps every record with the same time, as a parser
// using a coarse device clock would.
type deviceClockParser struct {
	at time.Time
}

func (p deviceClockParser) Parse(line string, _ time.Time) (models.LocationRecord, error) {
	return telemetry.CSVParser{}.Parse(line, p.at)
}

func TestServerSameTimestampKeepsEveryHistoryRow(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := newPipelineWith(t, testConfig(), []Option{WithParser(deviceClockParser{at: at})},
		models.Vehicle{ID: "E1", DeviceID: "DEV1", Name: "Truck 1", Active: true},
	)
	p.start(t)

	conn := p.dial(t)
	// Two batches of two records, all stamped with the same time.
	write(t, conn, "DEV1,1,1,10\nDEV1,2,2,20\n")
	eventually(t, "first batch", func() bool { return p.srv.Counters().BatchesFlushed == 1 })
	write(t, conn, "DEV1,3,3,30\nDEV1,4,4,40\n")

	eventually(t, "four history rows", func() bool { return p.historyCount(t) == 4 })

	hist, err := p.db.GetHistory(context.Background(), "E1", 10)
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[float64]bool)
	for _, h := range hist {
		seen[h.Latitude] = true
	}
	for _, lat := range []float64{1, 2, 3, 4} {
		if !seen[lat] {
			t.Errorf("missing history row with latitude %v: %+v", lat, hist)
		}
	}
}

func TestServerFragmentedStream(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchSize = 10
	p := newPipeline(t, cfg,
		models.Vehicle{ID: "E1", DeviceID: "DEV1", Name: "Truck 1", Active: true},
	)
	p.start(t)

	conn := p.dial(t)
	for _, chunk := range []string{"DEV", "1,52.", "5,13.4,", "12\r\n\n", "DEV1,52.6,13.5,0\n"} {
		write(t, conn, chunk)
		time.Sleep(5 * time.Millisecond)
	}

	eventually(t, "two history rows", func() bool { return p.historyCount(t) == 2 })

	vehicles, err := p.db.GetEntitiesByIDs(context.Background(), []string{"E1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vehicles) != 1 || *vehicles[0].Latitude != 52.6 {
		t.Errorf("latest location = %+v", vehicles)
	}
	if got := p.srv.Counters().MessagesProcessed; got != 2 {
		t.Errorf("messages = %d, want 2", got)
	}
}

func TestServerParseFailuresDoNotEndSession(t *testing.T) {
	p := newPipeline(t, testConfig(),
		models.Vehicle{ID: "E1", DeviceID: "DEV1", Name: "Truck 1", Active: true},
	)
	p.start(t)

	conn := p.dial(t)
	write(t, conn, "garbage\nDEV1,abc,1,1\n,1,2,3\n")
	write(t, conn, "DEV1,1,2,3\n")

	eventually(t, "history row", func() bool { return p.historyCount(t) == 1 })

	c := p.srv.Counters()
	if c.ParseFailures != 3 {
		t.Errorf("parse failures = %d, want 3", c.ParseFailures)
	}
	if c.ConnectionsActive != 1 {
		t.Errorf("active = %d, want 1", c.ConnectionsActive)
	}
}

func TestServerOversizedMessage(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageBytes = 32
	p := newPipeline(t, cfg,
		models.Vehicle{ID: "E1", DeviceID: "DEV1", Name: "Truck 1", Active: true},
	)
	p.start(t)

	conn := p.dial(t)
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'x'
	}
	write(t, conn, string(long))
	write(t, conn, "\nDEV1,1,2,3\n")

	eventually(t, "history row", func() bool { return p.historyCount(t) == 1 })
	if got := p.srv.Counters().ParseFailures; got != 1 {
		t.Errorf("parse failures = %d, want 1", got)
	}
}

func TestServerConnectionCounters(t *testing.T) {
	p := newPipeline(t, testConfig())
	p.start(t)

	a := p.dial(t)
	b := p.dial(t)
	eventually(t, "two active", func() bool { return p.srv.Counters().ConnectionsActive == 2 })

	_ = a.Close()
	_ = b.Close()
	eventually(t, "zero active", func() bool { return p.srv.Counters().ConnectionsActive == 0 })

	if got := p.srv.Counters().ConnectionsAccepted; got != 2 {
		t.Errorf("accepted = %d, want 2", got)
	}
}

func TestServerReadTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ReadTimeout = 50 * time.Millisecond
	p := newPipeline(t, cfg)
	p.start(t)

	conn := p.dial(t)
	eventually(t, "session", func() bool { return p.srv.Counters().ConnectionsAccepted == 1 })
	eventually(t, "idle close", func() bool { return p.srv.Counters().ConnectionsActive == 0 })

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected the server to close the idle connection")
	}
}

func TestServerStopFlushesPendingBatch(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchSize = 100
	cfg.MaxBatchDelay = time.Minute
	cfg.PollInterval = time.Minute
	p := newPipeline(t, cfg,
		models.Vehicle{ID: "E1", DeviceID: "DEV1", Name: "Truck 1", Active: true},
	)
	if err := p.srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	conn := p.dial(t)
	write(t, conn, "DEV1,1,2,3\n")

	// Wait until the record has left the queue and sits in the open batch.
	eventually(t, "dequeued", func() bool {
		st := p.srv.Stats().Batching
		return st.Received == 1 && st.Queued == 0
	})

	if err := p.srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if n := p.historyCount(t); n != 1 {
		t.Errorf("history rows after stop = %d, want 1", n)
	}
	if st := p.srv.Stats(); st.Batching.ByReason["stop"] != 1 {
		t.Errorf("stop flushes = %v", st.Batching.ByReason)
	}
	if got := p.srv.Counters().ConnectionsActive; got != 0 {
		t.Errorf("active after stop = %d", got)
	}
}

type failingStore struct{}

func (failingStore) EnsureSchema(context.Context) error { return errors.New("disk full") }
func (failingStore) GetEntitiesByIDs(context.Context, []string) ([]models.Vehicle, error) {
	return nil, nil
}

type stubResolver struct {
	resolved []models.ResolvedUpdate
	dropped  int
}

func (stubResolver) Initialize(context.Context) error { return nil }
func (r stubResolver) ResolveBatch(context.Context, []models.LocationRecord) ([]models.ResolvedUpdate, int) {
	return r.resolved, r.dropped
}

type stubPersister struct {
	err   error
	calls int
}

func (p *stubPersister) Persist(_ context.Context, batch []models.ResolvedUpdate) (int, error) {
	p.calls++
	if p.err != nil {
		return 0, p.err
	}
	return len(batch), nil
}

func TestServerStartFailure(t *testing.T) {
	srv := New(testConfig(), failingStore{}, stubResolver{}, &stubPersister{})
	err := srv.Start(context.Background())
	if err == nil {
		t.Fatal("Start() should fail")
	}
	if srv.State() != StateStopped {
		t.Errorf("state = %s, want stopped", srv.State())
	}
	if srv.Addr() != nil {
		t.Error("listener should not be bound after a failed start")
	}
}

func TestHandleBatch(t *testing.T) {
	update := models.ResolvedUpdate{EntityID: "E1", LocationRecord: models.LocationRecord{DeviceID: "DEV1"}}

	t.Run("persist failure drops batch", func(t *testing.T) {
		pers := &stubPersister{err: errors.New("db down")}
		srv := New(testConfig(), failingStore{}, stubResolver{resolved: []models.ResolvedUpdate{update, update}}, pers)

		err := srv.handleBatch(context.Background(), make([]models.LocationRecord, 2))
		if err == nil {
			t.Fatal("expected error")
		}
		if got := srv.Counters().RecordsDropped; got != 2 {
			t.Errorf("dropped = %d, want 2", got)
		}
	})

	t.Run("nothing resolved skips persist", func(t *testing.T) {
		pers := &stubPersister{}
		srv := New(testConfig(), failingStore{}, stubResolver{dropped: 3}, pers)

		if err := srv.handleBatch(context.Background(), make([]models.LocationRecord, 3)); err != nil {
			t.Fatal(err)
		}
		if pers.calls != 0 {
			t.Errorf("persist calls = %d, want 0", pers.calls)
		}
		if got := srv.Counters().RecordsDropped; got != 3 {
			t.Errorf("dropped = %d, want 3", got)
		}
	})
}

func TestEntityIDs(t *testing.T) {
	updates := []models.ResolvedUpdate{{EntityID: "B"}, {EntityID: "A"}, {EntityID: "B"}}
	got := entityIDs(updates)
	if len(got) != 2 || got[0] != "B" || got[1] != "A" {
		t.Errorf("entityIDs() = %v", got)
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[State]string{
		StateCreated: "created", StateStarting: "starting", StateRunning: "running",
		StateStopping: "stopping", StateStopped: "stopped", State(42): "unknown",
	} {
		if st.String() != want {
			t.Errorf("%d.String() = %q, want %q", st, st.String(), want)
		}
	}
}
