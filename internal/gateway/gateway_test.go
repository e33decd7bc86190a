// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package gateway

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	json "github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/fleetpulse/internal/config"
	"github.com/tomtom215/fleetpulse/internal/logging"
	"github.com/tomtom215/fleetpulse/internal/metrics"
	"github.com/tomtom215/fleetpulse/internal/models"
	"github.com/tomtom215/fleetpulse/internal/retry"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

func testConfig() config.GatewayConfig {
	return config.GatewayConfig{
		Enabled:             true,
		Subject:             "fleet.locations",
		PublishTimeout:      time.Second,
		BreakerMaxRequests:  1,
		BreakerTimeout:      time.Minute,
		BreakerFailureRatio: 0.5,
		BreakerMinRequests:  2,
	}
}

func networkPolicy(attempts int) *retry.Policy {
	return retry.New("network", config.RetryPolicyConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1,
		Shape:           retry.ShapeLinear,
	}, retry.IsTransientNetworkError)
}

func sampleUpdates() []models.LocationUpdate {
	ts := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	return []models.LocationUpdate{
		{EntityID: "E1", DeviceID: "DEV1", Latitude: 10, Longitude: 20, Speed: 30, Timestamp: ts},
		{EntityID: "E2", DeviceID: "DEV2", Latitude: 40, Longitude: 50, Speed: 60, Timestamp: ts},
	}
}

// scriptedPublisher fails with the queued errors before succeeding.
type scriptedPublisher struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	closed bool
	msgs   []*message.Message
}

func (p *scriptedPublisher) Publish(_ string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return err
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *scriptedPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestForwardBatchGoChannel(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	received, err := pubsub.Subscribe(ctx, "fleet.locations")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	g := New(pubsub, testConfig(), networkPolicy(3))
	updates := sampleUpdates()
	if err := g.ForwardBatch(ctx, updates); err != nil {
		t.Fatalf("ForwardBatch() error = %v", err)
	}

	for i, want := range updates {
		select {
		case msg := <-received:
			var p Payload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			if p.EntityID != want.EntityID || p.Latitude != want.Latitude || !p.Timestamp.Equal(want.Timestamp) {
				t.Errorf("message %d = %+v, want %+v", i, p, want)
			}
			if msg.UUID != want.HistoryID().String() {
				t.Errorf("message id = %s, want deterministic history id", msg.UUID)
			}
			if msg.Metadata.Get(natsgo.MsgIdHdr) != msg.UUID {
				t.Error("dedupe header not set")
			}
			msg.Ack()
		case <-ctx.Done():
			t.Fatalf("message %d not received", i)
		}
	}
}

func TestForwardSingle(t *testing.T) {
	pub := &scriptedPublisher{}
	g := New(pub, testConfig(), networkPolicy(1))
	if err := g.Forward(context.Background(), sampleUpdates()[0]); err != nil {
		t.Fatal(err)
	}
	if len(pub.msgs) != 1 || pub.msgs[0].Metadata.Get("entity_id") != "E1" {
		t.Errorf("published = %v", pub.msgs)
	}
	if err := g.ForwardBatch(context.Background(), nil); err != nil {
		t.Errorf("empty batch should be a no-op, got %v", err)
	}
}

func TestForwardRetriesTransientErrors(t *testing.T) {
	pub := &scriptedPublisher{errs: []error{natsgo.ErrTimeout, natsgo.ErrConnectionReconnecting}}
	cfg := testConfig()
	cfg.BreakerMinRequests = 10
	g := New(pub, cfg, networkPolicy(3))

	before := testutil.ToFloat64(metrics.GatewayForwards.WithLabelValues(ResultSuccess))
	if err := g.ForwardBatch(context.Background(), sampleUpdates()); err != nil {
		t.Fatalf("ForwardBatch() error = %v", err)
	}
	if pub.calls != 3 {
		t.Errorf("publish calls = %d, want 3", pub.calls)
	}
	if got := testutil.ToFloat64(metrics.GatewayForwards.WithLabelValues(ResultSuccess)) - before; got != 2 {
		t.Errorf("success forwards delta = %v, want 2", got)
	}
}

func TestForwardDoesNotRetryPermanentErrors(t *testing.T) {
	pub := &scriptedPublisher{errs: []error{errors.New("invalid subject")}}
	g := New(pub, testConfig(), networkPolicy(3))

	if err := g.ForwardBatch(context.Background(), sampleUpdates()); err == nil {
		t.Fatal("expected error")
	}
	if pub.calls != 1 {
		t.Errorf("publish calls = %d, want 1", pub.calls)
	}
}

func TestCircuitBreakerOpens(t *testing.T) {
	boom := errors.New("invalid subject")
	pub := &scriptedPublisher{errs: []error{boom, boom, boom}}
	g := New(pub, testConfig(), networkPolicy(1))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := g.ForwardBatch(ctx, sampleUpdates()); !errors.Is(err, boom) {
			t.Fatalf("forward %d error = %v, want publish error", i, err)
		}
	}
	if got := g.BreakerState(); got != gobreaker.StateOpen.String() {
		t.Fatalf("breaker state = %s, want open", got)
	}

	before := testutil.ToFloat64(metrics.GatewayForwards.WithLabelValues(ResultCircuitOpen))
	err := g.ForwardBatch(ctx, sampleUpdates())
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("error = %v, want ErrOpenState", err)
	}
	if pub.calls != 2 {
		t.Errorf("publish calls = %d, open breaker must short-circuit", pub.calls)
	}
	if got := testutil.ToFloat64(metrics.GatewayForwards.WithLabelValues(ResultCircuitOpen)) - before; got != 2 {
		t.Errorf("circuit_open delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("gateway")); got != float64(gobreaker.StateOpen) {
		t.Errorf("breaker gauge = %v, want open", got)
	}
}

func TestClose(t *testing.T) {
	pub := &scriptedPublisher{}
	g := New(pub, testConfig(), networkPolicy(1))
	if err := g.Close(); err != nil {
		t.Fatal(err)
	}
	if err := g.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if !pub.closed {
		t.Error("publisher not closed")
	}
	if err := g.ForwardBatch(context.Background(), sampleUpdates()); !errors.Is(err, ErrClosed) {
		t.Errorf("ForwardBatch after Close = %v, want ErrClosed", err)
	}
}

func TestStreamName(t *testing.T) {
	tests := map[string]string{
		"fleet.locations": "FLEET_LOCATIONS",
		"fleet.*":         "FLEET_ALL",
		"fleet.>":         "FLEET_REST",
		"vehicles":        "VEHICLES",
	}
	for in, want := range tests {
		if got := StreamName(in); got != want {
			t.Errorf("StreamName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsRetryablePublishError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{natsgo.ErrTimeout, true},
		{natsgo.ErrNoServers, true},
		{natsgo.ErrConnectionClosed, true},
		{io.ErrUnexpectedEOF, true},
		{errors.New("invalid subject"), false},
	}
	for _, tt := range tests {
		if got := isRetryablePublishError(tt.err); got != tt.want {
			t.Errorf("isRetryablePublishError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
