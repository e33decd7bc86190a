// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package gateway

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func startEmbedded(t *testing.T, jetStream bool) *EmbeddedServer {
	t.Helper()
	opts := EmbeddedOptions{Host: "127.0.0.1", Port: -1, JetStream: jetStream}
	if jetStream {
		opts.StoreDir = t.TempDir()
	}
	srv, err := StartEmbeddedServer(opts)
	if err != nil {
		t.Fatalf("StartEmbeddedServer() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func TestEmbeddedServerCoreNATS(t *testing.T) {
	srv := startEmbedded(t, false)
	if !srv.Running() {
		t.Fatal("server not running")
	}

	nc, err := natsgo.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync("fleet.locations")
	if err != nil {
		t.Fatal(err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	pub, err := NewNATSPublisher(srv.ClientURL(), cfg)
	if err != nil {
		t.Fatalf("NewNATSPublisher() error = %v", err)
	}
	g := New(pub, cfg, networkPolicy(3))
	defer g.Close()

	updates := sampleUpdates()
	if err := g.ForwardBatch(context.Background(), updates); err != nil {
		t.Fatalf("ForwardBatch() error = %v", err)
	}

	for i := range updates {
		msg, err := sub.NextMsg(5 * time.Second)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		var p Payload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.EntityID != updates[i].EntityID {
			t.Errorf("message %d entity = %s, want %s", i, p.EntityID, updates[i].EntityID)
		}
	}
}

func TestEmbeddedServerJetStreamDeduplicates(t *testing.T) {
	srv := startEmbedded(t, true)

	cfg := testConfig()
	cfg.JetStream = true
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := EnsureStream(ctx, srv.ClientURL(), cfg); err != nil {
		t.Fatalf("EnsureStream() error = %v", err)
	}
	// A second call updates the existing stream.
	if err := EnsureStream(ctx, srv.ClientURL(), cfg); err != nil {
		t.Fatalf("second EnsureStream() error = %v", err)
	}

	pub, err := NewNATSPublisher(srv.ClientURL(), cfg)
	if err != nil {
		t.Fatalf("NewNATSPublisher() error = %v", err)
	}
	g := New(pub, cfg, networkPolicy(3))
	defer g.Close()

	updates := sampleUpdates()
	for i := 0; i < 2; i++ {
		if err := g.ForwardBatch(ctx, updates); err != nil {
			t.Fatalf("ForwardBatch() #%d error = %v", i, err)
		}
	}

	nc, err := natsgo.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatal(err)
	}
	stream, err := js.Stream(ctx, StreamName(cfg.Subject))
	if err != nil {
		t.Fatalf("stream lookup: %v", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.State.Msgs != uint64(len(updates)) {
		t.Errorf("stream holds %d messages, want %d after a replayed batch", info.State.Msgs, len(updates))
	}
}
