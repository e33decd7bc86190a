// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

// Package gateway forwards persisted location updates to a message
// broker for downstream consumers. Forwarding is best effort.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	json "github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/fleetpulse/internal/config"
	"github.com/tomtom215/fleetpulse/internal/logging"
	"github.com/tomtom215/fleetpulse/internal/metrics"
	"github.com/tomtom215/fleetpulse/internal/models"
	"github.com/tomtom215/fleetpulse/internal/retry"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("gateway closed")

// Forward results used as metric labels.
const (
	ResultSuccess     = "success"
	ResultError       = "error"
	ResultCircuitOpen = "circuit_open"
)

// Payload is the message body published for one location update.
type Payload struct {
	EntityID  string    `json:"entity_id"`
	DeviceID  string    `json:"device_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	Timestamp time.Time `json:"timestamp"`
}

// Gateway publishes location updates through a watermill publisher guarded
// by a circuit breaker. Publish failures are retried with the network
// policy.
type Gateway struct {
	publisher message.Publisher
	subject   string
	timeout   time.Duration
	breaker   *gobreaker.CircuitBreaker[struct{}]
	policy    *retry.Policy

	mu     sync.RWMutex
	closed bool
}

// New wraps publisher. policy is normally the network retry policy.
func New(publisher message.Publisher, cfg config.GatewayConfig, policy *retry.Policy) *Gateway {
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gateway{
		publisher: publisher,
		subject:   cfg.Subject,
		timeout:   timeout,
		breaker:   newBreaker("gateway", cfg),
		policy:    policy.WithClassifier(isRetryablePublishError),
	}
}

// Forward publishes a single update.
func (g *Gateway) Forward(ctx context.Context, update models.LocationUpdate) error {
	return g.ForwardBatch(ctx, []models.LocationUpdate{update})
}

// ForwardBatch publishes one message per update. Message ids are the
// history ids, stable across retries, so a broker with deduplication drops
// replays.
func (g *Gateway) ForwardBatch(ctx context.Context, updates []models.LocationUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	g.mu.RLock()
	closed := g.closed
	g.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	msgs, err := buildMessages(updates)
	if err != nil {
		metrics.RecordGatewayForward(ResultError, len(updates))
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	for _, m := range msgs {
		m.SetContext(ctx)
	}

	err = g.policy.Do(ctx, func(ctx context.Context) error {
		_, err := g.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, g.publisher.Publish(g.subject, msgs...)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return retry.Permanent(err)
		}
		return err
	})

	switch {
	case err == nil:
		metrics.RecordGatewayForward(ResultSuccess, len(updates))
		logging.Ctx(ctx).Debug().Int("messages", len(msgs)).Str("subject", g.subject).Msg("Forwarded batch")
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RecordGatewayForward(ResultCircuitOpen, len(updates))
	default:
		metrics.RecordGatewayForward(ResultError, len(updates))
	}
	return fmt.Errorf("forward %d updates: %w", len(updates), err)
}

// BreakerState reports the circuit breaker state.
func (g *Gateway) BreakerState() string {
	return g.breaker.State().String()
}

// Close closes the publisher. It is idempotent.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	return g.publisher.Close()
}

func buildMessages(updates []models.LocationUpdate) ([]*message.Message, error) {
	msgs := make([]*message.Message, 0, len(updates))
	for _, u := range updates {
		body, err := json.Marshal(Payload{
			EntityID:  u.EntityID,
			DeviceID:  u.DeviceID,
			Latitude:  u.Latitude,
			Longitude: u.Longitude,
			Speed:     u.Speed,
			Timestamp: u.Timestamp.UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("encode update for %s: %w", u.EntityID, err)
		}
		msg := message.NewMessage(u.HistoryID().String(), body)
		msg.Metadata.Set("entity_id", u.EntityID)
		msg.Metadata.Set("device_id", u.DeviceID)
		msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// isRetryablePublishError accepts transport failures and the NATS client
// errors that indicate a lost or slow connection.
func isRetryablePublishError(err error) bool {
	if retry.IsTransientNetworkError(err) {
		return true
	}
	return errors.Is(err, natsgo.ErrTimeout) ||
		errors.Is(err, natsgo.ErrNoServers) ||
		errors.Is(err, natsgo.ErrConnectionClosed) ||
		errors.Is(err, natsgo.ErrConnectionReconnecting) ||
		errors.Is(err, natsgo.ErrNoResponders)
}
