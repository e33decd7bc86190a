// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

// Package persist writes resolved location batches to the entity store.
package persist

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
)

// ErrEmptyBatch is returned by Persist for an empty input.
var ErrEmptyBatch = errors.New("empty batch")

// Writer is the subset of the entity store used for writes.
type Writer interface {
	BulkSetLocation(ctx context.Context, updates []models.LocationUpdate) (int64, error)
	InsertHistory(ctx context.Context, updates []models.LocationUpdate) (int64, error)
}

// Forwarder receives a copy of every persisted batch. Forwarding is best
// effort; its errors never fail persistence.
type Forwarder interface {
	ForwardBatch(ctx context.Context, updates []models.LocationUpdate) error
}

// Option configures a Service.
type Option func(*Service)

// WithForwarder enables downstream forwarding, each call bounded by timeout.
func WithForwarder(f Forwarder, timeout time.Duration) Option {
	return func(s *Service) {
		s.forwarder = f
		if timeout > 0 {
			s.forwardTimeout = timeout
		}
	}
}

// Service persists batches as one retried unit of work.
type Service struct {
	writer         Writer
	policy         *retry.Policy
	forwarder      Forwarder
	forwardTimeout time.Duration

	mu       sync.Mutex
	closed   bool
	forwards sync.WaitGroup
}

// New creates a Service. policy wraps each unit of work.
func New(writer Writer, policy *retry.Policy, opts ...Option) *Service {
	s := &Service{
		writer:         writer,
		policy:         policy,
		forwardTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Persist writes the latest location of every entity in batch and one
// history row per update. Both writes are retried together; they are
// idempotent so a partially applied attempt is safe to repeat. It returns
// the number of entities modified.
func (s *Service) Persist(ctx context.Context, batch []models.ResolvedUpdate) (int, error) {
	if len(batch) == 0 {
		return 0, ErrEmptyBatch
	}

	history := make([]models.LocationUpdate, len(batch))
	for i, u := range batch {
		history[i] = u.Update()
	}
	latest := LatestPerEntity(history)

	var affected int64
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		n, err := s.writer.BulkSetLocation(ctx, latest)
		if err != nil {
			return fmt.Errorf("set locations: %w", err)
		}
		if _, err := s.writer.InsertHistory(ctx, history); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		affected = n
		return nil
	})
	if err != nil {
		metrics.BatchesDropped.Inc()
		return 0, err
	}

	logging.Ctx(ctx).Debug().
		Int("updates", len(batch)).
		Int64("entities", affected).
		Msg("Batch persisted")

	s.forward(ctx, history)
	return int(affected), nil
}

// forward hands updates to the forwarder on a detached goroutine.
func (s *Service) forward(ctx context.Context, updates []models.LocationUpdate) {
	if s.forwarder == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.forwards.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.forwards.Done()
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.forwardTimeout)
		defer cancel()
		if err := s.forwarder.ForwardBatch(fctx, updates); err != nil {
			logging.Ctx(fctx).Warn().
				Err(err).
				Int("updates", len(updates)).
				Msg("Gateway forward failed")
		}
	}()
}

// Close stops new forwards and waits for in-flight ones until ctx ends.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.forwards.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for gateway forwards: %w", ctx.Err())
	}
}

// LatestPerEntity keeps the last update of each entity in input order of
// first appearance.
func LatestPerEntity(updates []models.LocationUpdate) []models.LocationUpdate {
	index := make(map[string]int, len(updates))
	out := make([]models.LocationUpdate, 0, len(updates))
	for _, u := range updates {
		if i, ok := index[u.EntityID]; ok {
			out[i] = u
			continue
		}
		index[u.EntityID] = len(out)
		out = append(out, u)
	}
	return out
}
