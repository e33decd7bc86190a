// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/fleetpulse/internal/batch"
	"github.com/tomtom215/fleetpulse/internal/config"
	"github.com/tomtom215/fleetpulse/internal/logging"
	"github.com/tomtom215/fleetpulse/internal/metrics"
	"github.com/tomtom215/fleetpulse/internal/models"
	"github.com/tomtom215/fleetpulse/internal/telemetry"
)

// ErrNotRunning is returned by Stop when the server is not running.
var ErrNotRunning = errors.New("ingestion server not running")

// Store is the part of the entity store the server uses directly.
type Store interface {
	EnsureSchema(ctx context.Context) error
	GetEntitiesByIDs(ctx context.Context, ids []string) ([]models.Vehicle, error)
}

// Resolver maps device ids to vehicle ids.
type Resolver interface {
	Initialize(ctx context.Context) error
	ResolveBatch(ctx context.Context, records []models.LocationRecord) ([]models.ResolvedUpdate, int)
}

// Persister writes resolved batches.
type Persister interface {
	Persist(ctx context.Context, batch []models.ResolvedUpdate) (int, error)
}

// Sink receives the latest snapshot of every vehicle touched by a batch.
type Sink interface {
	PushSnapshots(vehicles []models.Vehicle)
}

// Option configures a Server.
type Option func(*Server)

// WithParser replaces the default CSV parser.
func WithParser(p telemetry.Parser) Option {
	return func(s *Server) { s.parser = p }
}

// WithSink sets the broadcast sink. Without one, snapshots are not loaded.
func WithSink(sink Sink) Option {
	return func(s *Server) { s.sink = sink }
}

// Stats is a snapshot of server state for the operational API.
type Stats struct {
	State    string           `json:"state"`
	Addr     string           `json:"addr,omitempty"`
	Counters metrics.Counters `json:"counters"`
	Batching batch.Stats      `json:"batching"`
}

// Server accepts device connections and drives the ingestion pipeline.
type Server struct {
	cfg       config.IngestionConfig
	store     Store
	resolver  Resolver
	persister Persister
	sink      Sink
	parser    telemetry.Parser

	state atomic.Int32

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	agg      *batch.Aggregator[models.LocationRecord]
	conns    map[net.Conn]struct{}

	loops    sync.WaitGroup
	sessions sync.WaitGroup

	accepted       atomic.Int64
	active         atomic.Int64
	messages       atomic.Int64
	parseFailures  atomic.Int64
	batchesFlushed atomic.Int64
	dropped        atomic.Int64
}

// New creates a server in the Created state.
func New(cfg config.IngestionConfig, store Store, resolver Resolver, persister Persister, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		resolver:  resolver,
		persister: persister,
		parser:    telemetry.CSVParser{Strict: cfg.StrictCoordinates},
		conns:     make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Addr returns the bound listener address, or nil when not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start prepares the schema, warms the device cache, binds the listener and
// starts the aggregator, accept loop and metrics reporter. On failure the
// server ends in Stopped and the error is returned.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if st := s.State(); st != StateCreated && st != StateStopped {
		return fmt.Errorf("ingestion server cannot start from state %s", st)
	}
	s.state.Store(int32(StateStarting))

	if err := s.start(ctx); err != nil {
		s.state.Store(int32(StateStopped))
		logging.Error().Err(err).Msg("Ingestion server failed to start")
		return err
	}

	s.state.Store(int32(StateRunning))
	logging.Info().
		Str("addr", s.Addr().String()).
		Int("max_batch_size", s.cfg.MaxBatchSize).
		Dur("max_batch_delay", s.cfg.MaxBatchDelay).
		Msg("Ingestion server running")
	return nil
}

func (s *Server) start(ctx context.Context) error {
	if err := s.store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	if err := s.resolver.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize device cache: %w", err)
	}

	agg, err := batch.New(batch.Config{
		MaxBatchSize:  s.cfg.MaxBatchSize,
		MaxBatchDelay: s.cfg.MaxBatchDelay,
		PollInterval:  s.cfg.PollInterval,
		QueueCapacity: s.cfg.QueueCapacity,
		FlushTimeout:  s.cfg.FlushTimeout,
	}, s.handleBatch)
	if err != nil {
		return fmt.Errorf("create aggregator: %w", err)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}

	// The server outlives the Start call; only Stop ends it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := agg.Start(runCtx); err != nil {
		cancel()
		_ = ln.Close()
		return fmt.Errorf("start aggregator: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.agg = agg
	s.mu.Unlock()

	s.loops.Add(2)
	go s.acceptLoop(runCtx, ln, agg)
	go func() {
		defer s.loops.Done()
		metrics.NewReporter(s, metrics.Operations, s.cfg.MetricsInterval).Run(runCtx)
	}()
	return nil
}

// Stop stops accepting, ends all sessions, flushes and stops the
// aggregator within StopTimeout and waits for session goroutines.
func (s *Server) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() != StateRunning {
		return ErrNotRunning
	}
	s.state.Store(int32(StateStopping))
	logging.Info().Msg("Ingestion server stopping")

	s.mu.Lock()
	cancel, ln, agg := s.cancel, s.listener, s.agg
	s.mu.Unlock()

	cancel()
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		logging.Warn().Err(err).Msg("Failed to close listener")
	}
	s.closeConns()

	stopCtx, stopCancel := context.WithTimeout(ctx, s.cfg.StopTimeout)
	defer stopCancel()

	var errs []error
	if err := agg.Stop(stopCtx); err != nil {
		errs = append(errs, err)
	}

	// The accept loop has exited before sessions are awaited, so no
	// session is added during the wait.
	s.loops.Wait()
	if err := waitGroup(stopCtx, &s.sessions); err != nil {
		errs = append(errs, fmt.Errorf("wait for sessions: %w", err))
	}

	s.mu.Lock()
	s.listener = nil
	s.mu.Unlock()

	s.state.Store(int32(StateStopped))
	c := s.Counters()
	logging.Info().
		Int64("connections_accepted", c.ConnectionsAccepted).
		Int64("messages_processed", c.MessagesProcessed).
		Int64("batches_flushed", c.BatchesFlushed).
		Msg("Ingestion server stopped")
	return errors.Join(errs...)
}

// Counters implements metrics.CounterSource.
func (s *Server) Counters() metrics.Counters {
	return metrics.Counters{
		ConnectionsAccepted: s.accepted.Load(),
		ConnectionsActive:   s.active.Load(),
		MessagesProcessed:   s.messages.Load(),
		ParseFailures:       s.parseFailures.Load(),
		BatchesFlushed:      s.batchesFlushed.Load(),
		RecordsDropped:      s.dropped.Load(),
	}
}

// Stats returns a snapshot for the operational API.
func (s *Server) Stats() Stats {
	st := Stats{
		State:    s.State().String(),
		Counters: s.Counters(),
	}
	s.mu.Lock()
	if s.listener != nil {
		st.Addr = s.listener.Addr().String()
	}
	agg := s.agg
	s.mu.Unlock()
	if agg != nil {
		st.Batching = agg.Stats()
	}
	return st
}

// handleBatch is the aggregator handler. It runs on the aggregator
// goroutine, one batch at a time.
func (s *Server) handleBatch(ctx context.Context, records []models.LocationRecord) error {
	s.batchesFlushed.Add(1)

	resolved, dropped := s.resolver.ResolveBatch(ctx, records)
	if dropped > 0 {
		s.dropped.Add(int64(dropped))
	}
	if len(resolved) == 0 {
		logging.Ctx(ctx).Debug().Int("records", len(records)).Msg("No resolvable records in batch")
		return nil
	}

	updated, err := s.persister.Persist(ctx, resolved)
	if err != nil {
		s.dropped.Add(int64(len(resolved)))
		return fmt.Errorf("persist %d updates: %w", len(resolved), err)
	}

	logging.Ctx(ctx).Debug().
		Int("records", len(records)).
		Int("resolved", len(resolved)).
		Int("entities_updated", updated).
		Msg("Batch persisted")

	if s.sink == nil {
		return nil
	}
	vehicles, err := s.store.GetEntitiesByIDs(ctx, entityIDs(resolved))
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("Failed to load snapshots for broadcast")
		return nil
	}
	s.sink.PushSnapshots(vehicles)
	return nil
}

// entityIDs returns the distinct entity ids of updates in first-seen order.
func entityIDs(updates []models.ResolvedUpdate) []string {
	seen := make(map[string]struct{}, len(updates))
	ids := make([]string, 0, len(updates))
	for _, u := range updates {
		if _, ok := seen[u.EntityID]; ok {
			continue
		}
		seen[u.EntityID] = struct{}{}
		ids = append(ids, u.EntityID)
	}
	return ids
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sleepCtx waits d or until ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
