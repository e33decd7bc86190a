// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

// Package batch provides a generic bounded queue that groups items into
// batches and hands each batch to a handler.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/fleetpulse/internal/logging"
	"github.com/tomtom215/fleetpulse/internal/metrics"
)

// ErrStopped is returned by Add once Stop has been called.
var ErrStopped = errors.New("batch aggregator stopped")

// Handler processes one flushed batch. The batch slice is owned by the
// handler; the aggregator keeps no reference to it.
type Handler[T any] func(ctx context.Context, batch []T) error

// Config controls batching.
type Config struct {
	// MaxBatchSize flushes a batch as soon as it holds this many items.
	MaxBatchSize int

	// MaxBatchDelay flushes a batch this long after its first item arrived.
	MaxBatchDelay time.Duration

	// PollInterval flushes a non-empty batch when no new item arrives
	// within it. Values above MaxBatchDelay behave like MaxBatchDelay.
	PollInterval time.Duration

	// QueueCapacity bounds the number of items waiting to be batched.
	QueueCapacity int

	// FlushTimeout bounds each handler invocation.
	FlushTimeout time.Duration
}

func (c Config) validate() error {
	switch {
	case c.MaxBatchSize <= 0:
		return fmt.Errorf("max batch size must be positive")
	case c.MaxBatchDelay <= 0:
		return fmt.Errorf("max batch delay must be positive")
	case c.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive")
	case c.QueueCapacity <= 0:
		return fmt.Errorf("queue capacity must be positive")
	case c.FlushTimeout <= 0:
		return fmt.Errorf("flush timeout must be positive")
	}
	return nil
}

// Stats is a snapshot of aggregator counters.
type Stats struct {
	Received      int64            `json:"received"`
	Flushed       int64            `json:"flushed"`
	Batches       int64            `json:"batches"`
	ByReason      map[string]int64 `json:"by_reason"`
	HandlerErrors int64            `json:"handler_errors"`
	Dropped       int64            `json:"dropped"`
	Queued        int              `json:"queued"`
	LastFlush     time.Time        `json:"last_flush"`
}

var reasons = [...]string{metrics.FlushReasonSize, metrics.FlushReasonDelay, metrics.FlushReasonIdle, metrics.FlushReasonStop}

// Aggregator batches items added concurrently by many producers. A single
// goroutine forms batches and invokes the handler, so flushes never overlap.
type Aggregator[T any] struct {
	cfg     Config
	handler Handler[T]
	queue   chan T

	// gate is held shared by Add from the stopped check until the item is
	// enqueued, and exclusively by Stop while it drains the queue, so no
	// item can land in the queue after the final drain.
	gate     sync.RWMutex
	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	// flushBase parents every flush context; abortFlush cancels the
	// in-flight handler when Stop gives up waiting for it.
	flushBase  context.Context
	abortFlush context.CancelFunc

	received      atomic.Int64
	flushed       atomic.Int64
	handlerErrors atomic.Int64
	dropped       atomic.Int64
	byReason      [len(reasons)]atomic.Int64
	lastFlush     atomic.Int64 // unix nanos
}

// New creates an aggregator. Start must be called before items are batched.
func New[T any](cfg Config, handler Handler[T]) (*Aggregator[T], error) {
	if handler == nil {
		return nil, fmt.Errorf("batch handler required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.PollInterval > cfg.MaxBatchDelay {
		cfg.PollInterval = cfg.MaxBatchDelay
	}
	flushBase, abortFlush := context.WithCancel(context.Background())
	return &Aggregator[T]{
		cfg:        cfg,
		handler:    handler,
		queue:      make(chan T, cfg.QueueCapacity),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		flushBase:  flushBase,
		abortFlush: abortFlush,
	}, nil
}

// Start launches the batching goroutine. Canceling ctx stops batching the
// same way Stop does, without the bounded wait.
func (a *Aggregator[T]) Start(ctx context.Context) error {
	if a.stopped.Load() {
		return ErrStopped
	}
	if a.started.Swap(true) {
		return fmt.Errorf("batch aggregator already started")
	}
	go a.loop(ctx)
	return nil
}

// Add enqueues item. It blocks only while the queue is full, returning
// ctx.Err() if ctx ends first and ErrStopped if Stop is called meanwhile.
func (a *Aggregator[T]) Add(ctx context.Context, item T) error {
	a.gate.RLock()
	defer a.gate.RUnlock()

	if a.stopped.Load() {
		return ErrStopped
	}

	select {
	case a.queue <- item:
		a.received.Add(1)
		return nil
	default:
	}

	logging.Debug().Int("capacity", a.cfg.QueueCapacity).Msg("Batch queue full, producer waiting")
	select {
	case a.queue <- item:
		a.received.Add(1)
		return nil
	case <-a.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects further Add calls, flushes the batch being formed and waits
// until the in-flight handler returns or ctx ends. If ctx ends first the
// handler's context is canceled. Items still queued behind that batch are
// discarded and counted. Stop is idempotent.
func (a *Aggregator[T]) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.stopped.Store(true)
		close(a.stopCh)
	})

	if a.started.Load() {
		select {
		case <-a.done:
		case <-ctx.Done():
			a.abortFlush()
			return fmt.Errorf("batch aggregator stop: %w", ctx.Err())
		}
	}
	a.abortFlush()

	// Blocked producers were released by stopCh; wait for in-flight Adds.
	a.gate.Lock()
	n := a.discardQueued()
	a.gate.Unlock()
	if n > 0 {
		logging.Warn().Int("dropped", n).Msg("Discarded queued records on stop")
	}
	return nil
}

// Done is closed when the batching goroutine has exited.
func (a *Aggregator[T]) Done() <-chan struct{} {
	return a.done
}

// Stats returns current counters.
func (a *Aggregator[T]) Stats() Stats {
	s := Stats{
		Received:      a.received.Load(),
		Flushed:       a.flushed.Load(),
		HandlerErrors: a.handlerErrors.Load(),
		Dropped:       a.dropped.Load(),
		Queued:        len(a.queue),
		ByReason:      make(map[string]int64, len(reasons)),
	}
	for i, r := range reasons {
		n := a.byReason[i].Load()
		s.ByReason[r] = n
		s.Batches += n
	}
	if ns := a.lastFlush.Load(); ns > 0 {
		s.LastFlush = time.Unix(0, ns)
	}
	return s
}

func (a *Aggregator[T]) loop(ctx context.Context) {
	defer close(a.done)

	timer := time.NewTimer(a.cfg.MaxBatchDelay)
	timer.Stop()

	for {
		// Stop takes priority over queued items.
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		var first T
		select {
		case first = <-a.queue:
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}

		batch := make([]T, 1, a.cfg.MaxBatchSize)
		batch[0] = first
		batch, reason := a.fill(ctx, timer, batch)

		a.flush(batch, reason)
		if reason == metrics.FlushReasonStop {
			return
		}
	}
}

// fill dequeues into batch until a flush condition holds.
func (a *Aggregator[T]) fill(ctx context.Context, timer *time.Timer, batch []T) ([]T, string) {
	openedAt := time.Now()

	for {
		if len(batch) >= a.cfg.MaxBatchSize {
			return batch, metrics.FlushReasonSize
		}
		select {
		case <-a.stopCh:
			return batch, metrics.FlushReasonStop
		case <-ctx.Done():
			return batch, metrics.FlushReasonStop
		default:
		}
		remaining := a.cfg.MaxBatchDelay - time.Since(openedAt)
		if remaining <= 0 {
			return batch, metrics.FlushReasonDelay
		}

		wait, onTimeout := a.cfg.PollInterval, metrics.FlushReasonIdle
		if remaining <= wait {
			wait, onTimeout = remaining, metrics.FlushReasonDelay
		}
		timer.Reset(wait)

		select {
		case item := <-a.queue:
			timer.Stop()
			batch = append(batch, item)
		case <-timer.C:
			return batch, onTimeout
		case <-a.stopCh:
			timer.Stop()
			return batch, metrics.FlushReasonStop
		case <-ctx.Done():
			timer.Stop()
			return batch, metrics.FlushReasonStop
		}
	}
}

func (a *Aggregator[T]) flush(batch []T, reason string) {
	batchID := logging.GenerateID()
	ctx, cancel := context.WithTimeout(a.flushBase, a.cfg.FlushTimeout)
	defer cancel()
	ctx = logging.ContextWithBatchID(ctx, batchID)

	logging.Ctx(ctx).Debug().
		Int("size", len(batch)).
		Str("reason", reason).
		Msg("Flushing batch")

	start := time.Now()
	err := a.invoke(ctx, batch)
	elapsed := time.Since(start)

	metrics.RecordBatchFlush(reason, len(batch), elapsed, err)
	for i, r := range reasons {
		if r == reason {
			a.byReason[i].Add(1)
		}
	}
	a.flushed.Add(int64(len(batch)))
	a.lastFlush.Store(time.Now().UnixNano())

	if err != nil {
		a.handlerErrors.Add(1)
		logging.Ctx(ctx).Error().
			Err(err).
			Int("size", len(batch)).
			Str("reason", reason).
			Dur("elapsed", elapsed).
			Msg("Batch handler failed")
	}
}

// invoke calls the handler, converting a panic into an error.
func (a *Aggregator[T]) invoke(ctx context.Context, batch []T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch handler panic: %v", r)
		}
	}()
	return a.handler(ctx, batch)
}

func (a *Aggregator[T]) discardQueued() int {
	n := 0
	for {
		select {
		case <-a.queue:
			n++
		default:
			a.dropped.Add(int64(n))
			metrics.QueueDropped.Add(float64(n))
			return n
		}
	}
}
