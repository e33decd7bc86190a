// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

// Package retry runs blocking operations under bounded retry policies.
//
// Three policy classes are configured per process:
//
//   - general: store lookups and cache refreshes (3 attempts, delay x2)
//   - persistence: bulk writes (5 attempts, delay x1.5)
//   - network: gateway publishes (3 attempts, linear delay, connection
//     errors and timeouts only)
//
// Context cancellation is never retried. Errors wrapped with Permanent are
// returned immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tomtom215/fleetpulse/internal/config"
	"github.com/tomtom215/fleetpulse/internal/logging"
	"github.com/tomtom215/fleetpulse/internal/metrics"
)

// Shapes of the inter-attempt delay curve.
const (
	ShapeExponential = "exponential"
	ShapeLinear      = "linear"
)

// Observer is called before each wait with the 1-based number of the attempt
// that just failed, the delay about to be slept and the failure.
type Observer func(attempt int, delay time.Duration, err error)

// Classifier reports whether err may succeed on another attempt.
type Classifier func(err error) bool

// Policy is an immutable retry configuration. The With* methods return
// modified copies.
type Policy struct {
	name       string
	cfg        config.RetryPolicyConfig
	classifier Classifier
	observer   Observer
}

// New creates a policy from configuration. A nil classifier retries every
// error that is not a cancellation or Permanent.
func New(name string, cfg config.RetryPolicyConfig, classifier Classifier) *Policy {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Shape == "" {
		cfg.Shape = ShapeExponential
	}
	return &Policy{name: name, cfg: cfg, classifier: classifier, observer: logRetry(name)}
}

// Name returns the policy name used in logs and metrics.
func (p *Policy) Name() string { return p.name }

// MaxAttempts returns the total number of attempts, first one included.
func (p *Policy) MaxAttempts() int { return p.cfg.MaxAttempts }

// WithObserver returns a copy that calls obs in addition to the default log line.
func (p *Policy) WithObserver(obs Observer) *Policy {
	cp := *p
	base := p.observer
	cp.observer = func(attempt int, delay time.Duration, err error) {
		base(attempt, delay, err)
		obs(attempt, delay, err)
	}
	return &cp
}

// WithClassifier returns a copy that retries only errors accepted by c.
func (p *Policy) WithClassifier(c Classifier) *Policy {
	cp := *p
	cp.classifier = c
	return &cp
}

// Do runs op until it succeeds, fails with a non-retryable error, the
// attempts are exhausted or ctx is done. The last error is returned.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !p.retryable(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(p.cfg.MaxAttempts-1)), ctx)
	notify := func(err error, delay time.Duration) {
		metrics.RetryAttempts.WithLabelValues(p.name).Inc()
		p.observer(attempt, delay, err)
	}

	err := backoff.RetryNotify(operation, b, notify)
	if err == nil {
		return nil
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		err = pe.err
	}
	if attempt > 1 {
		return fmt.Errorf("%s retry: giving up after %d attempts: %w", p.name, attempt, err)
	}
	return err
}

func (p *Policy) retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	if p.classifier != nil {
		return p.classifier(err)
	}
	return true
}

func (p *Policy) backOff() backoff.BackOff {
	if p.cfg.Shape == ShapeLinear {
		return &linearBackOff{step: p.cfg.InitialInterval, max: p.cfg.MaxInterval}
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.InitialInterval
	eb.MaxInterval = p.cfg.MaxInterval
	eb.Multiplier = p.cfg.Multiplier
	eb.RandomizationFactor = p.cfg.Jitter
	eb.MaxElapsedTime = 0
	return eb
}

// linearBackOff waits step, 2*step, 3*step ... capped at max.
type linearBackOff struct {
	step time.Duration
	max  time.Duration
	n    int64
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	d := l.step * time.Duration(l.n)
	if l.max > 0 && d > l.max {
		return l.max
	}
	return d
}

func (l *linearBackOff) Reset() { l.n = 0 }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. errors.Is and errors.As still
// see the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

func logRetry(name string) Observer {
	return func(attempt int, delay time.Duration, err error) {
		logging.Warn().
			Str("policy", name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("Operation failed, retrying")
	}
}
