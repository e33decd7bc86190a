// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package retry

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/tomtom215/fleetpulse/internal/config"
)

// Policies groups the three policy classes.
type Policies struct {
	General     *Policy
	Persistence *Policy
	Network     *Policy
}

// NewPolicies builds the policy set from configuration.
func NewPolicies(cfg config.RetryConfig) *Policies {
	return &Policies{
		General:     New("general", cfg.General, nil),
		Persistence: New("persistence", cfg.Persistence, nil),
		Network:     New("network", cfg.Network, IsTransientNetworkError),
	}
}

// IsTransientNetworkError reports connection-level failures and timeouts.
func IsTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}

	// syscall.Errno satisfies net.Error, so it is classified first.
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED,
			syscall.EPIPE, syscall.ETIMEDOUT:
			return true
		}
		return errno.Timeout()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}
