// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package ingest

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/tomtom215/fleetpulse/internal/batch"
	"github.com/tomtom215/fleetpulse/internal/logging"
	"github.com/tomtom215/fleetpulse/internal/metrics"
	"github.com/tomtom215/fleetpulse/internal/models"
)

const maxAcceptDelay = time.Second

// acceptLoop hands every connection to its own session goroutine and
// returns once the listener is closed.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, agg *batch.Aggregator[models.LocationRecord]) {
	defer s.loops.Done()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient accept failures such as EMFILE back off like net/http.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(delay*2, maxAcceptDelay)
			}
			logging.Warn().Err(err).Dur("retry_in", delay).Msg("Accept failed")
			sleepCtx(ctx, delay)
			continue
		}
		delay = 0

		if !s.trackConn(conn) {
			_ = conn.Close()
			continue
		}
		s.accepted.Add(1)
		s.active.Add(1)
		metrics.RecordConnectionOpened()

		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			defer s.untrackConn(conn)
			newSession(s, conn, agg).run(ctx)
		}()
	}
}

// trackConn registers conn so Stop can close it. It refuses connections
// accepted after Stop began.
func (s *Server) trackConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateRunning && s.State() != StateStarting {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// closeConns closes every open device connection, which unblocks the
// session reads.
func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}
