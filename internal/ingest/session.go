// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package ingest

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tomtom215/fleetpulse/internal/batch"
	"github.com/tomtom215/fleetpulse/internal/logging"
	"github.com/tomtom215/fleetpulse/internal/metrics"
	"github.com/tomtom215/fleetpulse/internal/models"
	"github.com/tomtom215/fleetpulse/internal/telemetry"
)

// session owns one device connection. Its buffer and framer are never
// shared with another goroutine.
type session struct {
	srv     *Server
	conn    net.Conn
	agg     *batch.Aggregator[models.LocationRecord]
	framer  *telemetry.LineFramer
	buf     []byte
	warnLim *rate.Limiter
}

func newSession(srv *Server, conn net.Conn, agg *batch.Aggregator[models.LocationRecord]) *session {
	limit := rate.Inf
	if srv.cfg.ParseErrorLogRate > 0 {
		limit = rate.Limit(srv.cfg.ParseErrorLogRate)
	}
	return &session{
		srv:     srv,
		conn:    conn,
		agg:     agg,
		framer:  telemetry.NewLineFramer(srv.cfg.MaxMessageBytes),
		buf:     make([]byte, srv.cfg.ReadBufferSize),
		warnLim: rate.NewLimiter(limit, 1),
	}
}

func (s *session) run(ctx context.Context) {
	ctx = logging.ContextWithSessionID(ctx, logging.GenerateID())
	ctx = logging.ContextWithRemoteAddr(ctx, s.conn.RemoteAddr().String())
	log := logging.Ctx(ctx)

	defer func() {
		_ = s.conn.Close()
		s.srv.active.Add(-1)
		metrics.RecordConnectionClosed()
		if n := s.framer.Pending(); n > 0 {
			log.Debug().Int("bytes", n).Msg("Discarding unterminated fragment")
		}
	}()

	log.Debug().Msg("Device connected")

	for {
		if s.srv.cfg.ReadTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.ReadTimeout)); err != nil {
				log.Warn().Err(err).Msg("Failed to set read deadline")
				return
			}
		}

		n, err := s.conn.Read(s.buf)
		if n > 0 && !s.consume(ctx, s.buf[:n]) {
			return
		}
		if err != nil {
			s.logReadEnd(ctx, err)
			return
		}
	}
}

// consume frames chunk and submits every complete message. It reports
// false when the aggregator no longer accepts records.
func (s *session) consume(ctx context.Context, chunk []byte) bool {
	msgs, discarded := s.framer.Feed(chunk)
	for i := 0; i < discarded; i++ {
		s.srv.parseFailures.Add(1)
		metrics.RecordParseFailure(telemetry.ReasonOversized)
		if s.warnLim.Allow() {
			logging.Ctx(ctx).Warn().Int("max_bytes", s.srv.cfg.MaxMessageBytes).Msg("Discarded oversized message")
		}
	}

	for _, msg := range msgs {
		if !s.process(ctx, msg) {
			return false
		}
	}
	return true
}

func (s *session) process(ctx context.Context, msg string) bool {
	s.srv.messages.Add(1)
	metrics.MessagesReceived.Inc()

	rec, err := s.srv.parser.Parse(msg, time.Now().UTC())
	if err != nil {
		s.srv.parseFailures.Add(1)
		reason := "unknown"
		var pe *telemetry.ParseError
		if errors.As(err, &pe) {
			reason = pe.Reason
		}
		metrics.RecordParseFailure(reason)
		if s.warnLim.Allow() {
			logging.Ctx(ctx).Warn().Err(err).Str("reason", reason).Msg("Dropping unparseable message")
		}
		return true
	}
	metrics.MessagesParsed.Inc()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	if err := s.agg.Add(ctx, rec); err != nil {
		logging.Ctx(ctx).Debug().Err(err).Msg("Aggregator rejected record, closing session")
		return false
	}
	return true
}

func (s *session) logReadEnd(ctx context.Context, err error) {
	log := logging.Ctx(ctx)
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		log.Debug().Msg("Device disconnected")
	case ctx.Err() != nil, errors.Is(err, net.ErrClosed):
		log.Debug().Msg("Session closed by shutdown")
	case errors.As(err, &ne) && ne.Timeout():
		log.Info().Dur("read_timeout", s.srv.cfg.ReadTimeout).Msg("Closing idle device connection")
	default:
		log.Warn().Err(err).Msg("Device connection read failed")
	}
}
