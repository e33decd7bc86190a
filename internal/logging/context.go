// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	sessionIDKey contextKey = "session_id"
	batchIDKey   contextKey = "batch_id"
	remoteKey    contextKey = "remote_addr"
)

// GenerateID returns a short random identifier for sessions and batches.
func GenerateID() string {
	return uuid.New().String()[:8]
}

// ContextWithSessionID tags ctx with the id of a device connection.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext returns the session id, or "" if absent.
func SessionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithBatchID tags ctx with the id of a flushed batch.
func ContextWithBatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, batchIDKey, id)
}

// BatchIDFromContext returns the batch id, or "" if absent.
func BatchIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(batchIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithRemoteAddr tags ctx with the peer address of a device connection.
func ContextWithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, remoteKey, addr)
}

// Ctx returns the global logger enriched with session_id, batch_id and
// remote_addr when ctx carries them.
//
//	logging.Ctx(ctx).Warn().Err(err).Msg("Parse failure")
//	// {"level":"warn","session_id":"1f2e3d4c","remote_addr":"10.0.0.7:51234",...}
func Ctx(ctx context.Context) *zerolog.Logger {
	lc := Logger().With()
	if id := SessionIDFromContext(ctx); id != "" {
		lc = lc.Str("session_id", id)
	}
	if addr, ok := ctx.Value(remoteKey).(string); ok && addr != "" {
		lc = lc.Str("remote_addr", addr)
	}
	if id := BatchIDFromContext(ctx); id != "" {
		lc = lc.Str("batch_id", id)
	}
	l := lc.Logger()
	return &l
}
