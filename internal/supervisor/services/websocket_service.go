// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package services

import (
	"context"
	"errors"
	"fmt"
)

// errHubExited reports a hub that returned while its context was live.
var errHubExited = errors.New("hub exited")

// ContextHub is satisfied by *websocket.Hub.
type ContextHub interface {
	RunWithContext(ctx context.Context) error
}

// WebSocketHubService runs the broadcast hub under supervision.
type WebSocketHubService struct {
	hub ContextHub
}

// NewWebSocketHubService creates the wrapper.
func NewWebSocketHubService(hub ContextHub) *WebSocketHubService {
	return &WebSocketHubService{hub: hub}
}

// Serve implements suture.Service. The hub returns ctx.Err() on shutdown;
// any other return is reported as a failure.
func (w *WebSocketHubService) Serve(ctx context.Context) error {
	err := w.hub.RunWithContext(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		err = errHubExited
	}
	return fmt.Errorf("websocket hub: %w", err)
}

func (w *WebSocketHubService) String() string {
	return "websocket-hub"
}
