// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package services

import (
	"context"
	"fmt"
	"time"
)

// Ingestor is satisfied by *ingest.Server.
type Ingestor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// IngestionService adapts the Start/Stop lifecycle of the ingestion server
// to suture's Serve:
//  1. Start(ctx) binds the listener and starts batching
//  2. wait for cancellation
//  3. Stop with a fresh context bounded by stopTimeout
//
// A failed Start is returned so suture restarts the service with backoff.
type IngestionService struct {
	ingestor    Ingestor
	stopTimeout time.Duration
	name        string
}

// NewIngestionService creates the wrapper. Non-positive timeouts fall back
// to 10s.
func NewIngestionService(ingestor Ingestor, stopTimeout time.Duration) *IngestionService {
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &IngestionService{
		ingestor:    ingestor,
		stopTimeout: stopTimeout,
		name:        "ingestion-server",
	}
}

// Serve implements suture.Service.
func (s *IngestionService) Serve(ctx context.Context) error {
	if err := s.ingestor.Start(ctx); err != nil {
		return fmt.Errorf("ingestion server start failed: %w", err)
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()

	if err := s.ingestor.Stop(stopCtx); err != nil {
		return fmt.Errorf("ingestion server stop failed: %w", err)
	}
	return ctx.Err()
}

func (s *IngestionService) String() string {
	return s.name
}
