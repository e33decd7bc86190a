// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/fleetpulse/internal/middleware"
)

// NewRouter builds the chi router for all HTTP endpoints.
func NewRouter(h *Handler, cfg *ChiMiddlewareConfig) http.Handler {
	mw := NewChiMiddleware(cfg)
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(mw.CORS())
	r.Use(middleware.RequestLogger)
	r.Use(middleware.PrometheusMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(APISecurityHeaders())

		r.Group(func(r chi.Router) {
			r.Use(mw.RateLimitHealth())
			r.Get("/health/live", h.HealthLive)
			r.Get("/health/ready", h.HealthReady)
		})

		r.Group(func(r chi.Router) {
			r.Use(mw.RateLimit())
			r.Get("/ingestion/stats", h.IngestionStats)
			r.Get("/vehicles", h.Vehicles)
			r.Get("/vehicles/{id}/history", h.VehicleHistory)
		})
	})

	r.With(mw.RateLimitHealth()).Handle("/metrics", promhttp.Handler())
	r.Get("/ws", h.WebSocket)

	return r
}
