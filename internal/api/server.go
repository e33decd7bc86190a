// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package api

import (
	"net/http"
	"time"

	"github.com/tomtom215/fleetpulse/internal/config"
)

// MiddlewareConfigFrom maps server configuration onto the middleware config.
func MiddlewareConfigFrom(cfg config.ServerConfig) *ChiMiddlewareConfig {
	mc := DefaultChiMiddlewareConfig()
	mc.CORSAllowedOrigins = cfg.CORSOrigins
	mc.RateLimitRequests = cfg.RateLimitRequests
	mc.RateLimitWindow = cfg.RateLimitWindow
	return mc
}

// NewHTTPServer creates the HTTP server. WriteTimeout is left unset because
// /ws connections are long lived; handlers bound their own work.
func NewHTTPServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Timeout,
		IdleTimeout:       2 * cfg.Timeout,
	}
}
