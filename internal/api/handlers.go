// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/fleetpulse/internal/ingest"
	"github.com/tomtom215/fleetpulse/internal/logging"
	"github.com/tomtom215/fleetpulse/internal/models"
	"github.com/tomtom215/fleetpulse/internal/validation"
	ws "github.com/tomtom215/fleetpulse/internal/websocket"
)

// IngestionStatus is the read side of the ingestion server.
type IngestionStatus interface {
	State() ingest.State
	Stats() ingest.Stats
}

// VehicleReader is the read side of the store.
type VehicleReader interface {
	Ping(ctx context.Context) error
	GetActiveEntities(ctx context.Context) ([]models.Vehicle, error)
	GetHistory(ctx context.Context, vehicleID string, limit int) ([]models.HistoryRecord, error)
}

// CacheStatus reports the device cache.
type CacheStatus interface {
	Size() int
	LastRefresh() time.Time
}

// BreakerStatus reports the gateway circuit breaker.
type BreakerStatus interface {
	BreakerState() string
}

// Handler serves the HTTP endpoints.
type Handler struct {
	ingestion IngestionStatus
	store     VehicleReader
	cache     CacheStatus
	breaker   BreakerStatus
	hub       *ws.Hub
	origins   []string
	startTime time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithCache exposes device cache state in ingestion stats.
func WithCache(c CacheStatus) HandlerOption {
	return func(h *Handler) { h.cache = c }
}

// WithBreaker exposes the gateway breaker state in ingestion stats.
func WithBreaker(b BreakerStatus) HandlerOption {
	return func(h *Handler) { h.breaker = b }
}

// WithHub enables the /ws endpoint.
func WithHub(hub *ws.Hub) HandlerOption {
	return func(h *Handler) { h.hub = hub }
}

// WithAllowedOrigins sets the origins accepted for WebSocket upgrades.
func WithAllowedOrigins(origins []string) HandlerOption {
	return func(h *Handler) { h.origins = origins }
}

// NewHandler creates a Handler.
func NewHandler(ingestion IngestionStatus, store VehicleReader, opts ...HandlerOption) *Handler {
	h := &Handler{
		ingestion: ingestion,
		store:     store,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HealthLive reports that the process is serving HTTP.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	})
}

// HealthReady reports whether ingestion is running and the store answers.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	state := h.ingestion.State()
	status := map[string]interface{}{
		"ingestion": state.String(),
		"database":  "ok",
	}
	ready := state == ingest.StateRunning

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		logging.Warn().Err(err).Msg("Readiness check: database ping failed")
		status["database"] = "unreachable"
		ready = false
	}

	status["ready"] = ready
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	NewResponseWriter(w, r).Status(code, status)
}

// IngestionStatsResponse is the body of /api/v1/ingestion/stats.
type IngestionStatsResponse struct {
	ingest.Stats
	CacheSize        *int       `json:"cache_size,omitempty"`
	CacheRefreshedAt *time.Time `json:"cache_refreshed_at,omitempty"`
	BreakerState     string     `json:"breaker_state,omitempty"`
	WebSocketClients int        `json:"websocket_clients"`
}

// IngestionStats returns the ingestion counters and pipeline state.
func (h *Handler) IngestionStats(w http.ResponseWriter, r *http.Request) {
	resp := IngestionStatsResponse{Stats: h.ingestion.Stats()}
	if h.cache != nil {
		size := h.cache.Size()
		resp.CacheSize = &size
		if at := h.cache.LastRefresh(); !at.IsZero() {
			resp.CacheRefreshedAt = &at
		}
	}
	if h.breaker != nil {
		resp.BreakerState = h.breaker.BreakerState()
	}
	if h.hub != nil {
		resp.WebSocketClients = h.hub.GetClientCount()
	}
	NewResponseWriter(w, r).Success(resp)
}

// Vehicles lists active vehicles with their latest known location.
func (h *Handler) Vehicles(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	vehicles, err := h.store.GetActiveEntities(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	if vehicles == nil {
		vehicles = []models.Vehicle{}
	}
	rw.SuccessList(vehicles, len(vehicles))
}

const defaultHistoryLimit = 100

type historyQuery struct {
	VehicleID string `validate:"required,max=128"`
	Limit     int    `validate:"min=1,max=1000"`
}

// VehicleHistory returns a vehicle's most recent locations, newest first.
func (h *Handler) VehicleHistory(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	q := historyQuery{VehicleID: chi.URLParam(r, "id"), Limit: defaultHistoryLimit}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			rw.BadRequest("limit must be an integer")
			return
		}
		q.Limit = n
	}
	if err := validation.ValidateStruct(&q); err != nil {
		rw.BadRequest(err.Error())
		return
	}

	records, err := h.store.GetHistory(r.Context(), q.VehicleID, q.Limit)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	if records == nil {
		records = []models.HistoryRecord{}
	}
	rw.SuccessList(records, len(records))
}

func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkWebSocketOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkWebSocketOrigin accepts any origin under a "*" entry. Otherwise the
// Origin header must be present and listed.
func (h *Handler) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	for _, allowed := range h.origins {
		if allowed == "*" || (origin != "" && allowed == origin) {
			return true
		}
	}
	logging.Warn().Str("origin", strconv.Quote(origin)).Msg("WebSocket connection rejected from unauthorized origin")
	return false
}

// WebSocket upgrades the connection and streams vehicle_location messages.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		NewResponseWriter(w, r).ServiceUnavailable("WebSocket service unavailable")
		return
	}

	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("WebSocket upgrade error")
		return
	}

	client := ws.NewClient(h.hub, conn)
	if !h.hub.Join(client) {
		logging.Debug().Msg("WebSocket hub stopped, closing connection")
		_ = conn.Close()
		return
	}
	client.Start()
}
