package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// TimeSource is the synced clock as seen by the HTTP API.
type TimeSource interface {
	NowMillis() int64
	IsSynced() bool
	Offset() time.Duration
	LastSync() time.Time
}

// ConnectionCounter reports the number of live sessions.
type ConnectionCounter interface {
	Count() int
}

// CountdownConfig is the static configuration served to the frontend.
type CountdownConfig struct {
	TargetTS   float64
	ImprintURL string
	PrivacyURL string
}

type healthResponse struct {
	Status      string `json:"status"`
	NTPSynced   bool   `json:"ntp_synced"`
	NTPOffsetMs int64  `json:"ntp_offset_ms"`
	LastSyncMs  *int64 `json:"last_sync_ms"`
	Environment string `json:"environment"`
	Connections int    `json:"connections"`
}

type timeResponse struct {
	ServerTimeMs int64 `json:"server_time_ms"`
	NTPSynced    bool  `json:"ntp_synced"`
	OffsetMs     int64 `json:"offset_ms"`
}

type configResponse struct {
	TargetTS   float64 `json:"target_ts"`
	ImprintURL *string `json:"imprint_url"`
	PrivacyURL *string `json:"privacy_url"`
}

// APIHandler serves the plain HTTP endpoints for clients that do not hold a
// WebSocket, and for load balancer health checks.
type APIHandler struct {
	clock       TimeSource
	connections ConnectionCounter
	environment string
	countdown   CountdownConfig
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(clock TimeSource, connections ConnectionCounter, environment string, countdown CountdownConfig) *APIHandler {
	return &APIHandler{
		clock:       clock,
		connections: connections,
		environment: environment,
		countdown:   countdown,
	}
}

// HandleHealth reports liveness and the NTP state.
func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	var lastSync *int64
	if t := h.clock.LastSync(); !t.IsZero() {
		ms := t.UnixMilli()
		lastSync = &ms
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		NTPSynced:   h.clock.IsSynced(),
		NTPOffsetMs: h.clock.Offset().Milliseconds(),
		LastSyncMs:  lastSync,
		Environment: h.environment,
		Connections: h.connections.Count(),
	})
}

// HandleTime returns the synced server time.
func (h *APIHandler) HandleTime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, timeResponse{
		ServerTimeMs: h.clock.NowMillis(),
		NTPSynced:    h.clock.IsSynced(),
		OffsetMs:     h.clock.Offset().Milliseconds(),
	})
}

// HandleConfig returns the countdown configuration.
func (h *APIHandler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, configResponse{
		TargetTS:   h.countdown.TargetTS,
		ImprintURL: optional(h.countdown.ImprintURL),
		PrivacyURL: optional(h.countdown.PrivacyURL),
	})
}

// RegisterRoutes registers the API routes with an HTTP mux
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /api/time", h.HandleTime)
	mux.HandleFunc("GET /api/config", h.HandleConfig)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}
