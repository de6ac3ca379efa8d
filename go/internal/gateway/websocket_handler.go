package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/CucumberKing/nye.countdown/go/internal/rpc"
	"github.com/CucumberKing/nye.countdown/go/internal/session"
)

// timePong answers a ping on the standalone time socket.
type timePong struct {
	Type         string          `json:"type"`
	ClientTimeMs json.RawMessage `json:"client_time_ms"`
	ServerTimeMs int64           `json:"server_time_ms"`
	NTPSynced    bool            `json:"ntp_synced"`
}

// WebSocketHandler upgrades clients into the JSON-RPC protocol, and into the
// plain ping/pong time socket kept for older frontends.
type WebSocketHandler struct {
	registry   *session.Registry
	dispatcher *rpc.Dispatcher
	serverTime TimeSource
	upgrader   websocket.Upgrader
	config     ConnectionConfig
	clock      clockwork.Clock

	// time sockets never receive broadcasts, so they live apart from registry
	timeSockets *session.Registry
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(registry *session.Registry, dispatcher *rpc.Dispatcher, serverTime TimeSource, config ConnectionConfig, allowedOrigins []string, clock clockwork.Clock) *WebSocketHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &WebSocketHandler{
		registry:    registry,
		dispatcher:  dispatcher,
		serverTime:  serverTime,
		timeSockets: session.NewRegistry(nil),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		config: config,
		clock:  clock,
	}
}

// HandleConnection upgrades the request and serves the connection until the
// client leaves. The session is always released on return.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("failed to upgrade WebSocket connection")
		return
	}

	conn := newConnection(ws, h.config)
	sessionID := h.registry.Connect(conn)
	defer func() {
		h.registry.Disconnect(sessionID)
		_ = conn.Close()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go conn.keepAlive(ctx, h.clock, sessionID)

	conn.readLoop(sessionID, func(message []byte) bool {
		resp := h.dispatcher.Dispatch(ctx, message, sessionID)
		if resp == nil {
			return true
		}
		// a failed reply means the registry already dropped the session
		return h.registry.SendTo(ctx, sessionID, resp)
	})
}

// HandleTimeSocket serves {"type":"ping","client_time_ms":N} frames with a
// pong carrying the synced server time. Other message types are ignored and
// a frame that is not JSON ends the connection.
func (h *WebSocketHandler) HandleTimeSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("failed to upgrade time socket")
		return
	}

	conn := newConnection(ws, h.config)
	socketID := h.timeSockets.Connect(conn)
	log.Debug().Str("socket_id", socketID).Msg("time socket connected")
	defer func() {
		h.timeSockets.Disconnect(socketID)
		_ = conn.Close()
		log.Debug().Str("socket_id", socketID).Msg("time socket disconnected")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go conn.keepAlive(ctx, h.clock, socketID)

	conn.readLoop(socketID, func(message []byte) bool {
		if !gjson.ValidBytes(message) {
			log.Warn().Str("socket_id", socketID).Msg("closing time socket after malformed frame")
			return false
		}
		frame := gjson.ParseBytes(message)
		if frame.Get("type").String() != "ping" {
			return true
		}

		clientTime := json.RawMessage("null")
		if v := frame.Get("client_time_ms"); v.Exists() {
			clientTime = json.RawMessage(v.Raw)
		}
		return h.timeSockets.SendTo(ctx, socketID, timePong{
			Type:         "pong",
			ClientTimeMs: clientTime,
			ServerTimeMs: h.serverTime.NowMillis(),
			NTPSynced:    h.serverTime.IsSynced(),
		})
	})
}

// CloseTimeSockets closes every open time socket.
func (h *WebSocketHandler) CloseTimeSockets() {
	h.timeSockets.CloseAll()
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"total_connections": h.registry.Count(),
	})
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.HandleConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
	mux.HandleFunc("GET /ws/time", h.HandleTimeSocket)
}

// originChecker allows browsers from the configured origins. Requests
// without an Origin header come from non-browser clients and are allowed.
func originChecker(allowed []string) func(r *http.Request) bool {
	if slices.Contains(allowed, "*") {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}
