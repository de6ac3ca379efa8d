package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var errConnectionClosed = errors.New("connection closed")

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// Connection is one client WebSocket. It is the registry's transport: writes
// from responses, broadcasts and keep-alive pings are serialized here.
type Connection struct {
	conn   *websocket.Conn
	config ConnectionConfig

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(conn *websocket.Conn, config ConnectionConfig) *Connection {
	return &Connection{
		conn:   conn,
		config: config,
		closed: make(chan struct{}),
	}
}

// Send writes one text frame, bounded by the write timeout or the context
// deadline, whichever comes first.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return errConnectionClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(c.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.conn.Close()
	})
	return err
}

// keepAlive pings the client every PingInterval until ctx is done or a ping
// fails. Pongs extend the read deadline in readLoop.
func (c *Connection) keepAlive(ctx context.Context, clock clockwork.Clock, sessionID string) {
	ticker := clock.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.Chan():
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug().Err(err).Str("session_id", sessionID).Msg("failed to send ping")
				_ = c.Close()
				return
			}
		}
	}
}

// readLoop delivers text frames to handle one at a time, in arrival order,
// until the peer goes away or handle returns false.
func (c *Connection) readLoop(sessionID string, handle func([]byte) bool) {
	c.conn.SetReadLimit(c.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("unexpected WebSocket close")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		if messageType != websocket.TextMessage {
			log.Debug().Str("session_id", sessionID).Msg("ignoring non-text frame")
			continue
		}
		if !handle(message) {
			return
		}
	}
}
