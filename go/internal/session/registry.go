package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/CucumberKing/nye.countdown/go/internal/metrics"
)

// Transport is the write side of a client connection.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Session is a snapshot of one live client connection
type Session struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
	Location    string    `json:"location,omitempty"` // empty until the client sends a greeting
}

// HasLocation reports whether the session's location has been set.
func (s Session) HasLocation() bool {
	return s.Location != ""
}

type client struct {
	session   Session
	transport Transport
}

type target struct {
	id        string
	transport Transport
}

// Registry tracks live sessions and fans messages out to them. It is the
// single source of truth for which clients are reachable; an unknown id is a
// normal outcome everywhere.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*client
	metrics  metrics.Collector
}

// NewRegistry creates an empty registry. A nil collector means no metrics.
func NewRegistry(collector metrics.Collector) *Registry {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &Registry{
		sessions: make(map[string]*client),
		metrics:  collector,
	}
}

// Connect tracks an already established transport and returns its new
// session id.
func (r *Registry) Connect(transport Transport) string {
	c := &client{
		session: Session{
			ID:          uuid.New().String(),
			ConnectedAt: time.Now(),
		},
		transport: transport,
	}

	r.mu.Lock()
	r.sessions[c.session.ID] = c
	total := len(r.sessions)
	r.mu.Unlock()

	r.metrics.ConnectionOpened()
	log.Info().
		Str("session_id", c.session.ID).
		Int("total_connections", total).
		Msg("client connected")

	return c.session.ID
}

// Disconnect stops tracking a session. Unknown ids are ignored.
func (r *Registry) Disconnect(id string) {
	if _, ok := r.remove(id); ok {
		log.Info().
			Str("session_id", id).
			Int("total_connections", r.Count()).
			Msg("client disconnected")
	}
}

// UpdateLocation records the display location of a session. It never
// recreates a session that has already gone.
func (r *Registry) UpdateLocation(id, location string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.sessions[id]; ok {
		c.session.Location = location
	}
}

// Get returns a copy of the session, or false if it is gone.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return c.session, true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Broadcast sends message to every live session.
func (r *Registry) Broadcast(ctx context.Context, message any) {
	r.broadcast(ctx, message, "")
}

// BroadcastExcept sends message to every live session but excludedID.
func (r *Registry) BroadcastExcept(ctx context.Context, message any, excludedID string) {
	r.broadcast(ctx, message, excludedID)
}

// SendTo sends message to a single session. A failed send drops the session
// and returns false.
func (r *Registry) SendTo(ctx context.Context, id string, message any) bool {
	data, err := json.Marshal(message)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal message")
		return false
	}

	r.mu.RLock()
	c, ok := r.sessions[id]
	var transport Transport
	if ok {
		transport = c.transport
	}
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if err := transport.Send(ctx, data); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("send failed, dropping session")
		r.drop(id)
		return false
	}
	return true
}

// broadcast marshals once, snapshots the recipients and sends to each of them
// concurrently outside the lock. Failed recipients are dropped afterwards;
// delivery is best effort and nothing is retried.
func (r *Registry) broadcast(ctx context.Context, message any, excludedID string) {
	data, err := json.Marshal(message)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal message for broadcast")
		return
	}

	r.mu.RLock()
	targets := make([]target, 0, len(r.sessions))
	for id, c := range r.sessions {
		if id == excludedID {
			continue
		}
		targets = append(targets, target{id: id, transport: c.transport})
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	var (
		wg       sync.WaitGroup
		failedMu sync.Mutex
		failed   []string
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			if err := t.transport.Send(ctx, data); err != nil {
				log.Debug().Err(err).Str("session_id", t.id).Msg("broadcast send failed")
				failedMu.Lock()
				failed = append(failed, t.id)
				failedMu.Unlock()
			}
		}(t)
	}
	wg.Wait()

	for _, id := range failed {
		r.drop(id)
	}

	r.metrics.RecordBroadcast(len(targets), len(failed))
	log.Debug().
		Int("recipients", len(targets)).
		Int("failed", len(failed)).
		Msg("broadcast delivered")
}

// CloseAll removes every session and closes its transport. Used on shutdown,
// since hijacked connections outlive the HTTP server.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	closing := r.sessions
	r.sessions = make(map[string]*client)
	r.mu.Unlock()

	for id, c := range closing {
		r.metrics.ConnectionClosed()
		if err := c.transport.Close(); err != nil {
			log.Debug().Err(err).Str("session_id", id).Msg("close on shutdown")
		}
	}
	if len(closing) > 0 {
		log.Info().Int("sessions", len(closing)).Msg("closed all client sessions")
	}
}

// drop removes a session after a failed write and closes its transport.
func (r *Registry) drop(id string) {
	transport, ok := r.remove(id)
	if !ok {
		return
	}
	if err := transport.Close(); err != nil {
		log.Debug().Err(err).Str("session_id", id).Msg("close after failed send")
	}
	log.Info().Str("session_id", id).Msg("dropped unreachable client")
}

func (r *Registry) remove(id string) (Transport, bool) {
	r.mu.Lock()
	c, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil, false
	}
	r.metrics.ConnectionClosed()
	return c.transport, true
}
