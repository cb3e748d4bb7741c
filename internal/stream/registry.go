// Package stream provides the WebSocket event channel for sessions.
package stream

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks the live connection for each session. A session has at
// most one connection; a newer one replaces and closes the older.
type Registry struct {
	mu     sync.Mutex
	active map[string]*websocket.Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*websocket.Conn)}
}

// Get returns the live connection for a session.
func (r *Registry) Get(sessionID string) *websocket.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[sessionID]
}

// Register makes conn the live connection for sessionID.
func (r *Registry) Register(sessionID string, conn *websocket.Conn) {
	r.mu.Lock()
	existing, ok := r.active[sessionID]
	r.active[sessionID] = conn
	r.mu.Unlock()

	if ok && existing != conn {
		_ = existing.Close(websocket.StatusPolicyViolation, "session opened elsewhere")
	}
	slog.Info("Stream registered", "session_id", sessionID)
}

// Unregister removes conn if it is still the live connection for sessionID.
func (r *Registry) Unregister(sessionID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.active[sessionID]; ok && current == conn {
		delete(r.active, sessionID)
		slog.Info("Stream unregistered", "session_id", sessionID)
	}
}

// Close terminates the live connection for a session, if any.
func (r *Registry) Close(sessionID string) {
	r.mu.Lock()
	conn, ok := r.active[sessionID]
	delete(r.active, sessionID)
	r.mu.Unlock()
	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "session reset")
	}
}

// CloseAll terminates every live connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.active
	r.active = make(map[string]*websocket.Conn)
	r.mu.Unlock()
	for id, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		slog.Info("Stream closed", "session_id", id)
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
