package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/companion/internal/domain"
	"github.com/ashureev/companion/internal/identity"
	"github.com/ashureev/companion/internal/orchestrator"
	"github.com/ashureev/companion/internal/render"
	"github.com/coder/websocket"
)

// Processor runs events against sessions.
type Processor interface {
	Process(ctx context.Context, sessionID string, ev domain.Event) (render.Payload, error)
}

// Viewer reads live session state.
type Viewer interface {
	View(id string, fn func(*domain.Session)) bool
}

// Config tunes the proactive heartbeat.
type Config struct {
	// Heartbeat is how often the server runs a heartbeat turn for the session.
	Heartbeat time.Duration
	// NudgeAfter is the user silence that triggers a nudge while a task is active.
	NudgeAfter time.Duration
	// OriginPatterns are passed to the WebSocket handshake. Empty skips the origin check.
	OriginPatterns []string
	Now            func() time.Time
}

// Handler upgrades requests to a WebSocket carrying events in and payloads out.
type Handler struct {
	engine   Processor
	sessions Viewer
	registry *Registry
	cfg      Config
}

// NewHandler creates a WebSocket handler.
func NewHandler(engine Processor, sessions Viewer, registry *Registry, cfg Config) *Handler {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.NudgeAfter <= 0 {
		cfg.NudgeAfter = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{engine: engine, sessions: sessions, registry: registry, cfg: cfg}
}

// Message types on the wire.
const (
	msgEvent   = "event"
	msgPing    = "ping"
	msgPong    = "pong"
	msgPayload = "payload"
	msgPush    = "push"
	msgError   = "error"
)

type clientMessage struct {
	Type      string          `json:"type"`
	EventType string          `json:"event_type,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Energy    *int            `json:"energy_level,omitempty"`
}

type serverMessage struct {
	Type  string          `json:"type"`
	Data  *render.Payload `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// conn is one client connection bound to a session.
type conn struct {
	ws        *websocket.Conn
	sessionID string
	// energy is the latest reading reported by the client, used for heartbeat turns.
	energy atomic.Int64
	// nudgedAt is the LastActionAt value the last idle nudge was sent for.
	nudgedAt time.Time
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	if sessionID == "" {
		http.Error(w, `{"error": "session_id is required"}`, http.StatusBadRequest)
		return
	}
	slog.Info("WebSocket connection request", "session_id", sessionID, "ip", identity.IPFromRequest(r))

	opts := &websocket.AcceptOptions{OriginPatterns: h.cfg.OriginPatterns}
	if len(h.cfg.OriginPatterns) == 0 {
		opts.InsecureSkipVerify = true
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	h.registry.Register(sessionID, ws)
	defer h.registry.Unregister(sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &conn{ws: ws, sessionID: sessionID}
	c.energy.Store(domain.DefaultEnergy)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		h.readLoop(ctx, c)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		h.heartbeatLoop(ctx, c)
	}()

	wg.Wait()
	slog.Info("Stream ended", "session_id", sessionID)
}

func (h *Handler) readLoop(ctx context.Context, c *conn) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed", "session_id", c.sessionID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "session_id", c.sessionID)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.send(ctx, c, serverMessage{Type: msgError, Error: "invalid message"})
			continue
		}

		switch msg.Type {
		case msgPing:
			h.send(ctx, c, serverMessage{Type: msgPong})
		case msgEvent:
			h.handleEvent(ctx, c, msg)
		default:
			h.send(ctx, c, serverMessage{Type: msgError, Error: "unknown message type"})
		}
	}
}

func (h *Handler) handleEvent(ctx context.Context, c *conn, msg clientMessage) {
	energy := int(c.energy.Load())
	if msg.Energy != nil {
		if *msg.Energy < 0 || *msg.Energy > 10 {
			h.send(ctx, c, serverMessage{Type: msgError, Error: "energy_level must be within 0..10"})
			return
		}
		energy = *msg.Energy
		c.energy.Store(int64(energy))
	}

	ev := domain.Event{Type: domain.EventType(msg.EventType), Payload: msg.Payload, Energy: energy}
	p, err := h.engine.Process(ctx, c.sessionID, ev)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidEvent) {
			h.send(ctx, c, serverMessage{Type: msgError, Error: err.Error()})
			return
		}
		slog.Error("Stream event failed", "session_id", c.sessionID, "error", err)
		h.send(ctx, c, serverMessage{Type: msgError, Error: "event processing failed"})
		return
	}
	h.send(ctx, c, serverMessage{Type: msgPayload, Data: &p})
}

func (h *Handler) heartbeatLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(h.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx, c)
		}
	}
}

// beat runs a heartbeat turn and pushes anything the user has to act on:
// a due task awaiting commitment, a routine notification, or an idle nudge.
func (h *Handler) beat(ctx context.Context, c *conn) {
	ev := domain.TextEvent(domain.EventUserInput, domain.HeartbeatPayload, int(c.energy.Load()))
	p, err := h.engine.Process(ctx, c.sessionID, ev)
	if err != nil {
		slog.Warn("Heartbeat turn failed", "session_id", c.sessionID, "error", err)
		return
	}
	if p.Type == render.TypeCommitmentCheck || p.Type == render.TypeNudge {
		h.send(ctx, c, serverMessage{Type: msgPush, Data: &p})
		return
	}

	var nudge *render.Payload
	now := h.cfg.Now()
	h.sessions.View(c.sessionID, func(s *domain.Session) {
		if !s.HasActiveTask() || now.Sub(s.LastActionAt) <= h.cfg.NudgeAfter || s.LastActionAt.Equal(c.nudgedAt) {
			return
		}
		n := render.Nudge(s)
		nudge = &n
		c.nudgedAt = s.LastActionAt
	})
	if nudge != nil {
		h.send(ctx, c, serverMessage{Type: msgPush, Data: nudge})
	}
}

func (h *Handler) send(ctx context.Context, c *conn, msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to encode stream message", "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.ws.Write(writeCtx, websocket.MessageText, data); err != nil && ctx.Err() == nil {
		slog.Debug("WebSocket write error", "error", err, "session_id", c.sessionID)
	}
}
