package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ashureev/companion/internal/domain"
	"github.com/ashureev/companion/internal/identity"
	"github.com/ashureev/companion/internal/orchestrator"
	"github.com/ashureev/companion/internal/render"
	"github.com/go-chi/chi/v5"
)

const maxEventBodySize = 64 << 10

type eventRequest struct {
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Energy    *int            `json:"energy_level"`
}

type eventResponse struct {
	Data render.Payload `json:"data"`
}

// HandleEvent handles POST /event.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEventBodySize)

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.SessionID == "" {
		JSON(w, http.StatusOK, map[string]any{"data": map[string]string{"type": render.TypeIdle, "text": ""}})
		return
	}
	sessionID := identity.Sanitize(req.SessionID)
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "invalid session_id")
		return
	}

	energy := domain.DefaultEnergy
	if req.Energy != nil {
		energy = *req.Energy
	}
	if energy < 0 || energy > 10 {
		Error(w, http.StatusBadRequest, "energy_level must be within 0..10")
		return
	}

	if !h.allow(w, sessionID) {
		return
	}

	ev := domain.Event{Type: domain.EventType(req.EventType), Payload: req.Payload, Energy: energy}
	payload, err := h.engine.Process(r.Context(), sessionID, ev)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidEvent) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("Event processing failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "event processing failed")
		return
	}

	JSON(w, http.StatusOK, eventResponse{Data: payload})
}

// HandleReset handles POST /reset?session_id=.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.Sanitize(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}
	existed := h.sessions.Reset(sessionID)
	slog.Info("Session reset", "session_id", sessionID, "existed", existed)
	JSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Session %s wiped.", sessionID)})
}

// HandleHeartbeat handles GET /heartbeat/{session_id}. It answers with a
// nudge when a task is active and the user has been silent too long.
func (h *Handler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.Sanitize(chi.URLParam(r, "session_id"))

	payload := render.Idle(&domain.Session{Progress: domain.Progress{Level: 1}})
	if sessionID != "" {
		now := h.opts.Now()
		h.sessions.View(sessionID, func(s *domain.Session) {
			if s.HasActiveTask() && now.Sub(s.LastActionAt) > h.opts.NudgeAfter {
				payload = render.Nudge(s)
				return
			}
			payload = render.Idle(s)
		})
	}
	JSON(w, http.StatusOK, payload)
}

// HandleStatus handles GET /.
func (h *Handler) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"service":         "companion",
		"active_sessions": h.sessions.Len(),
	})
}
