// Package api provides HTTP handlers for the companion API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashureev/companion/internal/domain"
	"github.com/ashureev/companion/internal/onboarding"
	"github.com/ashureev/companion/internal/render"
	"github.com/ashureev/companion/internal/vision"
	"github.com/go-chi/chi/v5"
)

// Engine runs events against sessions.
type Engine interface {
	Process(ctx context.Context, sessionID string, ev domain.Event) (render.Payload, error)
	Calibrate(ctx context.Context, sessionID string, traits domain.Profile) (domain.Profile, error)
}

// Sessions exposes read access and lifecycle control over live sessions.
type Sessions interface {
	View(id string, fn func(*domain.Session)) bool
	Reset(id string) bool
	Len() int
}

// Options configures request limits and the heartbeat nudge.
type Options struct {
	MaxUploadBytes int64
	NudgeAfter     time.Duration
	Now            func() time.Time
}

// Handler serves the companion HTTP surface.
type Handler struct {
	engine   Engine
	sessions Sessions
	catalog  *onboarding.Catalog
	vision   vision.Analyzer
	limiter  *RateLimiter
	opts     Options
}

// NewHandler creates a Handler. analyzer and limiter may be nil.
func NewHandler(engine Engine, sessions Sessions, catalog *onboarding.Catalog, analyzer vision.Analyzer, limiter *RateLimiter, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.NudgeAfter <= 0 {
		opts.NudgeAfter = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{
		engine:   engine,
		sessions: sessions,
		catalog:  catalog,
		vision:   analyzer,
		limiter:  limiter,
		opts:     opts,
	}
}

// RegisterRoutes mounts the handlers on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.HandleStatus)
	r.Post("/event", h.HandleEvent)
	r.Post("/reset", h.HandleReset)
	r.Get("/heartbeat/{session_id}", h.HandleHeartbeat)
	r.Get("/onboarding/next-question", h.HandleNextQuestion)
	r.Post("/onboarding/calibrate", h.HandleCalibrate)
	r.Post("/vision/{session_id}", h.HandleVision)
}

// allow applies the rate limit for key and writes 429 when it is exceeded.
func (h *Handler) allow(w http.ResponseWriter, key string) bool {
	if h.limiter == nil || h.limiter.Allow(key) {
		return true
	}
	Error(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
