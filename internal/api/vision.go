package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/companion/internal/domain"
	"github.com/ashureev/companion/internal/identity"
	"github.com/ashureev/companion/internal/render"
	"github.com/ashureev/companion/internal/vision"
	"github.com/go-chi/chi/v5"
)

type visionResponse struct {
	Status string         `json:"status"`
	Claim  string         `json:"claim"`
	Data   render.Payload `json:"data"`
}

// HandleVision handles POST /vision/{session_id}. The uploaded image is
// reduced to a claim that is fed to the session as user input.
func (h *Handler) HandleVision(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.Sanitize(chi.URLParam(r, "session_id"))
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "invalid session_id")
		return
	}
	if h.vision == nil {
		Error(w, http.StatusServiceUnavailable, "vision pipeline not configured")
		return
	}
	if !h.allow(w, sessionID) {
		return
	}

	if r.ContentLength > h.opts.MaxUploadBytes {
		Error(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		Error(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		Error(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	claim, err := h.vision.ClaimFromImage(r.Context(), image)
	if err != nil {
		slog.Error("Vision pipeline failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "Vision pipeline failed")
		return
	}

	ev := domain.TextEvent(domain.EventUserInput, vision.SyncText(claim), domain.DefaultEnergy)
	payload, err := h.engine.Process(r.Context(), sessionID, ev)
	if err != nil {
		slog.Error("Vision event failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "Vision pipeline failed")
		return
	}

	JSON(w, http.StatusOK, visionResponse{Status: "vision_synced", Claim: claim, Data: payload})
}
