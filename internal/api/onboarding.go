package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/companion/internal/domain"
	"github.com/ashureev/companion/internal/identity"
)

type calibrateRequest struct {
	SessionID string         `json:"session_id"`
	Responses domain.Profile `json:"responses"`
}

type calibrateResponse struct {
	Message string         `json:"message"`
	Profile domain.Profile `json:"new_pfp"`
}

// HandleNextQuestion handles GET /onboarding/next-question?step=.
func (h *Handler) HandleNextQuestion(w http.ResponseWriter, r *http.Request) {
	step := 0
	if raw := r.URL.Query().Get("step"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			Error(w, http.StatusBadRequest, "step must be an integer")
			return
		}
		step = n
	}
	JSON(w, http.StatusOK, h.catalog.Next(step))
}

// HandleCalibrate handles POST /onboarding/calibrate.
func (h *Handler) HandleCalibrate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEventBodySize)

	var req calibrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sessionID := identity.Sanitize(req.SessionID)
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	merged, err := h.engine.Calibrate(r.Context(), sessionID, req.Responses)
	if err != nil {
		slog.Error("Calibration failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "calibration failed")
		return
	}
	JSON(w, http.StatusOK, calibrateResponse{Message: "Success", Profile: merged})
}
