// internal/presence/handlers.go

package presence

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/imadgeboyega/kiekky-realtime/internal/common/utils"
)

type Handler struct {
	tracker *Tracker
	log     zerolog.Logger
}

func NewHandler(tracker *Tracker, log zerolog.Logger) *Handler {
	return &Handler{tracker: tracker, log: log}
}

type heartbeatRequest struct {
	Status string `json:"status" validate:"omitempty,oneof=online idle dnd offline invisible"`
}

// Routes returns the server presence router. Mount it behind RequireUser.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{scope}/roster", h.GetRoster)
	r.Post("/{scope}/heartbeat", h.Heartbeat)
	return r
}

// GetRoster returns the current roster of a server
func (h *Handler) GetRoster(w http.ResponseWriter, r *http.Request) {
	roster, err := h.tracker.GetRoster(r.Context(), chi.URLParam(r, "scope"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	utils.SuccessResponse(w, roster, http.StatusOK)
}

// Heartbeat marks the caller as seen with an optional status (default online)
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	userID, _ := utils.UserID(r.Context())

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		utils.ErrorResponse(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Status == "" {
		req.Status = "online"
	}

	member, err := h.tracker.Touch(r.Context(), chi.URLParam(r, "scope"), userID, req.Status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	utils.SuccessResponse(w, member, http.StatusOK)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidScope), errors.Is(err, ErrInvalidStatus):
		utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
	default:
		h.log.Error().Err(err).Msg("presence request failed")
		utils.ErrorResponse(w, "Failed to load presence", http.StatusBadGateway)
	}
}
