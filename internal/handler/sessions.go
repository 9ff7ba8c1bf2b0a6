package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/promptforge-ai/codegen-platform/internal/apperr"
	"github.com/promptforge-ai/codegen-platform/internal/registry"
	"github.com/promptforge-ai/codegen-platform/internal/validate"
	"github.com/promptforge-ai/codegen-platform/pkg/logger"
)

// SessionHandler handles session endpoints.
type SessionHandler struct {
	sessions *registry.Sessions
	logger   *logger.Logger
	expose   bool
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(sessions *registry.Sessions, log *logger.Logger, expose bool) *SessionHandler {
	return &SessionHandler{sessions: sessions, logger: log, expose: expose}
}

type createSessionRequest struct {
	UserID  string `json:"userId"`
	Mode    string `json:"mode"`
	Quality string `json:"quality"`
}

type appendTurnRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type switchModeRequest struct {
	Mode string `json:"mode"`
}

type switchModeResponse struct {
	SessionID    string `json:"sessionId"`
	PreviousMode string `json:"previousMode"`
	CurrentMode  string `json:"currentMode"`
}

// Create handles POST /api/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, h.expose)
		return
	}

	mode := registry.ModePlan
	if req.Mode != "" {
		m, err := registry.ParseMode(req.Mode)
		if err != nil {
			writeError(w, err, h.expose)
			return
		}
		mode = m
	}
	quality, err := registry.ParseQuality(req.Quality)
	if err != nil {
		writeError(w, err, h.expose)
		return
	}

	sess := h.sessions.Create(req.UserID, mode, quality)
	writeJSON(w, http.StatusCreated, sess)
}

// List handles GET /api/sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": h.sessions.List(),
	})
}

// Get handles GET /api/sessions/:id
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, h.expose)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Delete handles DELETE /api/sessions/:id
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, err, h.expose)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// SwitchMode handles POST /api/sessions/:id/mode
func (h *SessionHandler) SwitchMode(w http.ResponseWriter, r *http.Request) {
	var req switchModeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, h.expose)
		return
	}
	if req.Mode == "" {
		writeError(w, apperr.Validation("mode is required", "mode"), h.expose)
		return
	}
	mode, err := registry.ParseMode(req.Mode)
	if err != nil {
		writeError(w, err, h.expose)
		return
	}

	sw, err := h.sessions.SwitchMode(chi.URLParam(r, "id"), mode)
	if err != nil {
		writeError(w, err, h.expose)
		return
	}
	writeJSON(w, http.StatusOK, switchModeResponse{
		SessionID:    sw.SessionID,
		PreviousMode: string(sw.PreviousMode),
		CurrentMode:  string(sw.CurrentMode),
	})
}

// AppendMessage handles POST /api/sessions/:id/messages
func (h *SessionHandler) AppendMessage(w http.ResponseWriter, r *http.Request) {
	var req appendTurnRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, h.expose)
		return
	}
	if err := validate.Content(req.Content); err != nil {
		writeError(w, err, h.expose)
		return
	}

	role := registry.TurnRole(req.Role)
	if role == "" {
		role = registry.RoleUser
	}
	if err := h.sessions.Append(chi.URLParam(r, "id"), role, req.Content); err != nil {
		writeError(w, err, h.expose)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"appended": true})
}
