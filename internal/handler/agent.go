package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/promptforge-ai/codegen-platform/internal/apperr"
	"github.com/promptforge-ai/codegen-platform/internal/coordinator"
	"github.com/promptforge-ai/codegen-platform/internal/event"
	"github.com/promptforge-ai/codegen-platform/internal/middleware"
	"github.com/promptforge-ai/codegen-platform/internal/registry"
	"github.com/promptforge-ai/codegen-platform/internal/validate"
	"github.com/promptforge-ai/codegen-platform/pkg/logger"
	"github.com/promptforge-ai/codegen-platform/pkg/metrics"
)

// AgentHandler handles project generation endpoints.
type AgentHandler struct {
	coordinator *coordinator.Coordinator
	projects    *registry.Projects
	logger      *logger.Logger
	expose      bool
	streamingOn bool
}

// NewAgentHandler creates a new agent handler. When streaming is false
// every request is answered in blocking mode regardless of what the
// client asks for.
func NewAgentHandler(coord *coordinator.Coordinator, projects *registry.Projects, log *logger.Logger, expose, streaming bool) *AgentHandler {
	return &AgentHandler{coordinator: coord, projects: projects, logger: log, expose: expose, streamingOn: streaming}
}

type createProjectRequest struct {
	Description string   `json:"description"`
	UserID      string   `json:"userId"`
	SessionID   string   `json:"sessionId"`
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	Framework   string   `json:"framework"`
	Features    []string `json:"features"`
	Streaming   bool     `json:"streaming"`
	PreviewOnly bool     `json:"previewOnly"`
}

type continueProjectRequest struct {
	ProjectID   string `json:"projectId"`
	Instruction string `json:"instruction"`
	UserID      string `json:"userId"`
	SessionID   string `json:"sessionId"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	Streaming   bool   `json:"streaming"`
	PreviewOnly bool   `json:"previewOnly"`
}

type startResponse struct {
	ProjectID string `json:"projectId"`
	StreamID  string `json:"streamId"`
	SessionID string `json:"sessionId"`
	Existing  bool   `json:"existing,omitempty"`
}

// completedResponse is the blocking-mode answer: the handle plus the
// final project state once the stream has terminated.
type completedResponse struct {
	startResponse
	Status   string       `json:"status"`
	Progress float64      `json:"progress"`
	Files    []string     `json:"files,omitempty"`
	Usage    *event.Usage `json:"usage,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	Code     string       `json:"code,omitempty"`
	Message  string       `json:"message,omitempty"`
}

type projectStatusResponse struct {
	ID           string  `json:"id"`
	Status       string  `json:"status"`
	Progress     float64 `json:"progress"`
	ActiveStream string  `json:"activeStream,omitempty"`
	CreatedAt    string  `json:"createdAt"`
	UpdatedAt    string  `json:"updatedAt"`
}

type cleanupRequest struct {
	OlderThanHours int `json:"olderThanHours"`
}

// CreateProject handles POST /api/agent/create-project
func (h *AgentHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, h.expose)
		return
	}
	if err := validate.EnhancedDescription(req.Description); err != nil {
		writeError(w, err, h.expose)
		return
	}
	if err := validate.Provider(req.Provider); err != nil {
		writeError(w, err, h.expose)
		return
	}

	h.start(w, r, &coordinator.Request{
		Kind:        coordinator.KindCreate,
		SessionID:   req.SessionID,
		Owner:       owner(r, req.UserID),
		Text:        req.Description,
		Provider:    req.Provider,
		Model:       req.Model,
		Framework:   req.Framework,
		Features:    req.Features,
		PreviewOnly: req.PreviewOnly,
	}, req.Streaming)
}

// ContinueProject handles POST /api/agent/continue-project
func (h *AgentHandler) ContinueProject(w http.ResponseWriter, r *http.Request) {
	var req continueProjectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, h.expose)
		return
	}
	if req.ProjectID == "" {
		writeError(w, apperr.Validation("projectId is required", "projectId"), h.expose)
		return
	}
	if err := validate.Instruction(req.Instruction); err != nil {
		writeError(w, err, h.expose)
		return
	}
	if err := validate.Provider(req.Provider); err != nil {
		writeError(w, err, h.expose)
		return
	}

	h.start(w, r, &coordinator.Request{
		Kind:        coordinator.KindContinue,
		SessionID:   req.SessionID,
		ProjectID:   req.ProjectID,
		Owner:       owner(r, req.UserID),
		Text:        req.Instruction,
		Provider:    req.Provider,
		Model:       req.Model,
		PreviewOnly: req.PreviewOnly,
	}, req.Streaming)
}

// start launches the stream and answers either with the completed result
// or, when streaming is requested and enabled, with the full event stream
// over SSE.
func (h *AgentHandler) start(w http.ResponseWriter, r *http.Request, req *coordinator.Request, streaming bool) {
	if !streaming || !h.streamingOn {
		h.startBlocking(w, r, req)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperr.New(apperr.KindInternal, "streaming not supported"), h.expose)
		return
	}

	sink := newChannelSink()
	subID := "sse-" + uuid.NewString()
	handle, err := h.coordinator.Start(req, subID, sink)
	if err != nil {
		writeError(w, err, h.expose)
		return
	}
	defer sink.close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	metrics.SSEConnectionsActive.Inc()
	defer metrics.SSEConnectionsActive.Dec()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			// The SSE subscriber owns this stream; without other
			// listeners the generation stops with it.
			if remaining := h.coordinator.Unsubscribe(handle.StreamID, subID); remaining == 0 {
				h.coordinator.Cancel(handle.StreamID, coordinator.ReasonDisconnect)
			}
			h.logger.Info("sse client disconnected",
				zap.String("stream_id", handle.StreamID),
			)
			return

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", map[string]string{
				"time": time.Now().UTC().Format(time.RFC3339),
			})

		case ev := <-sink.ch:
			sendSSEEvent(w, flusher, string(ev.Type), ev)
			if ev.Terminal() {
				return
			}
		}
	}
}

// startBlocking runs the generation to its terminal event and answers
// with the final result. A client disconnect detaches the collector and
// cancels the stream when no one else is listening.
func (h *AgentHandler) startBlocking(w http.ResponseWriter, r *http.Request, req *coordinator.Request) {
	col := coordinator.NewCollector()
	subID := "http-" + uuid.NewString()
	handle, err := h.coordinator.Start(req, subID, col)
	if err != nil {
		writeError(w, err, h.expose)
		return
	}

	select {
	case <-col.Done():
	case <-r.Context().Done():
		if remaining := h.coordinator.Unsubscribe(handle.StreamID, subID); remaining == 0 {
			h.coordinator.Cancel(handle.StreamID, coordinator.ReasonDisconnect)
		}
		h.logger.Info("blocking client disconnected",
			zap.String("stream_id", handle.StreamID),
		)
		return
	}

	resp := completedResponse{startResponse: startResponse{
		ProjectID: handle.ProjectID,
		StreamID:  handle.StreamID,
		SessionID: handle.SessionID,
		Existing:  handle.Existing,
	}}
	if proj, err := h.projects.Get(handle.ProjectID); err == nil {
		resp.Status = string(proj.Status)
		resp.Progress = proj.Progress
	}
	if term := col.Terminal(); term != nil {
		resp.Files = term.Files
		resp.Usage = term.Usage
		resp.Reason = term.Reason
		resp.Code = term.Code
		resp.Message = term.Message
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListProjects handles GET /api/projects
func (h *AgentHandler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects := h.projects.List(r.URL.Query().Get("userId"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"projects": projects,
		"count":    len(projects),
	})
}

// ProjectStatus handles GET /api/projects/:id/status
func (h *AgentHandler) ProjectStatus(w http.ResponseWriter, r *http.Request) {
	proj, err := h.projects.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, h.expose)
		return
	}
	writeJSON(w, http.StatusOK, projectStatusResponse{
		ID:           proj.ID,
		Status:       string(proj.Status),
		Progress:     proj.Progress,
		ActiveStream: proj.ActiveStream,
		CreatedAt:    proj.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    proj.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

// ProjectFiles handles GET /api/projects/:id/files
// A filePath query parameter narrows the response to one artifact.
func (h *AgentHandler) ProjectFiles(w http.ResponseWriter, r *http.Request) {
	proj, err := h.projects.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, h.expose)
		return
	}

	if pth := r.URL.Query().Get("filePath"); pth != "" {
		artifact, ok := proj.Tracker().Get(pth)
		if !ok {
			writeError(w, apperr.New(apperr.KindNotFound, "file not found: "+pth), h.expose)
			return
		}
		writeJSON(w, http.StatusOK, artifact)
		return
	}

	files := proj.Tracker().List("")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"projectId": proj.ID,
		"files":     files,
		"stats":     proj.Tracker().Stats(),
	})
}

// CancelProject handles POST /api/projects/:id/cancel
func (h *AgentHandler) CancelProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.coordinator.CancelProject(id, coordinator.ReasonUser); err != nil {
		writeError(w, err, h.expose)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"projectId": id,
		"status":    string(registry.StatusCancelled),
	})
}

// Cleanup handles POST /api/agent/cleanup
func (h *AgentHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, h.expose)
		return
	}
	if req.OlderThanHours <= 0 {
		req.OlderThanHours = 24
	}

	removed := h.projects.Cleanup(time.Duration(req.OlderThanHours) * time.Hour)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// owner resolves the acting user: an explicit body field wins, then the
// authenticated principal.
func owner(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return middleware.GetPrincipal(r.Context())
}

// channelSink adapts the subscriber queue to a select loop. Closing it
// releases any Deliver still blocked on a reader that has gone away, so
// the pump goroutine can run down.
type channelSink struct {
	ch   chan *event.Event
	done chan struct{}
}

func newChannelSink() *channelSink {
	return &channelSink{
		ch:   make(chan *event.Event, 16),
		done: make(chan struct{}),
	}
}

func (s *channelSink) Deliver(ev *event.Event) {
	select {
	case s.ch <- ev:
	case <-s.done:
	}
}

func (s *channelSink) close() {
	close(s.done)
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, name string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", name)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
