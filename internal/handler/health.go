package handler

import (
	"net/http"
	"time"

	"github.com/promptforge-ai/codegen-platform/internal/eventbus"
	"github.com/promptforge-ai/codegen-platform/internal/llm"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	bus       *eventbus.Bus
	providers *llm.Registry
	started   time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(bus *eventbus.Bus, providers *llm.Registry) *HealthHandler {
	return &HealthHandler{
		bus:       bus,
		providers: providers,
		started:   time.Now(),
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"uptime": time.Since(h.started).Round(time.Second).String(),
		"features": map[string]bool{
			"websocket": true,
			"longPoll":  true,
			"events":    h.bus.Connected(),
		},
		"providers": h.providers.Configured(),
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if len(h.providers.Configured()) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "no providers configured",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
