package handlers

import (
	"net/http"
	"time"

	"github.com/dicomkit/dicomweb-server/internal/storage"
)

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	store   storage.Provider
	started time.Time
}

// NewHealthHandler creates the probe handler.
func NewHealthHandler(store storage.Provider) *HealthHandler {
	return &HealthHandler{store: store, started: time.Now()}
}

// Health reports process liveness.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, mediaJSON, map[string]any{
		"status": "healthy",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// Ready reports whether the storage backend answers.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	total, err := h.store.TotalInstances(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, mediaJSON, map[string]any{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, mediaJSON, map[string]any{
		"status":    "ready",
		"instances": total,
	})
}
