package health

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// HTTPHandler serves the health surface.
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{manager: manager, logger: logger}
}

// RegisterRoutes mounts the health endpoints on mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/ready", h.handleReady)
	mux.HandleFunc("/health/live", h.handleLive)
	mux.HandleFunc("/health/detailed", h.handleDetailed)
}

// handleHealth returns the aggregate verdict and a per-component boolean
// map. It always answers 200: the verdict lives in the body, and only the
// readiness probe speaks through status codes.
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	detailed := h.manager.GetDetailedHealth(r.Context())
	overall := detailed.Overall

	checks := make(map[string]bool, len(detailed.Components))
	for name, result := range detailed.Components {
		checks[name] = result.Status == StatusHealthy
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    overall.Status.String(),
		"message":   overall.Message,
		"degraded":  overall.Degraded,
		"checks":    checks,
		"timestamp": overall.Timestamp,
	})
}

func (h *HTTPHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.manager.IsReady(r.Context()) {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}

func (h *HTTPHandler) handleLive(w http.ResponseWriter, r *http.Request) {
	if h.manager.IsLive(r.Context()) {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
		return
	}
	h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "dead"})
}

func (h *HTTPHandler) handleDetailed(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.manager.GetDetailedHealth(r.Context()))
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
