package http

import "net/http"

// HealthHandler reports control-plane liveness and engine availability.
// Unauthenticated: load balancers and uptime probes hit it.
type HealthHandler struct {
	engineAvailable func() bool
	image           string
}

func NewHealthHandler(engineAvailable func() bool, image string) *HealthHandler {
	return &HealthHandler{engineAvailable: engineAvailable, image: image}
}

func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.handleHealth)
}

func (h *HealthHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"engine": h.engineAvailable(),
		"image":  h.image,
	})
}
