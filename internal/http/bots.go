package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mcclowin/probots/internal/auth"
	"github.com/mcclowin/probots/internal/bots"
)

// BotsHandler exposes the bot lifecycle endpoints.
type BotsHandler struct {
	coord *bots.Coordinator
	authn *authenticator
}

func NewBotsHandler(coord *bots.Coordinator, svc *auth.Service) *BotsHandler {
	return &BotsHandler{coord: coord, authn: &authenticator{svc: svc}}
}

func (h *BotsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/bots", h.authn.require(h.handleList))
	mux.HandleFunc("POST /api/bots", h.authn.require(h.handleSpawn))
	mux.HandleFunc("GET /api/bots/{name}", h.authn.require(h.handleGet))
	mux.HandleFunc("POST /api/bots/{name}/start", h.authn.require(h.handleStart))
	mux.HandleFunc("POST /api/bots/{name}/stop", h.authn.require(h.handleStop))
	mux.HandleFunc("POST /api/bots/{name}/restart", h.authn.require(h.handleRestart))
	mux.HandleFunc("DELETE /api/bots/{name}", h.authn.require(h.handleDestroy))
	mux.HandleFunc("GET /api/bots/{name}/logs", h.authn.require(h.handleLogs))
	mux.HandleFunc("GET /api/bots/{name}/export", h.authn.require(h.handleExport))
}

func (h *BotsHandler) handleList(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	views, err := h.coord.List(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bots": views})
}

func (h *BotsHandler) handleSpawn(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req bots.SpawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	bot, err := h.coord.Spawn(r.Context(), id, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bot)
}

func (h *BotsHandler) handleGet(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	view, err := h.coord.Get(r.Context(), id, r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *BotsHandler) handleStart(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	h.verb(w, r, id, h.coord.Start)
}

func (h *BotsHandler) handleStop(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	h.verb(w, r, id, h.coord.Stop)
}

func (h *BotsHandler) handleRestart(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	h.verb(w, r, id, h.coord.Restart)
}

func (h *BotsHandler) verb(w http.ResponseWriter, r *http.Request, id auth.Identity,
	op func(ctx context.Context, id auth.Identity, name string) (string, error)) {
	name := r.PathValue("name")
	status, err := op(r.Context(), id, name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": status})
}

func (h *BotsHandler) handleDestroy(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	name := r.PathValue("name")
	if err := h.coord.Destroy(r.Context(), id, name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "destroyed"})
}

func (h *BotsHandler) handleLogs(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	lines := 100
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			lines = n
		}
	}
	name := r.PathValue("name")
	logs, err := h.coord.Logs(r.Context(), id, name, lines)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"name": name, "lines": lines, "logs": logs})
}

func (h *BotsHandler) handleExport(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	name := r.PathValue("name")
	data, err := h.coord.Export(r.Context(), id, name)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+"-export.tar.gz"))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
