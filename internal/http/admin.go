package http

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/mcclowin/probots/internal/auth"
	"github.com/mcclowin/probots/internal/store"
)

// AdminHandler exposes the user management surface. All routes are
// admin-only.
type AdminHandler struct {
	users store.UserStore
	authn *authenticator
}

func NewAdminHandler(users store.UserStore, svc *auth.Service) *AdminHandler {
	return &AdminHandler{users: users, authn: &authenticator{svc: svc}}
}

func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/admin/users", h.authn.requireAdmin(h.handleListUsers))
	mux.HandleFunc("PATCH /api/admin/users/{id}", h.authn.requireAdmin(h.handleUpdateUser))
}

func (h *AdminHandler) handleListUsers(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	users, err := h.users.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

func (h *AdminHandler) handleUpdateUser(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	userID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user ID"})
		return
	}

	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Role != store.RoleAdmin && req.Role != store.RoleUser {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "role must be admin or user"})
		return
	}
	if userID == id.UserID && req.Role != store.RoleAdmin {
		// The last admin locking themselves out is unrecoverable without
		// database surgery.
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cannot demote yourself"})
		return
	}

	if err := h.users.UpdateRole(r.Context(), userID, req.Role); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}
