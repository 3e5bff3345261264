// Package http exposes the control-plane REST API: auth flows, bot
// lifecycle endpoints, and the admin surface. Handlers are thin — request
// parsing and status mapping only; semantics live in internal/bots and
// internal/auth.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mcclowin/probots/internal/auth"
	"github.com/mcclowin/probots/internal/bots"
	"github.com/mcclowin/probots/internal/engine"
	"github.com/mcclowin/probots/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps domain errors onto HTTP statuses. Unrecognized errors are
// logged and reported as a bare 500 so internals never reach the client.
func writeError(w http.ResponseWriter, err error) {
	var cmdErr *engine.CommandError
	switch {
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrCodeRejected):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
	case errors.Is(err, auth.ErrTooManyCodes):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	case errors.Is(err, bots.ErrValidation), errors.Is(err, bots.ErrInvalidName), errors.Is(err, bots.ErrNoAPIKey):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, bots.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, bots.ErrNotAvailable):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, engine.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case errors.Is(err, engine.ErrTimeout):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": err.Error()})
	case errors.As(err, &cmdErr):
		// Engine command failures carry their diagnostic to the client; most
		// are caused by the request (bad image, bad token), hence 400.
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": cmdErr.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
