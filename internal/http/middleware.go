package http

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mcclowin/probots/internal/auth"
)

const sessionCookie = "probots_session"

// authenticator resolves request credentials into an Identity and gates
// handlers on it.
type authenticator struct {
	svc *auth.Service
}

// sessionToken pulls the credential from the session cookie or, for
// non-browser clients, a bearer Authorization header.
func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// require wraps a handler that needs a verified caller.
func (a *authenticator) require(next func(w http.ResponseWriter, r *http.Request, id auth.Identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := a.svc.Resolve(r.Context(), sessionToken(r))
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, id)
	}
}

// requireAdmin additionally rejects non-admin callers with 403. Unlike the
// per-bot ownership checks this is not existence-hiding: the admin surface
// itself is not a secret.
func (a *authenticator) requireAdmin(next func(w http.ResponseWriter, r *http.Request, id auth.Identity)) http.HandlerFunc {
	return a.require(func(w http.ResponseWriter, r *http.Request, id auth.Identity) {
		if !id.IsAdmin() {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin only"})
			return
		}
		next(w, r, id)
	})
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withRequestLog traces and logs one line per completed request.
func withRequestLog(next http.Handler) http.Handler {
	tracer := otel.Tracer("probots/http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		slog.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).Round(time.Millisecond))
	})
}

// withCORS handles preflight and reflects allowed origins. An empty allow
// list permits any origin (single-operator deployments behind a LAN or
// tailnet).
func withCORS(allowed []string, next http.Handler) http.Handler {
	originOK := func(origin string) bool {
		if len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && originOK(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
