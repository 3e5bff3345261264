package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// RouteRegistrar is anything that can attach its routes to the mux.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Server runs the control-plane API.
type Server struct {
	addr           string
	allowedOrigins []string
	handlers       []RouteRegistrar

	mux        *http.ServeMux
	httpServer *http.Server
}

func NewServer(addr string, allowedOrigins []string, handlers ...RouteRegistrar) *Server {
	return &Server{addr: addr, allowedOrigins: allowedOrigins, handlers: handlers}
}

// BuildMux creates and caches the mux with all routes registered. Call
// before Start when the mux is needed for additional listeners.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	for _, h := range s.handlers {
		h.RegisterRoutes(mux)
	}
	s.mux = mux
	return mux
}

// Handler returns the full middleware-wrapped handler chain.
func (s *Server) Handler() http.Handler {
	return withRequestLog(withCORS(s.allowedOrigins, s.BuildMux()))
}

// Start listens until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("api listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}
