//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/mcclowin/probots/internal/config"
)

// initTailscale serves the API on the tailnet as well as the main listener.
// Returns a cleanup function, or nil when Tailscale is not configured.
func initTailscale(ctx context.Context, cfg *config.Config, handler http.Handler) func() {
	if cfg.Tailscale.Hostname == "" {
		return nil
	}

	srv := &tsnet.Server{
		Hostname: cfg.Tailscale.Hostname,
		Dir:      config.ExpandHome(cfg.Tailscale.StateDir),
	}

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		slog.Error("tailscale listener failed", "hostname", cfg.Tailscale.Hostname, "error", err)
		srv.Close()
		return nil
	}
	slog.Info("tailscale listener active", "hostname", cfg.Tailscale.Hostname)

	go func() {
		if err := http.Serve(ln, handler); err != nil {
			slog.Warn("tailscale serve ended", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	return func() { srv.Close() }
}
