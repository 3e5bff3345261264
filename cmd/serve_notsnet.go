//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/mcclowin/probots/internal/config"
)

// initTailscale is a no-op without the tsnet build tag.
func initTailscale(ctx context.Context, cfg *config.Config, handler http.Handler) func() {
	if cfg.Tailscale.Hostname != "" {
		slog.Warn("tailscale configured but binary built without tsnet; rebuild with `go build -tags tsnet`")
	}
	return nil
}
