package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcclowin/probots/internal/auth"
	"github.com/mcclowin/probots/internal/bots"
	"github.com/mcclowin/probots/internal/config"
	"github.com/mcclowin/probots/internal/engine"
	httpapi "github.com/mcclowin/probots/internal/http"
	"github.com/mcclowin/probots/internal/reconcile"
	"github.com/mcclowin/probots/internal/store"
	"github.com/mcclowin/probots/internal/store/pg"
	"github.com/mcclowin/probots/internal/store/sqlite"
	"github.com/mcclowin/probots/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control-plane API server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Database.EncryptionKey == "" {
		slog.Error("PROBOTS_ENCRYPTION_KEY is not set; refusing to store secrets in plaintext. Run `probots onboard` to generate one.")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, "probots", Version, tracing.Config{
		Endpoint: cfg.Tracing.Endpoint,
		Protocol: cfg.Tracing.Protocol,
		Insecure: true,
	})
	if err != nil {
		slog.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	eng := engine.New(engine.Options{
		HelperImage:   cfg.Engine.HelperImage,
		LaunchTimeout: time.Duration(cfg.Engine.LaunchTimeoutSec) * time.Second,
		LogsTimeout:   time.Duration(cfg.Engine.LogsTimeoutSec) * time.Second,
	})
	if !eng.Available() {
		slog.Warn("no docker compose binary found; lifecycle operations will fail until the engine is installed")
	}

	botsDir := cfg.BotsDir()
	if err := os.MkdirAll(botsDir, 0o755); err != nil {
		slog.Error("failed to create bots directory", "dir", botsDir, "error", err)
		os.Exit(1)
	}

	var verifier bots.TokenVerifier
	if cfg.Engine.VerifyTelegramTokens {
		verifier = bots.NewTelegramVerifier()
	}
	coord := bots.NewCoordinator(
		stores.Bots,
		bots.NewRegistry(botsDir),
		bots.NewVault(cfg.Auth.MasterAPIKey),
		eng,
		verifier,
		spawnDefaults(cfg),
	)

	if cfg.Auth.ProjectID == "" || cfg.Auth.Secret == "" {
		slog.Warn("identity provider credentials missing (STYTCH_PROJECT_ID / STYTCH_SECRET); logins will fail")
	}
	provider := auth.NewStytchProvider(cfg.Auth.ProviderURL, cfg.Auth.ProjectID, cfg.Auth.Secret)
	sessionTTL := time.Duration(cfg.Auth.SessionTTLHours) * time.Hour
	authSvc := auth.NewService(stores.Users, stores.Sessions, provider, sessionTTL, cfg.Auth.CodesPerMinute)

	// Background loops: status reconciliation, session purge, config reload.
	if cfg.Reconcile.Schedule != "" {
		sweeper, err := reconcile.New(stores.Bots, eng.Status, cfg.Reconcile.Schedule)
		if err != nil {
			slog.Error("invalid reconcile schedule", "error", err)
			os.Exit(1)
		}
		go sweeper.Run(ctx)
	}
	go purgeSessions(ctx, authSvc)
	go func() {
		if err := config.Watch(ctx, cfgPath, func(fresh *config.Config) {
			coord.SetDefaults(spawnDefaults(fresh))
		}); err != nil {
			slog.Warn("config watcher unavailable", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	server := httpapi.NewServer(
		fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		cfg.Server.AllowedOrigins,
		httpapi.NewHealthHandler(eng.Available, cfg.Engine.Image),
		httpapi.NewAuthHandler(authSvc, sessionTTL, cfg.Auth.SecureCookies),
		httpapi.NewBotsHandler(coord, authSvc),
		httpapi.NewAdminHandler(stores.Users, authSvc),
	)

	// Tailscale listener serves the same routes on the tailnet.
	// Compiled via build tags: `go build -tags tsnet` to enable.
	tsCleanup := initTailscale(ctx, cfg, server.Handler())
	if tsCleanup != nil {
		defer tsCleanup()
	}

	slog.Info("probots starting",
		"version", Version,
		"driver", cfg.Database.Driver,
		"image", cfg.Engine.Image,
		"home", cfg.Paths.Home,
		"engine", eng.Available(),
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.PostgresDSN == "" {
			return nil, fmt.Errorf("PROBOTS_POSTGRES_DSN is not set")
		}
		return pg.NewStores(cfg.Database.PostgresDSN, cfg.Database.EncryptionKey)
	case "", "sqlite":
		return sqlite.NewStores(config.ExpandHome(cfg.Database.SQLitePath), cfg.Database.EncryptionKey)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func spawnDefaults(cfg *config.Config) bots.Defaults {
	return bots.Defaults{
		Image:      cfg.Engine.Image,
		Model:      cfg.Engine.DefaultModel,
		MemLimitMB: cfg.Engine.DefaultMemLimitMB,
	}
}

// purgeSessions sweeps expired sessions hourly.
func purgeSessions(ctx context.Context, svc *auth.Service) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.PurgeExpired(ctx)
		}
	}
}
