package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/mcclowin/probots/internal/config"
	"github.com/mcclowin/probots/internal/engine"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("probots doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — defaults + env apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Container engine
	fmt.Println()
	fmt.Println("  Engine:")
	eng := engine.New(engine.Options{})
	if eng.Available() {
		fmt.Printf("    %-12s OK (docker compose found)\n", "Compose:")
	} else {
		fmt.Printf("    %-12s NOT FOUND (install docker + compose plugin)\n", "Compose:")
	}
	fmt.Printf("    %-12s %s\n", "Image:", cfg.Engine.Image)
	fmt.Printf("    %-12s %s\n", "Helper:", cfg.Engine.HelperImage)

	// Bot home
	fmt.Println()
	fmt.Println("  Paths:")
	botsDir := cfg.BotsDir()
	fmt.Printf("    %-12s %s", "Bots dir:", botsDir)
	if err := os.MkdirAll(botsDir, 0o755); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}

	// Database
	fmt.Println()
	fmt.Println("  Database:")
	fmt.Printf("    %-12s %s\n", "Driver:", cfg.Database.Driver)
	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.PostgresDSN == "" {
			fmt.Printf("    %-12s PROBOTS_POSTGRES_DSN not set\n", "Status:")
			break
		}
		db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
		if err != nil {
			fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(ctx); err != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		} else {
			fmt.Printf("    %-12s OK\n", "Status:")
		}
		cancel()
		db.Close()
	default:
		fmt.Printf("    %-12s %s\n", "Path:", config.ExpandHome(cfg.Database.SQLitePath))
	}

	// Secrets: presence only, never values.
	fmt.Println()
	fmt.Println("  Secrets:")
	secret := func(label string, set bool) {
		if set {
			fmt.Printf("    %-24s set\n", label+":")
		} else {
			fmt.Printf("    %-24s NOT SET\n", label+":")
		}
	}
	secret("PROBOTS_ENCRYPTION_KEY", cfg.Database.EncryptionKey != "")
	secret("ANTHROPIC_API_KEY", cfg.Auth.MasterAPIKey != "")
	secret("STYTCH_PROJECT_ID", cfg.Auth.ProjectID != "")
	secret("STYTCH_SECRET", cfg.Auth.Secret != "")
}
