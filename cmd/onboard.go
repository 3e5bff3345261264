package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mcclowin/probots/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); err == nil {
		overwrite := false
		if err := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", cfgPath)).
			Value(&overwrite).Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Keeping existing configuration.")
			return nil
		}
	}

	defaults := config.Default()
	var (
		home      = defaults.Paths.Home
		port      = strconv.Itoa(defaults.Server.Port)
		image     = defaults.Engine.Image
		driver    = "sqlite"
		preVerify bool
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Bot home directory").
				Description("Working areas and the sqlite database live here.").
				Value(&home),
			huh.NewInput().
				Title("API port").
				Value(&port).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 || n > 65535 {
						return fmt.Errorf("enter a port between 1 and 65535")
					}
					return nil
				}),
			huh.NewInput().
				Title("Bot runtime image").
				Value(&image),
			huh.NewSelect[string]().
				Title("Database").
				Options(
					huh.NewOption("SQLite (single file, zero setup)", "sqlite"),
					huh.NewOption("Postgres (managed, needs PROBOTS_POSTGRES_DSN)", "postgres"),
				).
				Value(&driver),
			huh.NewConfirm().
				Title("Verify Telegram tokens at spawn?").
				Description("Pre-flights each bot token against the Telegram API before launching.").
				Value(&preVerify),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	portNum, _ := strconv.Atoi(port)
	fileCfg := map[string]any{
		"server": map[string]any{"host": "0.0.0.0", "port": portNum},
		"paths":  map[string]any{"home": home},
		"engine": map[string]any{
			"image":                  image,
			"verify_telegram_tokens": preVerify,
		},
		"database": map[string]any{"driver": driver},
	}
	data, err := json.MarshalIndent(fileCfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfgPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Wrote %s\n", cfgPath)

	// Secrets go to .env.local (0600), never the config file.
	envPath := filepath.Join(filepath.Dir(cfgPath), ".env.local")
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("generate encryption key: %w", err)
		}
		env := "# probots secrets — keep out of version control\n" +
			"export PROBOTS_ENCRYPTION_KEY=" + hex.EncodeToString(key) + "\n" +
			"#export ANTHROPIC_API_KEY=sk-ant-...\n" +
			"#export STYTCH_PROJECT_ID=project-...\n" +
			"#export STYTCH_SECRET=secret-...\n"
		if err := os.WriteFile(envPath, []byte(env), 0o600); err != nil {
			return fmt.Errorf("write env file: %w", err)
		}
		fmt.Printf("Wrote %s with a fresh encryption key\n", envPath)
	} else {
		fmt.Printf("Keeping existing %s\n", envPath)
	}

	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  1. Fill in the API keys in %s\n", envPath)
	fmt.Printf("  2. source %s\n", envPath)
	fmt.Println("  3. probots serve")
	return nil
}
