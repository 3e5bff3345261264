package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("PROBOTS_HOST", &c.Server.Host)
	envInt("PROBOTS_PORT", &c.Server.Port)
	envStr("PROBOTS_HOME", &c.Paths.Home)
	envStr("PROBOTS_IMAGE", &c.Engine.Image)
	envStr("PROBOTS_HELPER_IMAGE", &c.Engine.HelperImage)
	envStr("PROBOTS_DB", &c.Database.SQLitePath)
	envStr("PROBOTS_DB_DRIVER", &c.Database.Driver)

	// Secrets: env only, never the config file.
	envStr("PROBOTS_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("PROBOTS_ENCRYPTION_KEY", &c.Database.EncryptionKey)
	envStr("ANTHROPIC_API_KEY", &c.Auth.MasterAPIKey)
	envStr("STYTCH_PROJECT_ID", &c.Auth.ProjectID)
	envStr("STYTCH_SECRET", &c.Auth.Secret)
}
