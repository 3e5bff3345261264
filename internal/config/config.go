// Package config loads the probots configuration: a JSON5 file overlaid
// with environment variables. Secrets (master API key, encryption key,
// identity provider credentials, Postgres DSN) are env-only and never
// written to the file.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Paths     PathsConfig     `json:"paths"`
	Engine    EngineConfig    `json:"engine"`
	Database  DatabaseConfig  `json:"database"`
	Auth      AuthConfig      `json:"auth"`
	Reconcile ReconcileConfig `json:"reconcile"`
	Tracing   TracingConfig   `json:"tracing"`
	Tailscale TailscaleConfig `json:"tailscale"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// AllowedOrigins restricts CORS; empty allows any origin.
	AllowedOrigins []string `json:"allowed_origins"`
}

type PathsConfig struct {
	// Home is the root of all bot working areas (<home>/bots/<name>).
	Home string `json:"home"`
}

type EngineConfig struct {
	// Image is the bot runtime image rendered into every compose descriptor.
	Image string `json:"image"`
	// HelperImage runs the privileged one-shot cleanup/export tasks.
	HelperImage string `json:"helper_image"`
	// DefaultMemLimitMB is applied when a spawn request omits mem_limit_mb.
	DefaultMemLimitMB int `json:"default_mem_limit_mb"`
	// LaunchTimeoutSec bounds up/stop/restart/down; LogsTimeoutSec bounds
	// log tailing and status inspection.
	LaunchTimeoutSec int `json:"launch_timeout_sec"`
	LogsTimeoutSec   int `json:"logs_timeout_sec"`
	// DefaultModel is used when a spawn request omits model.
	DefaultModel string `json:"default_model"`
	// VerifyTelegramTokens enables the Telegram getMe pre-flight at spawn.
	VerifyTelegramTokens bool `json:"verify_telegram_tokens"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `json:"driver"`
	// SQLitePath is the database file for the sqlite driver.
	SQLitePath string `json:"sqlite_path"`
	// PostgresDSN comes from PROBOTS_POSTGRES_DSN only.
	PostgresDSN string `json:"-"`
	// EncryptionKey encrypts secret columns; from PROBOTS_ENCRYPTION_KEY only.
	EncryptionKey string `json:"-"`
}

type AuthConfig struct {
	// SessionTTLHours is the lifetime of a verified session (default 7 days).
	SessionTTLHours int `json:"session_ttl_hours"`
	// CodesPerMinute throttles one-time-code sends per email address.
	CodesPerMinute float64 `json:"codes_per_minute"`
	// Provider endpoint + credentials; secret comes from env.
	ProviderURL string `json:"provider_url"`
	ProjectID   string `json:"-"`
	Secret      string `json:"-"`
	// MasterAPIKey is the fallback model API key; from ANTHROPIC_API_KEY.
	MasterAPIKey string `json:"-"`
	// SecureCookies marks session cookies Secure; enable behind TLS.
	SecureCookies bool `json:"secure_cookies"`
}

type ReconcileConfig struct {
	// Schedule is a cron expression for the status sweep. Empty disables it.
	Schedule string `json:"schedule"`
}

type TracingConfig struct {
	// Endpoint enables OTLP trace export when non-empty.
	Endpoint string `json:"endpoint"`
	// Protocol is "http" (default) or "grpc".
	Protocol string `json:"protocol"`
}

type TailscaleConfig struct {
	// Hostname enables tsnet serving when non-empty (build tag tsnet).
	Hostname string `json:"hostname"`
	StateDir string `json:"state_dir"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 4200,
		},
		Paths: PathsConfig{
			Home: filepath.Join(home, "probots"),
		},
		Engine: EngineConfig{
			Image:             "ghcr.io/mcclowin/openclaw-tee:latest",
			HelperImage:       "alpine:3.20",
			DefaultMemLimitMB: 2048,
			LaunchTimeoutSec:  30,
			LogsTimeoutSec:    10,
			DefaultModel:      "anthropic/claude-sonnet-4-20250514",
		},
		Database: DatabaseConfig{
			Driver:     "sqlite",
			SQLitePath: filepath.Join(home, "probots", "probots.db"),
		},
		Auth: AuthConfig{
			SessionTTLHours: 24 * 7,
			CodesPerMinute:  1,
			ProviderURL:     "https://api.stytch.com",
		},
		Reconcile: ReconcileConfig{
			Schedule: "* * * * *",
		},
		Tracing: TracingConfig{
			Protocol: "http",
		},
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// BotsDir returns the directory holding all bot working areas.
func (c *Config) BotsDir() string {
	return filepath.Join(ExpandHome(c.Paths.Home), "bots")
}
