package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoad_MissingFile verifies defaults apply when no config file exists.
func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 4200 {
		t.Fatalf("expected default port 4200, got %d", cfg.Server.Port)
	}
	if cfg.Engine.DefaultMemLimitMB != 2048 {
		t.Fatalf("expected default mem limit 2048, got %d", cfg.Engine.DefaultMemLimitMB)
	}
}

// TestLoad_FileAndEnv verifies file values load and env vars win over them.
func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		// JSON5: comments allowed
		server: { port: 9000 },
		engine: { image: "ghcr.io/example/bot:v2" },
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PROBOTS_IMAGE", "ghcr.io/example/bot:env")
	t.Setenv("PROBOTS_ENCRYPTION_KEY", "test-key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("expected file port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Engine.Image != "ghcr.io/example/bot:env" {
		t.Fatalf("expected env image to win, got %q", cfg.Engine.Image)
	}
	if cfg.Database.EncryptionKey != "test-key" {
		t.Fatal("expected encryption key from env")
	}
}

// TestExpandHome verifies ~ expansion and passthrough of absolute paths.
func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandHome("~/probots"); got != filepath.Join(home, "probots") {
		t.Fatalf("expand: got %q", got)
	}
	if got := ExpandHome("/var/probots"); got != "/var/probots" {
		t.Fatalf("absolute path changed: %q", got)
	}
}
