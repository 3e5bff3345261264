package bots

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	envFileName     = "bot.env"
	composeFileName = "docker-compose.yml"
)

// Vault generates per-bot secrets and renders the runtime configuration
// files the engine consumes. Rendered content is written straight to disk
// with tight permissions and never logged or echoed in responses.
type Vault struct {
	masterKey string
}

func NewVault(masterAPIKey string) *Vault {
	return &Vault{masterKey: masterAPIKey}
}

// ResolveAPIKey picks the model API key: a tenant-supplied key wins,
// otherwise the process-wide master key, otherwise ErrNoAPIKey.
func (v *Vault) ResolveAPIKey(tenantKey string) (string, error) {
	if tenantKey != "" {
		return tenantKey, nil
	}
	if v.masterKey != "" {
		return v.masterKey, nil
	}
	return "", ErrNoAPIKey
}

// GenerateGatewayToken returns a fresh 256-bit random hex token.
func (v *Vault) GenerateGatewayToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate gateway token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// EnvSpec is everything the runtime environment file needs.
type EnvSpec struct {
	Name            string
	TelegramToken   string
	TelegramOwnerID string
	APIKey          string
	Model           string
	Soul            string
	GatewayToken    string
	MemLimitMB      int
	CreatedAt       time.Time
}

// RenderEnv produces the bot.env content consumed by the runtime image.
func (v *Vault) RenderEnv(spec EnvSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "BOT_NAME=%s\n", spec.Name)
	fmt.Fprintf(&b, "TELEGRAM_BOT_TOKEN=%s\n", spec.TelegramToken)
	fmt.Fprintf(&b, "ANTHROPIC_API_KEY=%s\n", spec.APIKey)
	fmt.Fprintf(&b, "TELEGRAM_OWNER_ID=%s\n", spec.TelegramOwnerID)
	fmt.Fprintf(&b, "DEFAULT_MODEL=%s\n", spec.Model)
	fmt.Fprintf(&b, "GATEWAY_TOKEN=%s\n", spec.GatewayToken)
	fmt.Fprintf(&b, "MEM_LIMIT=%dm\n", spec.MemLimitMB)
	fmt.Fprintf(&b, "CREATED=%s\n", spec.CreatedAt.UTC().Format(time.RFC3339))
	if spec.Soul != "" {
		// Env files are line-oriented; keep multi-line souls on one line.
		fmt.Fprintf(&b, "SOUL_MD=%s\n", strings.ReplaceAll(spec.Soul, "\n", "\\n"))
	}
	return b.String()
}

// RenderCompose produces the per-bot compose descriptor. Only the validated
// name, the configured image, and the numeric memory limit are
// interpolated — never free-form request fields.
func (v *Vault) RenderCompose(image, containerName string, memLimitMB int) string {
	return fmt.Sprintf(`services:
  openclaw:
    image: %s
    container_name: %s
    env_file: bot.env
    environment:
      - NODE_OPTIONS=--max-old-space-size=1536
    volumes:
      - ./data:/root/.openclaw
    restart: unless-stopped
    mem_limit: %dm
`, image, containerName, memLimitMB)
}

// WriteRuntimeFiles persists the rendered configuration into the bot
// directory. The env file carries secrets and is written 0600.
func (v *Vault) WriteRuntimeFiles(dir, envContent, composeContent string) error {
	if err := os.WriteFile(filepath.Join(dir, envFileName), []byte(envContent), 0o600); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, composeFileName), []byte(composeContent), 0o644); err != nil {
		return fmt.Errorf("write compose file: %w", err)
	}
	return nil
}

// HasRuntimeFiles reports whether the bot directory still carries its
// rendered configuration (it can go missing if a cleanup was interrupted).
func (v *Vault) HasRuntimeFiles(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, envFileName)); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(dir, composeFileName))
	return err == nil
}
