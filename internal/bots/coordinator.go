package bots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mcclowin/probots/internal/auth"
	"github.com/mcclowin/probots/internal/engine"
	"github.com/mcclowin/probots/internal/store"
)

// Engine is the slice of the container engine the coordinator drives.
// Satisfied by *engine.Compose; tests substitute a scripted double.
type Engine interface {
	Available() bool
	ContainerName(bot string) string
	Up(ctx context.Context, dir string) error
	Stop(ctx context.Context, dir string) error
	Restart(ctx context.Context, dir string) error
	Down(ctx context.Context, dir string, withVolumes bool) error
	RemoveContainer(ctx context.Context, bot string) error
	Logs(ctx context.Context, bot string, lines int) (string, error)
	Status(ctx context.Context, bot string) engine.Status
	CleanupDir(ctx context.Context, dir string) error
	ExportData(ctx context.Context, dataDir, destPath string) error
}

// Defaults fills optional spawn fields and names the runtime image.
type Defaults struct {
	Image      string
	Model      string
	MemLimitMB int
}

// Coordinator composes the registry, vault, guard, and engine into the
// public lifecycle operations. It owns per-name serialization: at most one
// mutating operation runs per bot name at any time.
type Coordinator struct {
	bots     store.BotStore
	registry *Registry
	vault    *Vault
	guard    Guard
	engine   Engine
	verifier TokenVerifier // nil = token pre-flight disabled
	locks    *keyedLocks

	defaultsMu sync.RWMutex
	defaults   Defaults
}

func NewCoordinator(botStore store.BotStore, registry *Registry, vault *Vault, eng Engine, verifier TokenVerifier, defaults Defaults) *Coordinator {
	return &Coordinator{
		bots:     botStore,
		registry: registry,
		vault:    vault,
		engine:   eng,
		verifier: verifier,
		locks:    newKeyedLocks(),
		defaults: defaults,
	}
}

// SetDefaults swaps the spawn defaults; invoked on config hot reload.
func (c *Coordinator) SetDefaults(d Defaults) {
	c.defaultsMu.Lock()
	c.defaults = d
	c.defaultsMu.Unlock()
}

func (c *Coordinator) currentDefaults() Defaults {
	c.defaultsMu.RLock()
	defer c.defaultsMu.RUnlock()
	return c.defaults
}

// SpawnRequest is the validated client intent to create a bot.
type SpawnRequest struct {
	Name            string `json:"name"`
	TelegramToken   string `json:"telegram_token"`
	TelegramOwnerID string `json:"telegram_owner_id"`
	APIKey          string `json:"api_key,omitempty"`
	Model           string `json:"model,omitempty"`
	Soul            string `json:"soul,omitempty"`
	MemLimitMB      int    `json:"mem_limit_mb,omitempty"`
}

// BotView is a bot record merged with its live container observation.
type BotView struct {
	*store.Bot
	ContainerStatus engine.Status `json:"container_status"`
}

// Spawn provisions a new bot: validates the request, allocates the name,
// renders credentials and runtime configuration, launches the container,
// and only then persists the record. A failed launch rolls the allocation
// back so the same name can be retried.
func (c *Coordinator) Spawn(ctx context.Context, id auth.Identity, req SpawnRequest) (*store.Bot, error) {
	switch {
	case req.Name == "":
		return nil, missingField("name")
	case req.TelegramToken == "":
		return nil, missingField("telegram_token")
	case req.TelegramOwnerID == "":
		return nil, missingField("telegram_owner_id")
	}

	apiKey, err := c.vault.ResolveAPIKey(req.APIKey)
	if err != nil {
		return nil, err
	}
	if err := c.registry.Validate(req.Name); err != nil {
		return nil, err
	}

	defaults := c.currentDefaults()
	model := req.Model
	if model == "" {
		model = defaults.Model
	}
	memLimit := req.MemLimitMB
	if memLimit <= 0 {
		memLimit = defaults.MemLimitMB
	}

	release := c.locks.acquire(req.Name)
	defer release()

	// The name is taken if either side exists: a record without a
	// directory or a directory without a record both block reuse until a
	// destroy reconciles them.
	if _, err := c.bots.GetByName(ctx, req.Name); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check record: %w", err)
	}

	if c.verifier != nil {
		if err := c.verifier.Verify(ctx, req.TelegramToken); err != nil {
			return nil, err
		}
	}

	dir, err := c.registry.Allocate(req.Name)
	if err != nil {
		return nil, err
	}

	gatewayToken, err := c.vault.GenerateGatewayToken()
	if err != nil {
		c.registry.Release(req.Name)
		return nil, err
	}

	now := time.Now()
	envContent := c.vault.RenderEnv(EnvSpec{
		Name:            req.Name,
		TelegramToken:   req.TelegramToken,
		TelegramOwnerID: req.TelegramOwnerID,
		APIKey:          apiKey,
		Model:           model,
		Soul:            req.Soul,
		GatewayToken:    gatewayToken,
		MemLimitMB:      memLimit,
		CreatedAt:       now,
	})
	composeContent := c.vault.RenderCompose(defaults.Image, c.engine.ContainerName(req.Name), memLimit)
	if err := c.vault.WriteRuntimeFiles(dir, envContent, composeContent); err != nil {
		c.registry.Release(req.Name)
		return nil, err
	}

	// The launch must run to completion even if the client goes away; the
	// filesystem and engine state have to converge either way.
	launchCtx := context.WithoutCancel(ctx)
	if err := c.engine.Up(launchCtx, dir); err != nil {
		if relErr := c.registry.Release(req.Name); relErr != nil {
			slog.Error("spawn rollback failed", "bot", req.Name, "error", relErr)
		}
		return nil, err
	}

	bot := &store.Bot{
		UserID:          id.UserID,
		Name:            req.Name,
		Status:          "starting",
		TelegramOwnerID: req.TelegramOwnerID,
		Model:           model,
		Soul:            req.Soul,
		MemLimitMB:      memLimit,
		CreatedAt:       now,
		TelegramToken:   req.TelegramToken,
		APIKey:          req.APIKey, // tenant key only; master key is not per-bot state
		HasCustomKey:    req.APIKey != "",
	}
	if err := c.bots.Create(launchCtx, bot); err != nil {
		// Engine is up but the record failed; tear the launch back down so
		// a retry starts clean.
		if downErr := c.engine.Down(launchCtx, dir, true); downErr != nil {
			slog.Error("spawn record rollback: down failed", "bot", req.Name, "error", downErr)
		}
		if relErr := c.registry.Release(req.Name); relErr != nil {
			slog.Error("spawn record rollback: release failed", "bot", req.Name, "error", relErr)
		}
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("persist record: %w", err)
	}

	slog.Info("bot spawned", "bot", req.Name, "owner", id.Email, "model", model)
	return bot, nil
}

// loadAuthorized fetches the record and authorizes the caller. Foreign
// bots read as absent.
func (c *Coordinator) loadAuthorized(ctx context.Context, id auth.Identity, name string) (*store.Bot, error) {
	bot, err := c.bots.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := c.guard.Authorize(id, bot); err != nil {
		return nil, err
	}
	return bot, nil
}

// Start converges the bot's container to running and returns the intended
// status; convergence is observed later via Get.
func (c *Coordinator) Start(ctx context.Context, id auth.Identity, name string) (string, error) {
	return c.verb(ctx, id, name, "starting", c.engine.Up)
}

// Stop halts the container; intended status "stopped".
func (c *Coordinator) Stop(ctx context.Context, id auth.Identity, name string) (string, error) {
	return c.verb(ctx, id, name, "stopped", c.engine.Stop)
}

// Restart bounces the container; intended status "restarting".
func (c *Coordinator) Restart(ctx context.Context, id auth.Identity, name string) (string, error) {
	return c.verb(ctx, id, name, "restarting", c.engine.Restart)
}

func (c *Coordinator) verb(ctx context.Context, id auth.Identity, name, intended string, op func(context.Context, string) error) (string, error) {
	if err := c.registry.Validate(name); err != nil {
		return "", ErrNotFound
	}

	release := c.locks.acquire(name)
	defer release()

	bot, err := c.loadAuthorized(ctx, id, name)
	if err != nil {
		return "", err
	}

	dir := c.registry.Dir(name)
	if !c.vault.HasRuntimeFiles(dir) {
		// The directory lost its rendered config (interrupted cleanup,
		// manual tinkering). Re-render from the stored credentials.
		if err := c.rerender(ctx, bot, dir); err != nil {
			return "", err
		}
	}

	if err := op(ctx, dir); err != nil {
		return "", err
	}
	if err := c.bots.UpdateStatus(ctx, name, intended); err != nil {
		slog.Warn("status hint update failed", "bot", name, "error", err)
	}
	return intended, nil
}

// rerender rebuilds bot.env and the compose descriptor from the persisted
// record. The gateway token is regenerated: it lives only in the env file,
// and a bot whose env file is gone needs a fresh one anyway.
func (c *Coordinator) rerender(ctx context.Context, bot *store.Bot, dir string) error {
	telegramToken, tenantKey, err := c.bots.Credentials(ctx, bot.Name)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	apiKey, err := c.vault.ResolveAPIKey(tenantKey)
	if err != nil {
		return err
	}
	gatewayToken, err := c.vault.GenerateGatewayToken()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return fmt.Errorf("recreate bot directory: %w", err)
	}
	envContent := c.vault.RenderEnv(EnvSpec{
		Name:            bot.Name,
		TelegramToken:   telegramToken,
		TelegramOwnerID: bot.TelegramOwnerID,
		APIKey:          apiKey,
		Model:           bot.Model,
		Soul:            bot.Soul,
		GatewayToken:    gatewayToken,
		MemLimitMB:      bot.MemLimitMB,
		CreatedAt:       bot.CreatedAt,
	})
	composeContent := c.vault.RenderCompose(c.currentDefaults().Image, c.engine.ContainerName(bot.Name), bot.MemLimitMB)
	slog.Info("re-rendered runtime files", "bot", bot.Name)
	return c.vault.WriteRuntimeFiles(dir, envContent, composeContent)
}

// Destroy tears a bot down completely: container, volumes, root-owned
// files, directory, name, record — in that order, each sub-step tolerant
// of partial prior completion so a failed destroy can simply be retried.
func (c *Coordinator) Destroy(ctx context.Context, id auth.Identity, name string) error {
	if err := c.registry.Validate(name); err != nil {
		return ErrNotFound
	}

	release := c.locks.acquire(name)
	defer release()

	if _, err := c.loadAuthorized(ctx, id, name); err != nil {
		return err
	}

	// Like spawn, destruction runs to completion regardless of the client.
	dctx := context.WithoutCancel(ctx)
	dir := c.registry.Dir(name)

	if c.registry.Exists(name) && c.vault.HasRuntimeFiles(dir) {
		if err := c.engine.Down(dctx, dir, true); err != nil {
			var cmdErr *engine.CommandError
			if !errors.As(err, &cmdErr) {
				return err
			}
			// A failed compose down is retried implicitly by the forced
			// container removal below.
			slog.Warn("compose down failed, continuing", "bot", name, "stderr", cmdErr.Stderr)
		}
	}
	if err := c.engine.RemoveContainer(dctx, name); err != nil {
		return err
	}

	if c.registry.Exists(name) {
		// Bot processes write into the data volume as root; empty it with
		// the privileged helper before removing the tree.
		if err := c.engine.CleanupDir(dctx, dir); err != nil {
			var cmdErr *engine.CommandError
			if !errors.As(err, &cmdErr) {
				return err
			}
			slog.Warn("privileged cleanup failed, attempting direct removal", "bot", name, "stderr", cmdErr.Stderr)
		}
		if err := c.registry.Release(name); err != nil {
			return err
		}
	}

	if err := c.bots.Delete(dctx, name); err != nil {
		return err
	}
	slog.Info("bot destroyed", "bot", name, "by", id.Email)
	return nil
}

// Logs returns the tail of the container's output. Engine failure is
// folded into the log text by design: operators asked for logs, and "the
// engine said X" is the most useful answer available.
func (c *Coordinator) Logs(ctx context.Context, id auth.Identity, name string, lines int) (string, error) {
	if err := c.registry.Validate(name); err != nil {
		return "", ErrNotFound
	}
	if _, err := c.loadAuthorized(ctx, id, name); err != nil {
		return "", err
	}
	if lines <= 0 {
		lines = 100
	}
	out, err := c.engine.Logs(ctx, name, lines)
	if err != nil {
		return err.Error(), nil
	}
	return out, nil
}

// Export packages the bot's persistent data directory into a gzipped tar.
// Fails ErrNotAvailable when there is nothing on disk to package.
func (c *Coordinator) Export(ctx context.Context, id auth.Identity, name string) ([]byte, error) {
	if err := c.registry.Validate(name); err != nil {
		return nil, ErrNotFound
	}
	if _, err := c.loadAuthorized(ctx, id, name); err != nil {
		return nil, err
	}

	dataDir := c.registry.DataDir(name)
	if _, err := os.Stat(dataDir); err != nil {
		return nil, ErrNotAvailable
	}

	destPath := filepath.Join(os.TempDir(), fmt.Sprintf("probots-export-%s-%d.tar.gz", name, time.Now().UnixNano()))
	defer os.Remove(destPath)

	if err := c.engine.ExportData(ctx, dataDir, destPath); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(destPath)
	if err != nil {
		return nil, fmt.Errorf("read export archive: %w", err)
	}
	return data, nil
}

// Get returns the record with its live container status merged in. Reads
// take no lock; observing transient state during a mutation is expected.
func (c *Coordinator) Get(ctx context.Context, id auth.Identity, name string) (*BotView, error) {
	if err := c.registry.Validate(name); err != nil {
		return nil, ErrNotFound
	}
	bot, err := c.loadAuthorized(ctx, id, name)
	if err != nil {
		return nil, err
	}
	if !id.IsAdmin() {
		bot.OwnerEmail = ""
	}
	return &BotView{Bot: bot, ContainerStatus: c.engine.Status(ctx, name)}, nil
}

// List returns the caller's bots (all bots for admins), each with live
// container status.
func (c *Coordinator) List(ctx context.Context, id auth.Identity) ([]*BotView, error) {
	var (
		records []*store.Bot
		err     error
	)
	if id.IsAdmin() {
		records, err = c.bots.ListAll(ctx)
	} else {
		records, err = c.bots.ListByOwner(ctx, id.UserID)
	}
	if err != nil {
		return nil, err
	}

	views := make([]*BotView, 0, len(records))
	for _, b := range records {
		views = append(views, &BotView{Bot: b, ContainerStatus: c.engine.Status(ctx, b.Name)})
	}
	return views, nil
}
