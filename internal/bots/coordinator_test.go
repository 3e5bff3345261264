package bots

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mcclowin/probots/internal/auth"
	"github.com/mcclowin/probots/internal/engine"
	"github.com/mcclowin/probots/internal/store"
	"github.com/mcclowin/probots/internal/store/sqlite"
)

// fakeEngine records engine invocations and fails on demand.
type fakeEngine struct {
	mu    sync.Mutex
	calls map[string]int

	upErr      error
	upHook     func() // runs inside Up, before returning
	downErr    error
	downHook   func()
	removeErr  error
	cleanupErr error
	logsOut    string
	logsErr    error
	status     engine.Status
	exportErr  error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{calls: map[string]int{}, status: engine.StatusRunning}
}

func (f *fakeEngine) record(verb string) {
	f.mu.Lock()
	f.calls[verb]++
	f.mu.Unlock()
}

func (f *fakeEngine) count(verb string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[verb]
}

func (f *fakeEngine) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeEngine) Available() bool { return true }

func (f *fakeEngine) ContainerName(bot string) string { return "probots-" + bot }

func (f *fakeEngine) Up(ctx context.Context, dir string) error {
	f.record("up")
	if f.upHook != nil {
		f.upHook()
	}
	return f.upErr
}

func (f *fakeEngine) Stop(ctx context.Context, dir string) error {
	f.record("stop")
	return nil
}

func (f *fakeEngine) Restart(ctx context.Context, dir string) error {
	f.record("restart")
	return nil
}

func (f *fakeEngine) Down(ctx context.Context, dir string, withVolumes bool) error {
	f.record("down")
	if f.downHook != nil {
		f.downHook()
	}
	return f.downErr
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, bot string) error {
	f.record("rm")
	return f.removeErr
}

func (f *fakeEngine) Logs(ctx context.Context, bot string, lines int) (string, error) {
	f.record("logs")
	return f.logsOut, f.logsErr
}

func (f *fakeEngine) Status(ctx context.Context, bot string) engine.Status {
	f.record("status")
	return f.status
}

func (f *fakeEngine) CleanupDir(ctx context.Context, dir string) error {
	f.record("cleanup")
	return f.cleanupErr
}

func (f *fakeEngine) ExportData(ctx context.Context, dataDir, destPath string) error {
	f.record("export")
	if f.exportErr != nil {
		return f.exportErr
	}
	return os.WriteFile(destPath, []byte("archive-bytes"), 0o644)
}

type fixture struct {
	coord  *Coordinator
	eng    *fakeEngine
	stores *store.Stores
	owner  auth.Identity
	other  auth.Identity
	admin  auth.Identity
	bots   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stores, err := sqlite.NewStores(filepath.Join(t.TempDir(), "probots.db"), "test-encryption-key")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { stores.Close() })

	ctx := context.Background()
	mkUser := func(email, role string) auth.Identity {
		u := &store.User{ID: uuid.Must(uuid.NewV7()), Email: email, Role: role, CreatedAt: time.Now()}
		if err := stores.Users.Create(ctx, u); err != nil {
			t.Fatal(err)
		}
		return auth.Identity{UserID: u.ID, Email: u.Email, Role: u.Role}
	}
	admin := mkUser("admin@test.local", store.RoleAdmin)
	owner := mkUser("owner@test.local", store.RoleUser)
	other := mkUser("other@test.local", store.RoleUser)

	botsDir := t.TempDir()
	eng := newFakeEngine()
	coord := NewCoordinator(
		stores.Bots,
		NewRegistry(botsDir),
		NewVault("sk-master"),
		eng,
		nil,
		Defaults{Image: "test/openclaw:latest", Model: "default-model", MemLimitMB: 2048},
	)
	return &fixture{coord: coord, eng: eng, stores: stores, owner: owner, other: other, admin: admin, bots: botsDir}
}

func (fx *fixture) spawn(t *testing.T, name string) *store.Bot {
	t.Helper()
	bot, err := fx.coord.Spawn(context.Background(), fx.owner, SpawnRequest{
		Name:            name,
		TelegramToken:   "123456:test-token",
		TelegramOwnerID: "777",
	})
	if err != nil {
		t.Fatalf("spawn %s: %v", name, err)
	}
	return bot
}

// TestSpawn covers the happy path: record persisted, runtime files rendered,
// engine launched once, status starts as "starting".
func TestSpawn(t *testing.T) {
	fx := newFixture(t)
	bot := fx.spawn(t, "my-bot")

	if bot.Status != "starting" {
		t.Fatalf("status = %q, want starting", bot.Status)
	}
	if bot.Model != "default-model" || bot.MemLimitMB != 2048 {
		t.Fatalf("defaults not applied: model=%q mem=%d", bot.Model, bot.MemLimitMB)
	}
	if bot.HasCustomKey {
		t.Fatal("HasCustomKey = true without tenant key")
	}
	if fx.eng.count("up") != 1 {
		t.Fatalf("up calls = %d, want 1", fx.eng.count("up"))
	}

	dir := filepath.Join(fx.bots, "my-bot")
	env, err := os.ReadFile(filepath.Join(dir, "bot.env"))
	if err != nil {
		t.Fatalf("bot.env: %v", err)
	}
	if !strings.Contains(string(env), "TELEGRAM_BOT_TOKEN=123456:test-token") {
		t.Fatal("env missing telegram token")
	}
	if !strings.Contains(string(env), "ANTHROPIC_API_KEY=sk-master") {
		t.Fatal("env did not fall back to master key")
	}
	if _, err := os.Stat(filepath.Join(dir, "docker-compose.yml")); err != nil {
		t.Fatalf("compose file: %v", err)
	}

	got, err := fx.stores.Bots.GetByName(context.Background(), "my-bot")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if got.UserID != fx.owner.UserID {
		t.Fatal("record owner mismatch")
	}
}

// TestSpawnValidation checks field and name validation happens before any
// engine or filesystem work.
func TestSpawnValidation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	cases := []SpawnRequest{
		{TelegramToken: "t", TelegramOwnerID: "1"}, // no name
		{Name: "ok-bot", TelegramOwnerID: "1"},     // no token
		{Name: "ok-bot", TelegramToken: "t"},       // no owner id
	}
	for _, req := range cases {
		if _, err := fx.coord.Spawn(ctx, fx.owner, req); !errors.Is(err, ErrValidation) {
			t.Errorf("Spawn(%+v) = %v, want ErrValidation", req, err)
		}
	}

	req := SpawnRequest{Name: "Bad_Name", TelegramToken: "t", TelegramOwnerID: "1"}
	if _, err := fx.coord.Spawn(ctx, fx.owner, req); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("bad name: %v, want ErrInvalidName", err)
	}

	if fx.eng.total() != 0 {
		t.Fatalf("engine touched during validation failures: %v", fx.eng.calls)
	}
	entries, _ := os.ReadDir(fx.bots)
	if len(entries) != 0 {
		t.Fatalf("bots dir not empty: %v", entries)
	}
}

// TestSpawnNoAPIKey confirms spawn refuses when neither a tenant key nor the
// master key is available.
func TestSpawnNoAPIKey(t *testing.T) {
	fx := newFixture(t)
	fx.coord.vault = NewVault("")

	_, err := fx.coord.Spawn(context.Background(), fx.owner, SpawnRequest{
		Name: "my-bot", TelegramToken: "t", TelegramOwnerID: "1",
	})
	if !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("Spawn = %v, want ErrNoAPIKey", err)
	}
	if fx.eng.total() != 0 {
		t.Fatal("engine touched without an API key")
	}
}

// TestSpawnDuplicate confirms the second spawn of a taken name fails without
// another launch.
func TestSpawnDuplicate(t *testing.T) {
	fx := newFixture(t)
	fx.spawn(t, "my-bot")

	_, err := fx.coord.Spawn(context.Background(), fx.owner, SpawnRequest{
		Name: "my-bot", TelegramToken: "t2", TelegramOwnerID: "2",
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second Spawn = %v, want ErrAlreadyExists", err)
	}
	if fx.eng.count("up") != 1 {
		t.Fatalf("up calls = %d, want 1", fx.eng.count("up"))
	}
}

// TestSpawnLaunchFailureRollsBack confirms a failed launch leaves no record
// and no directory, and the name is immediately reusable.
func TestSpawnLaunchFailureRollsBack(t *testing.T) {
	fx := newFixture(t)
	fx.eng.upErr = &engine.CommandError{Verb: "up", ExitCode: 1, Stderr: "no such image"}

	_, err := fx.coord.Spawn(context.Background(), fx.owner, SpawnRequest{
		Name: "my-bot", TelegramToken: "t", TelegramOwnerID: "1",
	})
	var cmdErr *engine.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Spawn = %v, want CommandError", err)
	}

	if _, err := fx.stores.Bots.GetByName(context.Background(), "my-bot"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("record survived failed launch: %v", err)
	}
	if _, err := os.Stat(filepath.Join(fx.bots, "my-bot")); !os.IsNotExist(err) {
		t.Fatal("directory survived failed launch")
	}

	fx.eng.upErr = nil
	fx.spawn(t, "my-bot")
}

// TestSpawnSurvivesClientDisconnect cancels the request context mid-launch
// and confirms the spawn still runs to completion: the record is persisted
// and the freshly launched container is not torn back down.
func TestSpawnSurvivesClientDisconnect(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.eng.upHook = cancel

	bot, err := fx.coord.Spawn(ctx, fx.owner, SpawnRequest{
		Name: "my-bot", TelegramToken: "123:tok", TelegramOwnerID: "1",
	})
	if err != nil {
		t.Fatalf("Spawn after disconnect: %v", err)
	}
	if bot.Status != "starting" {
		t.Fatalf("status = %q, want starting", bot.Status)
	}
	if _, err := fx.stores.Bots.GetByName(context.Background(), "my-bot"); err != nil {
		t.Fatalf("record not persisted after disconnect: %v", err)
	}
	if fx.eng.count("down") != 0 {
		t.Fatal("successful launch was rolled back after disconnect")
	}
}

// TestDestroySurvivesClientDisconnect cancels the request context during the
// engine teardown and confirms the destroy still completes, record included.
func TestDestroySurvivesClientDisconnect(t *testing.T) {
	fx := newFixture(t)
	fx.spawn(t, "my-bot")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.eng.downHook = cancel

	if err := fx.coord.Destroy(ctx, fx.owner, "my-bot"); err != nil {
		t.Fatalf("Destroy after disconnect: %v", err)
	}
	if _, err := fx.stores.Bots.GetByName(context.Background(), "my-bot"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("record survived destroy after disconnect: %v", err)
	}
}

// TestSpawnConcurrentSameName races many spawns of one name: exactly one
// wins and the engine launches exactly once.
func TestSpawnConcurrentSameName(t *testing.T) {
	fx := newFixture(t)
	const n = 8

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.coord.Spawn(context.Background(), fx.owner, SpawnRequest{
				Name: "my-bot", TelegramToken: "t", TelegramOwnerID: "1",
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyExists):
		default:
			t.Fatalf("unexpected spawn error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want 1", wins)
	}
	if fx.eng.count("up") != 1 {
		t.Fatalf("up calls = %d, want 1", fx.eng.count("up"))
	}
}

// TestLifecycleVerbs checks start/stop/restart return the intended status
// and persist it as the record hint.
func TestLifecycleVerbs(t *testing.T) {
	fx := newFixture(t)
	fx.spawn(t, "my-bot")
	ctx := context.Background()

	status, err := fx.coord.Stop(ctx, fx.owner, "my-bot")
	if err != nil || status != "stopped" {
		t.Fatalf("Stop = %q, %v", status, err)
	}
	status, err = fx.coord.Start(ctx, fx.owner, "my-bot")
	if err != nil || status != "starting" {
		t.Fatalf("Start = %q, %v", status, err)
	}
	status, err = fx.coord.Restart(ctx, fx.owner, "my-bot")
	if err != nil || status != "restarting" {
		t.Fatalf("Restart = %q, %v", status, err)
	}

	bot, err := fx.stores.Bots.GetByName(ctx, "my-bot")
	if err != nil {
		t.Fatal(err)
	}
	if bot.Status != "restarting" {
		t.Fatalf("persisted status = %q, want restarting", bot.Status)
	}
	if fx.eng.count("stop") != 1 || fx.eng.count("restart") != 1 || fx.eng.count("up") != 2 {
		t.Fatalf("engine calls: %v", fx.eng.calls)
	}
}

// TestVerbsWithoutRecord confirms lifecycle verbs on unknown names fail
// before any engine call.
func TestVerbsWithoutRecord(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.coord.Start(ctx, fx.owner, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Start = %v, want ErrNotFound", err)
	}
	if _, err := fx.coord.Stop(ctx, fx.owner, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Stop = %v, want ErrNotFound", err)
	}
	if err := fx.coord.Destroy(ctx, fx.owner, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Destroy = %v, want ErrNotFound", err)
	}
	if _, err := fx.coord.Logs(ctx, fx.owner, "ghost", 50); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Logs = %v, want ErrNotFound", err)
	}
	if fx.eng.total() != 0 {
		t.Fatalf("engine touched for unknown name: %v", fx.eng.calls)
	}
}

// TestOwnershipHiding confirms a non-owner sees ErrNotFound everywhere,
// indistinguishable from an absent bot, while admins pass.
func TestOwnershipHiding(t *testing.T) {
	fx := newFixture(t)
	fx.spawn(t, "my-bot")
	ctx := context.Background()

	if _, err := fx.coord.Get(ctx, fx.other, "my-bot"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign Get = %v, want ErrNotFound", err)
	}
	if _, err := fx.coord.Stop(ctx, fx.other, "my-bot"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign Stop = %v, want ErrNotFound", err)
	}
	if err := fx.coord.Destroy(ctx, fx.other, "my-bot"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign Destroy = %v, want ErrNotFound", err)
	}
	if fx.eng.count("stop") != 0 || fx.eng.count("down") != 0 {
		t.Fatalf("engine touched by foreign caller: %v", fx.eng.calls)
	}

	if _, err := fx.coord.Stop(ctx, fx.admin, "my-bot"); err != nil {
		t.Fatalf("admin Stop: %v", err)
	}
}

// TestDestroy checks full teardown ordering and idempotent retry semantics.
func TestDestroy(t *testing.T) {
	fx := newFixture(t)
	fx.spawn(t, "my-bot")
	ctx := context.Background()

	if err := fx.coord.Destroy(ctx, fx.owner, "my-bot"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := os.Stat(filepath.Join(fx.bots, "my-bot")); !os.IsNotExist(err) {
		t.Fatal("directory survived destroy")
	}
	if _, err := fx.stores.Bots.GetByName(ctx, "my-bot"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("record survived destroy")
	}
	if fx.eng.count("down") != 1 || fx.eng.count("rm") != 1 || fx.eng.count("cleanup") != 1 {
		t.Fatalf("engine calls: %v", fx.eng.calls)
	}

	if err := fx.coord.Destroy(ctx, fx.owner, "my-bot"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Destroy = %v, want ErrNotFound", err)
	}

	// The freed name is immediately reusable.
	fx.spawn(t, "my-bot")
}

// TestDestroyToleratesEngineFailure confirms a failed compose down does not
// block teardown — the forced removal and cleanup still run.
func TestDestroyToleratesEngineFailure(t *testing.T) {
	fx := newFixture(t)
	fx.spawn(t, "my-bot")
	fx.eng.downErr = &engine.CommandError{Verb: "down", ExitCode: 1, Stderr: "network pending"}

	if err := fx.coord.Destroy(context.Background(), fx.owner, "my-bot"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if fx.eng.count("rm") != 1 {
		t.Fatal("forced removal skipped after down failure")
	}
}

// TestDestroyUnavailableEngine confirms an absent engine aborts the destroy
// with the record intact, so a retry is possible once the engine returns.
func TestDestroyUnavailableEngine(t *testing.T) {
	fx := newFixture(t)
	fx.spawn(t, "my-bot")
	fx.eng.downErr = engine.ErrUnavailable

	if err := fx.coord.Destroy(context.Background(), fx.owner, "my-bot"); !errors.Is(err, engine.ErrUnavailable) {
		t.Fatalf("Destroy = %v, want ErrUnavailable", err)
	}
	if _, err := fx.stores.Bots.GetByName(context.Background(), "my-bot"); err != nil {
		t.Fatal("record lost on aborted destroy")
	}
}

// TestStartRerendersMissingRuntimeFiles checks the self-heal path: a bot
// whose env file vanished gets it re-rendered from stored credentials.
func TestStartRerendersMissingRuntimeFiles(t *testing.T) {
	fx := newFixture(t)
	fx.spawn(t, "my-bot")
	dir := filepath.Join(fx.bots, "my-bot")

	if err := os.Remove(filepath.Join(dir, "bot.env")); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.coord.Start(context.Background(), fx.owner, "my-bot"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	env, err := os.ReadFile(filepath.Join(dir, "bot.env"))
	if err != nil {
		t.Fatalf("env not re-rendered: %v", err)
	}
	if !strings.Contains(string(env), "TELEGRAM_BOT_TOKEN=123456:test-token") {
		t.Fatal("re-rendered env lost the stored telegram token")
	}
}

// TestLogs checks the tail path and that engine failure is folded into the
// returned text rather than surfaced as an error.
func TestLogs(t *testing.T) {
	fx := newFixture(t)
	fx.spawn(t, "my-bot")
	ctx := context.Background()

	fx.eng.logsOut = "hello from bot\n"
	out, err := fx.coord.Logs(ctx, fx.owner, "my-bot", 50)
	if err != nil || out != "hello from bot\n" {
		t.Fatalf("Logs = %q, %v", out, err)
	}

	fx.eng.logsErr = &engine.CommandError{Verb: "logs", ExitCode: 1, Stderr: "No such container"}
	out, err = fx.coord.Logs(ctx, fx.owner, "my-bot", 50)
	if err != nil {
		t.Fatalf("Logs returned error: %v", err)
	}
	if !strings.Contains(out, "No such container") {
		t.Fatalf("diagnostic not folded into output: %q", out)
	}
}

// TestExport checks the archive round trip and the no-data case.
func TestExport(t *testing.T) {
	fx := newFixture(t)
	fx.spawn(t, "my-bot")
	ctx := context.Background()

	data, err := fx.coord.Export(ctx, fx.owner, "my-bot")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if string(data) != "archive-bytes" {
		t.Fatalf("Export data = %q", data)
	}

	if err := os.RemoveAll(filepath.Join(fx.bots, "my-bot", "data")); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.coord.Export(ctx, fx.owner, "my-bot"); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("Export without data = %v, want ErrNotAvailable", err)
	}
}

// TestGetAndList checks the live-status merge and the owner/admin views.
func TestGetAndList(t *testing.T) {
	fx := newFixture(t)
	fx.spawn(t, "my-bot")
	ctx := context.Background()

	fx.eng.status = engine.StatusExited
	view, err := fx.coord.Get(ctx, fx.owner, "my-bot")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.ContainerStatus != engine.StatusExited {
		t.Fatalf("ContainerStatus = %q", view.ContainerStatus)
	}
	if view.OwnerEmail != "" {
		t.Fatal("owner view leaked owner email")
	}

	adminView, err := fx.coord.Get(ctx, fx.admin, "my-bot")
	if err != nil {
		t.Fatal(err)
	}
	if adminView.OwnerEmail != "owner@test.local" {
		t.Fatalf("admin OwnerEmail = %q", adminView.OwnerEmail)
	}

	ownerList, err := fx.coord.List(ctx, fx.owner)
	if err != nil || len(ownerList) != 1 {
		t.Fatalf("owner List = %d bots, %v", len(ownerList), err)
	}
	otherList, err := fx.coord.List(ctx, fx.other)
	if err != nil || len(otherList) != 0 {
		t.Fatalf("other List = %d bots, %v", len(otherList), err)
	}
	adminList, err := fx.coord.List(ctx, fx.admin)
	if err != nil || len(adminList) != 1 {
		t.Fatalf("admin List = %d bots, %v", len(adminList), err)
	}
}

// TestSpawnWithTenantKey checks the custom-key flag and that the tenant key
// reaches the env file instead of the master key.
func TestSpawnWithTenantKey(t *testing.T) {
	fx := newFixture(t)
	bot, err := fx.coord.Spawn(context.Background(), fx.owner, SpawnRequest{
		Name:            "keyed-bot",
		TelegramToken:   "123:tok",
		TelegramOwnerID: "1",
		APIKey:          "sk-tenant",
		Model:           "custom-model",
		MemLimitMB:      1024,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !bot.HasCustomKey {
		t.Fatal("HasCustomKey = false with tenant key")
	}
	if bot.Model != "custom-model" || bot.MemLimitMB != 1024 {
		t.Fatalf("overrides not applied: %q %d", bot.Model, bot.MemLimitMB)
	}

	env, err := os.ReadFile(filepath.Join(fx.bots, "keyed-bot", "bot.env"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(env), "ANTHROPIC_API_KEY=sk-tenant") {
		t.Fatal("tenant key missing from env")
	}
	if strings.Contains(string(env), "sk-master") {
		t.Fatal("master key leaked into env despite tenant key")
	}
}
