package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mcclowin/probots/internal/crypto"
	"github.com/mcclowin/probots/internal/store"
)

func newTestStores(t *testing.T) (*store.Stores, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	stores, err := NewStores(path, "test-key")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { stores.Close() })
	return stores, path
}

func createUser(t *testing.T, s *store.Stores, email string) *store.User {
	t.Helper()
	u := &store.User{ID: uuid.Must(uuid.NewV7()), Email: email, Role: store.RoleUser, CreatedAt: time.Now()}
	if err := s.Users.Create(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u
}

// TestNewStoresRequiresKey confirms the backend refuses to open without an
// encryption key.
func TestNewStoresRequiresKey(t *testing.T) {
	if _, err := NewStores(filepath.Join(t.TempDir(), "x.db"), ""); err == nil {
		t.Fatal("NewStores accepted an empty encryption key")
	}
}

// TestUserRoundTrip covers create, lookup, duplicate email, count, and role
// updates.
func TestUserRoundTrip(t *testing.T) {
	stores, _ := newTestStores(t)
	ctx := context.Background()

	u := createUser(t, stores, "a@test.local")

	got, err := stores.Users.Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Email != "a@test.local" || got.Role != store.RoleUser {
		t.Fatalf("got %+v", got)
	}

	byEmail, err := stores.Users.GetByEmail(ctx, "a@test.local")
	if err != nil || byEmail.ID != u.ID {
		t.Fatalf("GetByEmail: %+v, %v", byEmail, err)
	}

	dup := &store.User{ID: uuid.Must(uuid.NewV7()), Email: "a@test.local", Role: store.RoleUser, CreatedAt: time.Now()}
	if err := stores.Users.Create(ctx, dup); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("duplicate email Create = %v, want ErrDuplicate", err)
	}

	n, err := stores.Users.Count(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Count = %d, %v", n, err)
	}

	if err := stores.Users.UpdateRole(ctx, u.ID, store.RoleAdmin); err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	got, _ = stores.Users.Get(ctx, u.ID)
	if got.Role != store.RoleAdmin {
		t.Fatalf("role = %q after update", got.Role)
	}

	if _, err := stores.Users.GetByEmail(ctx, "missing@test.local"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing GetByEmail = %v, want ErrNotFound", err)
	}
}

// TestSessionExpiry confirms Get only returns live sessions and DeleteExpired
// sweeps the rest.
func TestSessionExpiry(t *testing.T) {
	stores, _ := newTestStores(t)
	ctx := context.Background()
	u := createUser(t, stores, "s@test.local")

	live := &store.Session{Token: "tok-live", UserID: u.ID, ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now()}
	dead := &store.Session{Token: "tok-dead", UserID: u.ID, ExpiresAt: time.Now().Add(-time.Hour), CreatedAt: time.Now()}
	for _, s := range []*store.Session{live, dead} {
		if err := stores.Sessions.Create(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := stores.Sessions.Get(ctx, "tok-live"); err != nil {
		t.Fatalf("live Get: %v", err)
	}
	if _, err := stores.Sessions.Get(ctx, "tok-dead"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expired Get = %v, want ErrNotFound", err)
	}

	n, err := stores.Sessions.DeleteExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("DeleteExpired = %d, %v", n, err)
	}

	if err := stores.Sessions.Delete(ctx, "tok-live"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := stores.Sessions.Get(ctx, "tok-live"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("session survived Delete")
	}
}

// TestBotRoundTrip covers create, read-back shape, status updates, listing,
// and delete.
func TestBotRoundTrip(t *testing.T) {
	stores, _ := newTestStores(t)
	ctx := context.Background()
	u := createUser(t, stores, "b@test.local")

	bot := &store.Bot{
		UserID:          u.ID,
		Name:            "my-bot",
		Status:          "starting",
		TelegramOwnerID: "777",
		Model:           "some-model",
		Soul:            "be kind",
		MemLimitMB:      1024,
		CreatedAt:       time.Now(),
		TelegramToken:   "123:secret",
		APIKey:          "sk-tenant",
	}
	if err := stores.Bots.Create(ctx, bot); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if bot.ID == uuid.Nil {
		t.Fatal("Create did not assign an ID")
	}

	got, err := stores.Bots.GetByName(ctx, "my-bot")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if got.TelegramToken != "" || got.APIKey != "" {
		t.Fatal("read-back exposed secret fields")
	}
	if !got.HasCustomKey {
		t.Fatal("HasCustomKey = false with tenant key stored")
	}
	if got.Soul != "be kind" || got.MemLimitMB != 1024 {
		t.Fatalf("got %+v", got)
	}

	dup := &store.Bot{UserID: u.ID, Name: "my-bot", TelegramOwnerID: "1", Model: "m", CreatedAt: time.Now(), TelegramToken: "t"}
	if err := stores.Bots.Create(ctx, dup); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("duplicate name Create = %v, want ErrDuplicate", err)
	}

	if err := stores.Bots.UpdateStatus(ctx, "my-bot", "stopped"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, _ = stores.Bots.GetByName(ctx, "my-bot")
	if got.Status != "stopped" {
		t.Fatalf("status = %q", got.Status)
	}
	if err := stores.Bots.UpdateStatus(ctx, "ghost", "stopped"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("UpdateStatus ghost = %v, want ErrNotFound", err)
	}

	mine, err := stores.Bots.ListByOwner(ctx, u.ID)
	if err != nil || len(mine) != 1 {
		t.Fatalf("ListByOwner = %d, %v", len(mine), err)
	}
	all, err := stores.Bots.ListAll(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListAll = %d, %v", len(all), err)
	}
	if all[0].OwnerEmail != "b@test.local" {
		t.Fatalf("ListAll OwnerEmail = %q", all[0].OwnerEmail)
	}

	if err := stores.Bots.Delete(ctx, "my-bot"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := stores.Bots.Delete(ctx, "my-bot"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second Delete = %v, want ErrNotFound", err)
	}
}

// TestBotCredentials confirms the decrypt path and the master-key case
// (no tenant key stored).
func TestBotCredentials(t *testing.T) {
	stores, _ := newTestStores(t)
	ctx := context.Background()
	u := createUser(t, stores, "c@test.local")

	withKey := &store.Bot{UserID: u.ID, Name: "keyed", TelegramOwnerID: "1", Model: "m", CreatedAt: time.Now(), TelegramToken: "123:tok", APIKey: "sk-tenant"}
	withoutKey := &store.Bot{UserID: u.ID, Name: "plain", TelegramOwnerID: "1", Model: "m", CreatedAt: time.Now(), TelegramToken: "456:tok"}
	for _, b := range []*store.Bot{withKey, withoutKey} {
		if err := stores.Bots.Create(ctx, b); err != nil {
			t.Fatal(err)
		}
	}

	tok, key, err := stores.Bots.Credentials(ctx, "keyed")
	if err != nil || tok != "123:tok" || key != "sk-tenant" {
		t.Fatalf("Credentials keyed = %q, %q, %v", tok, key, err)
	}
	tok, key, err = stores.Bots.Credentials(ctx, "plain")
	if err != nil || tok != "456:tok" || key != "" {
		t.Fatalf("Credentials plain = %q, %q, %v", tok, key, err)
	}

	plain, err := stores.Bots.GetByName(ctx, "plain")
	if err != nil {
		t.Fatal(err)
	}
	if plain.HasCustomKey {
		t.Fatal("HasCustomKey = true without tenant key")
	}
}

// TestSecretsEncryptedAtRest reads the raw column under the store's back and
// confirms no plaintext secret reached the file.
func TestSecretsEncryptedAtRest(t *testing.T) {
	stores, path := newTestStores(t)
	ctx := context.Background()
	u := createUser(t, stores, "e@test.local")

	bot := &store.Bot{UserID: u.ID, Name: "sealed", TelegramOwnerID: "1", Model: "m", CreatedAt: time.Now(), TelegramToken: "123:plaintext-secret"}
	if err := stores.Bots.Create(ctx, bot); err != nil {
		t.Fatal(err)
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var raw string
	if err := db.QueryRow(`SELECT telegram_token_enc FROM bots WHERE name = 'sealed'`).Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if !crypto.IsEncrypted(raw) {
		t.Fatalf("stored token is not in encrypted form: %q", raw)
	}
	if raw == "123:plaintext-secret" {
		t.Fatal("plaintext secret stored")
	}
}
