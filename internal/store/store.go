// Package store defines the persistence contract for the control plane:
// users, sessions, and bot records. Implementations live in store/sqlite
// (default, single file) and store/pg (managed mode).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for absent records and, by callers, for
	// records the requesting identity is not allowed to see.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a uniqueness constraint is violated.
	ErrDuplicate = errors.New("record already exists")
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User is a control-plane identity. The first user to verify an email
// becomes admin.
type User struct {
	ID             uuid.UUID `json:"id"`
	Email          string    `json:"email"`
	Role           string    `json:"role"`
	ProviderUserID string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	// BotCount is populated by UserStore.List for the admin view.
	BotCount int `json:"bot_count,omitempty"`
}

// Session is a verified login. Tokens are opaque and expire server-side.
type Session struct {
	Token     string
	UserID    uuid.UUID
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Bot is the persisted record of one hosted bot instance. Secret fields
// (Telegram token, tenant API key) are encrypted before they reach a store
// and are never serialized into API responses.
type Bot struct {
	ID              uuid.UUID `json:"id"`
	UserID          uuid.UUID `json:"user_id"`
	Name            string    `json:"name"`
	Status          string    `json:"status"`
	TelegramOwnerID string    `json:"telegram_owner_id"`
	Model           string    `json:"model"`
	Soul            string    `json:"soul,omitempty"`
	MemLimitMB      int       `json:"mem_limit_mb"`
	CreatedAt       time.Time `json:"created_at"`

	// HasCustomKey reports whether the tenant supplied their own API key.
	HasCustomKey bool `json:"has_custom_key"`
	// OwnerEmail is populated on admin list/detail reads only.
	OwnerEmail string `json:"owner_email,omitempty"`

	// Write-only secret material, set at spawn time. Stores encrypt these;
	// reads leave them empty and expose HasCustomKey instead.
	TelegramToken string `json:"-"`
	APIKey        string `json:"-"`
}

type UserStore interface {
	Get(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Create(ctx context.Context, u *User) error
	Count(ctx context.Context) (int, error)
	// List returns all users with bot counts, newest first.
	List(ctx context.Context) ([]*User, error)
	UpdateRole(ctx context.Context, id uuid.UUID, role string) error
	SetProviderUserID(ctx context.Context, id uuid.UUID, providerID string) error
}

type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	// Get returns the session only if it has not expired.
	Get(ctx context.Context, token string) (*Session, error)
	Delete(ctx context.Context, token string) error
	DeleteExpired(ctx context.Context) (int64, error)
}

type BotStore interface {
	Create(ctx context.Context, b *Bot) error
	GetByName(ctx context.Context, name string) (*Bot, error)
	ListByOwner(ctx context.Context, userID uuid.UUID) ([]*Bot, error)
	// ListAll is the admin view; OwnerEmail is populated.
	ListAll(ctx context.Context) ([]*Bot, error)
	UpdateStatus(ctx context.Context, name, status string) error
	Delete(ctx context.Context, name string) error
	// Credentials returns the decrypted Telegram token and tenant API key
	// (empty when the master key applies). Used to re-render a bot's
	// environment file when it has gone missing from disk.
	Credentials(ctx context.Context, name string) (telegramToken, apiKey string, err error)
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Users    UserStore
	Sessions SessionStore
	Bots     BotStore

	closer func() error
}

// NewStores assembles a Stores container; close is invoked by Close and may
// be nil.
func NewStores(users UserStore, sessions SessionStore, bots BotStore, close func() error) *Stores {
	return &Stores{Users: users, Sessions: sessions, Bots: bots, closer: close}
}

func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
