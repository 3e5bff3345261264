package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mcclowin/probots/internal/store"
)

var (
	// ErrUnauthorized covers missing/invalid/expired credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrCodeRejected is a wrong or expired one-time code.
	ErrCodeRejected = errors.New("code rejected")
	// ErrTooManyCodes throttles repeated code sends for one address.
	ErrTooManyCodes = errors.New("too many code requests")
)

// Service owns login flows and session resolution.
type Service struct {
	users    store.UserStore
	sessions store.SessionStore
	provider CodeProvider
	ttl      time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	sendRate rate.Limit
}

// NewService wires the auth service. codesPerMinute throttles SendCode per
// email address.
func NewService(users store.UserStore, sessions store.SessionStore, provider CodeProvider, ttl time.Duration, codesPerMinute float64) *Service {
	return &Service{
		users:    users,
		sessions: sessions,
		provider: provider,
		ttl:      ttl,
		limiters: make(map[string]*rate.Limiter),
		sendRate: rate.Limit(codesPerMinute / 60),
	}
}

func (s *Service) limiter(email string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[email]
	if !ok {
		lim = rate.NewLimiter(s.sendRate, 1)
		s.limiters[email] = lim
	}
	return lim
}

// SendCode emails a one-time code, throttled per address so the provider
// cannot be used to spam a mailbox.
func (s *Service) SendCode(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return fmt.Errorf("%w: valid email required", ErrUnauthorized)
	}
	if !s.limiter(email).Allow() {
		return ErrTooManyCodes
	}
	return s.provider.SendCode(ctx, email)
}

// Verify checks a one-time code, upserts the user (the first user ever
// verified becomes admin), and mints a session.
func (s *Service) Verify(ctx context.Context, email, code string) (*store.Session, *store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	providerID, err := s.provider.VerifyCode(ctx, email, code)
	if err != nil {
		return nil, nil, err
	}

	user, err := s.users.GetByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		role := store.RoleUser
		count, countErr := s.users.Count(ctx)
		if countErr != nil {
			return nil, nil, fmt.Errorf("count users: %w", countErr)
		}
		if count == 0 {
			role = store.RoleAdmin
		}
		user = &store.User{Email: email, Role: role, ProviderUserID: providerID}
		if err := s.users.Create(ctx, user); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				// Lost a race with a concurrent first login for the same
				// address; re-read and carry on.
				if user, err = s.users.GetByEmail(ctx, email); err != nil {
					return nil, nil, err
				}
			} else {
				return nil, nil, fmt.Errorf("create user: %w", err)
			}
		}
		if role == store.RoleAdmin {
			slog.Info("first verified user promoted to admin", "email", email)
		}
	case err != nil:
		return nil, nil, fmt.Errorf("load user: %w", err)
	default:
		if user.ProviderUserID != providerID {
			if err := s.users.SetProviderUserID(ctx, user.ID, providerID); err != nil {
				slog.Warn("update provider user id failed", "error", err)
			}
		}
	}

	token, err := newSessionToken()
	if err != nil {
		return nil, nil, err
	}
	sess := &store.Session{
		Token:     token,
		UserID:    user.ID,
		ExpiresAt: time.Now().Add(s.ttl),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("create session: %w", err)
	}
	return sess, user, nil
}

// Resolve maps a session token to an Identity.
func (s *Service) Resolve(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnauthorized
	}
	sess, err := s.sessions.Get(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Identity{}, ErrUnauthorized
		}
		return Identity{}, fmt.Errorf("load session: %w", err)
	}
	user, err := s.users.Get(ctx, sess.UserID)
	if err != nil {
		return Identity{}, ErrUnauthorized
	}
	return Identity{UserID: user.ID, Email: user.Email, Role: user.Role}, nil
}

// Logout invalidates a session token; unknown tokens are a no-op.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Delete(ctx, token)
}

// PurgeExpired drops expired sessions; called periodically by the server.
func (s *Service) PurgeExpired(ctx context.Context) {
	if n, err := s.sessions.DeleteExpired(ctx); err != nil {
		slog.Warn("session purge failed", "error", err)
	} else if n > 0 {
		slog.Debug("purged expired sessions", "count", n)
	}
}

// newSessionToken returns a 256-bit random hex token.
func newSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
