// Package auth verifies who is calling: it drives the external email
// one-time-code provider, persists sessions, and resolves request
// credentials into an Identity.
package auth

import (
	"github.com/google/uuid"

	"github.com/mcclowin/probots/internal/store"
)

// Identity is a verified caller. It is consumed by the lifecycle core for
// ownership checks; the core never sees raw session tokens.
type Identity struct {
	UserID uuid.UUID
	Email  string
	Role   string
}

// IsAdmin reports cross-tenant privilege.
func (id Identity) IsAdmin() bool {
	return id.Role == store.RoleAdmin
}
