package bots

import (
	"github.com/mcclowin/probots/internal/auth"
	"github.com/mcclowin/probots/internal/store"
)

// Guard authorizes an identity against a bot record: owners act on their
// own bots, admins on any. Everyone else gets ErrNotFound — not a
// forbidden error — so probing a name never reveals that another tenant
// holds it.
type Guard struct{}

func (Guard) Authorize(id auth.Identity, bot *store.Bot) error {
	if id.IsAdmin() || bot.UserID == id.UserID {
		return nil
	}
	return ErrNotFound
}
