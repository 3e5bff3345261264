package bots

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
)

// TokenVerifier pre-flights a Telegram bot token before a container is
// provisioned for it. Optional: a nil verifier skips the check.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) error
}

// telegramVerifier checks a token against the Telegram Bot API.
type telegramVerifier struct{}

func NewTelegramVerifier() TokenVerifier {
	return telegramVerifier{}
}

func (telegramVerifier) Verify(ctx context.Context, token string) error {
	bot, err := telego.NewBot(token, telego.WithDiscardLogger())
	if err != nil {
		return fmt.Errorf("%w: telegram_token rejected", ErrValidation)
	}
	if _, err := bot.GetMe(ctx); err != nil {
		return fmt.Errorf("%w: telegram_token rejected", ErrValidation)
	}
	return nil
}
