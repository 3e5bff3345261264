package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mcclowin/probots/internal/crypto"
	"github.com/mcclowin/probots/internal/store"
)

// botStore implements store.BotStore backed by Postgres. Secret columns are
// AES-256-GCM encrypted with encKey before insert.
type botStore struct {
	db     *sql.DB
	encKey string
}

func (s *botStore) Create(ctx context.Context, b *store.Bot) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.Must(uuid.NewV7())
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}

	tokenEnc, err := crypto.Encrypt(b.TelegramToken, s.encKey)
	if err != nil {
		return fmt.Errorf("encrypt telegram token: %w", err)
	}
	var keyEnc sql.NullString
	if b.APIKey != "" {
		enc, err := crypto.Encrypt(b.APIKey, s.encKey)
		if err != nil {
			return fmt.Errorf("encrypt api key: %w", err)
		}
		keyEnc = sql.NullString{String: enc, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bots (id, user_id, name, status, telegram_token_enc, telegram_owner_id,
		                   api_key_enc, model, soul, mem_limit_mb, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		b.ID, b.UserID, b.Name, b.Status, tokenEnc, b.TelegramOwnerID,
		keyEnc, b.Model, b.Soul, b.MemLimitMB, b.CreatedAt)
	return mapErr(err)
}

const botColumns = `b.id, b.user_id, b.name, b.status, b.telegram_owner_id,
	b.model, COALESCE(b.soul, ''), b.mem_limit_mb, b.created_at,
	b.api_key_enc IS NOT NULL`

func (s *botStore) GetByName(ctx context.Context, name string) (*store.Bot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+botColumns+`, u.email
		 FROM bots b JOIN users u ON u.id = b.user_id WHERE b.name = $1`, name)
	return scanBot(row.Scan)
}

func (s *botStore) ListByOwner(ctx context.Context, userID uuid.UUID) ([]*store.Bot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+botColumns+`, ''
		 FROM bots b WHERE b.user_id = $1 ORDER BY b.created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return collectBots(rows)
}

func (s *botStore) ListAll(ctx context.Context) ([]*store.Bot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+botColumns+`, u.email
		 FROM bots b JOIN users u ON u.id = b.user_id ORDER BY b.created_at DESC`)
	if err != nil {
		return nil, err
	}
	return collectBots(rows)
}

func (s *botStore) UpdateStatus(ctx context.Context, name, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET status = $1 WHERE name = $2`, status, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *botStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bots WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *botStore) Credentials(ctx context.Context, name string) (string, string, error) {
	var tokenEnc string
	var keyEnc sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT telegram_token_enc, api_key_enc FROM bots WHERE name = $1`, name).
		Scan(&tokenEnc, &keyEnc)
	if err != nil {
		return "", "", mapErr(err)
	}

	token, err := crypto.Decrypt(tokenEnc, s.encKey)
	if err != nil {
		return "", "", fmt.Errorf("decrypt telegram token: %w", err)
	}
	apiKey := ""
	if keyEnc.Valid {
		apiKey, err = crypto.Decrypt(keyEnc.String, s.encKey)
		if err != nil {
			return "", "", fmt.Errorf("decrypt api key: %w", err)
		}
	}
	return token, apiKey, nil
}

func scanBot(scan func(dest ...any) error) (*store.Bot, error) {
	var b store.Bot
	if err := scan(&b.ID, &b.UserID, &b.Name, &b.Status, &b.TelegramOwnerID,
		&b.Model, &b.Soul, &b.MemLimitMB, &b.CreatedAt, &b.HasCustomKey, &b.OwnerEmail); err != nil {
		return nil, mapErr(err)
	}
	return &b, nil
}

func collectBots(rows *sql.Rows) ([]*store.Bot, error) {
	defer rows.Close()
	var bots []*store.Bot
	for rows.Next() {
		b, err := scanBot(rows.Scan)
		if err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}
