package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/mcclowin/probots/internal/store"
)

// userStore implements store.UserStore backed by SQLite.
type userStore struct {
	db *sql.DB
}

func (s *userStore) Get(ctx context.Context, id uuid.UUID) (*store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, role, COALESCE(provider_user_id, ''), created_at
		 FROM users WHERE id = ?`, id.String())
	return scanUser(row)
}

func (s *userStore) GetByEmail(ctx context.Context, email string) (*store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, role, COALESCE(provider_user_id, ''), created_at
		 FROM users WHERE email = ?`, email)
	return scanUser(row)
}

func (s *userStore) Create(ctx context.Context, u *store.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.Must(uuid.NewV7())
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, role, provider_user_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		u.ID.String(), u.Email, u.Role, u.ProviderUserID, fmtTime(u.CreatedAt))
	return mapErr(err)
}

func (s *userStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (s *userStore) List(ctx context.Context) ([]*store.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.email, u.role, COALESCE(u.provider_user_id, ''), u.created_at,
		        (SELECT COUNT(*) FROM bots b WHERE b.user_id = u.id)
		 FROM users u ORDER BY u.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*store.User
	for rows.Next() {
		var u store.User
		var id, created string
		if err := rows.Scan(&id, &u.Email, &u.Role, &u.ProviderUserID, &created, &u.BotCount); err != nil {
			return nil, err
		}
		u.ID, _ = uuid.Parse(id)
		u.CreatedAt = parseTime(created)
		users = append(users, &u)
	}
	return users, rows.Err()
}

func (s *userStore) UpdateRole(ctx context.Context, id uuid.UUID, role string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET role = ? WHERE id = ?`, role, id.String())
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *userStore) SetProviderUserID(ctx context.Context, id uuid.UUID, providerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET provider_user_id = ? WHERE id = ?`, providerID, id.String())
	return err
}

func scanUser(row *sql.Row) (*store.User, error) {
	var u store.User
	var id, created string
	if err := row.Scan(&id, &u.Email, &u.Role, &u.ProviderUserID, &created); err != nil {
		return nil, mapErr(err)
	}
	u.ID, _ = uuid.Parse(id)
	u.CreatedAt = parseTime(created)
	return &u, nil
}
