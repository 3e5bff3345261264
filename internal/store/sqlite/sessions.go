package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/mcclowin/probots/internal/store"
)

// sessionStore implements store.SessionStore backed by SQLite.
type sessionStore struct {
	db *sql.DB
}

func (s *sessionStore) Create(ctx context.Context, sess *store.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, expires_at, created_at)
		 VALUES (?, ?, ?, ?)`,
		sess.Token, sess.UserID.String(), fmtTime(sess.ExpiresAt), fmtTime(sess.CreatedAt))
	return mapErr(err)
}

func (s *sessionStore) Get(ctx context.Context, token string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token, user_id, expires_at, created_at FROM sessions WHERE token = ?`, token)

	var sess store.Session
	var userID, expires, created string
	if err := row.Scan(&sess.Token, &userID, &expires, &created); err != nil {
		return nil, mapErr(err)
	}
	sess.UserID, _ = uuid.Parse(userID)
	sess.ExpiresAt = parseTime(expires)
	sess.CreatedAt = parseTime(created)

	if time.Now().After(sess.ExpiresAt) {
		// Expired sessions read as absent; cleanup happens out of band.
		return nil, store.ErrNotFound
	}
	return &sess, nil
}

func (s *sessionStore) Delete(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	return err
}

func (s *sessionStore) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < ?`, fmtTime(time.Now()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
