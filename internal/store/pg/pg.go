// Package pg implements the store interfaces on Postgres for managed
// deployments. Schema is managed by golang-migrate (see migrations/ and
// the `probots migrate` command); the package assumes it is current.
package pg

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mcclowin/probots/internal/store"
)

// NewStores connects to Postgres and returns the assembled store container.
// encryptionKey must be non-empty; secret columns are never plaintext.
func NewStores(dsn, encryptionKey string) (*store.Stores, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("PROBOTS_ENCRYPTION_KEY is not set; refusing to store secrets in plaintext")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return store.NewStores(
		&userStore{db: db},
		&sessionStore{db: db},
		&botStore{db: db, encKey: encryptionKey},
		db.Close,
	), nil
}

// mapErr converts pgx errors into store sentinels using SQLSTATE codes.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return store.ErrDuplicate
	}
	return err
}
