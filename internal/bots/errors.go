package bots

import (
	"errors"
	"fmt"

	"github.com/mcclowin/probots/internal/store"
)

var (
	// ErrInvalidName rejects names outside 2-24 lowercase alphanumerics and
	// hyphens with alphanumeric first/last characters.
	ErrInvalidName = errors.New("invalid name: 2-24 chars, lowercase alphanumeric + hyphens")
	// ErrAlreadyExists means the name is taken — by a record, a directory,
	// or both.
	ErrAlreadyExists = errors.New("bot already exists")
	// ErrNotFound is shared with the store: callers also map foreign-owned
	// bots onto it so a taken name is indistinguishable from a free one.
	ErrNotFound = store.ErrNotFound
	// ErrNoAPIKey means neither a tenant key nor the master key is set.
	ErrNoAPIKey = errors.New("no API key configured")
	// ErrNotAvailable means an export was requested for a bot with no data
	// directory on disk.
	ErrNotAvailable = errors.New("export not available")
	// ErrValidation wraps missing/bad request fields.
	ErrValidation = errors.New("validation failed")
)

// missingField builds a consistent required-field validation error.
func missingField(field string) error {
	return fmt.Errorf("%w: %s required", ErrValidation, field)
}
