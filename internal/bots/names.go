package bots

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,22}[a-z0-9]$`)

// Registry owns the bot namespace: one globally unique name maps to one
// working directory under botsDir and one runtime unit. Record existence is
// the coordinator's side of the check; the registry covers the filesystem
// side, since the two can desync after a crash.
type Registry struct {
	botsDir string
}

func NewRegistry(botsDir string) *Registry {
	return &Registry{botsDir: botsDir}
}

// Validate rejects names outside the allowed pattern.
func (r *Registry) Validate(name string) error {
	if !nameRe.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}

// Dir returns the bot's working directory. Callers must Validate first;
// the name is also the last path element, so the pattern doubles as path
// traversal protection.
func (r *Registry) Dir(name string) string {
	return filepath.Join(r.botsDir, name)
}

// DataDir returns the bot's persistent data volume directory.
func (r *Registry) DataDir(name string) string {
	return filepath.Join(r.Dir(name), "data")
}

// Exists reports whether the name's directory is present.
func (r *Registry) Exists(name string) bool {
	_, err := os.Stat(r.Dir(name))
	return err == nil
}

// Allocate claims the name and creates its directory skeleton. Fails
// ErrInvalidName for bad names and ErrAlreadyExists when the directory is
// already present.
func (r *Registry) Allocate(name string) (string, error) {
	if err := r.Validate(name); err != nil {
		return "", err
	}
	if r.Exists(name) {
		return "", ErrAlreadyExists
	}
	dir := r.Dir(name)
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return "", fmt.Errorf("allocate %s: %w", name, err)
	}
	return dir, nil
}

// Release removes the name's directory tree. Releasing an already-released
// name is a no-op so destroy retries stay idempotent.
func (r *Registry) Release(name string) error {
	if err := r.Validate(name); err != nil {
		return err
	}
	if err := os.RemoveAll(r.Dir(name)); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	return nil
}
