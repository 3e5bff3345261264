package bots

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// TestValidateNames exercises the name pattern boundaries.
func TestValidateNames(t *testing.T) {
	r := NewRegistry(t.TempDir())

	valid := []string{"ab", "my-bot", "bot-42", "a1", "x0-9z", "abcdefghijklmnopqrstuvwx"}
	for _, name := range valid {
		if err := r.Validate(name); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{
		"",
		"a",                         // too short
		"-bot",                      // leading hyphen
		"bot-",                      // trailing hyphen
		"My-Bot",                    // uppercase
		"bot_1",                     // underscore
		"bot.1",                     // dot
		"../etc",                    // traversal
		"abcdefghijklmnopqrstuvwxy", // 25 chars
	}
	for _, name := range invalid {
		if !errors.Is(r.Validate(name), ErrInvalidName) {
			t.Errorf("Validate(%q) = nil, want ErrInvalidName", name)
		}
	}
}

// TestAllocateRelease covers the claim/free cycle and double-claim rejection.
func TestAllocateRelease(t *testing.T) {
	base := t.TempDir()
	r := NewRegistry(base)

	dir, err := r.Allocate("my-bot")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if dir != filepath.Join(base, "my-bot") {
		t.Fatalf("Allocate dir = %q", dir)
	}
	if _, err := os.Stat(filepath.Join(dir, "data")); err != nil {
		t.Fatalf("data dir missing: %v", err)
	}
	if !r.Exists("my-bot") {
		t.Fatal("Exists = false after Allocate")
	}

	if _, err := r.Allocate("my-bot"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second Allocate = %v, want ErrAlreadyExists", err)
	}

	if err := r.Release("my-bot"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if r.Exists("my-bot") {
		t.Fatal("Exists = true after Release")
	}
	// Releasing a freed name is a no-op.
	if err := r.Release("my-bot"); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

// TestAllocateInvalidName confirms bad names touch nothing on disk.
func TestAllocateInvalidName(t *testing.T) {
	base := t.TempDir()
	r := NewRegistry(base)

	if _, err := r.Allocate("../escape"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("Allocate = %v, want ErrInvalidName", err)
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("bots dir not empty after rejected allocate: %v", entries)
	}
}
