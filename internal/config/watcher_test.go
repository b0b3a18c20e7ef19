package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agor.yaml")
	if err := os.WriteFile(path, []byte("server:\n  auth_secret: one\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 4)
	w := NewWatcher(slog.New(slog.NewTextHandler(os.Stderr, nil)), path, func(cfg *Config) {
		reloaded <- cfg
	})
	w.debounce = 20 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("server:\n  auth_secret: two\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Server.AuthSecret != "two" {
			t.Errorf("AuthSecret = %q", cfg.Server.AuthSecret)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatcherKeepsPreviousOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agor.yaml")
	if err := os.WriteFile(path, []byte("server:\n  auth_secret: one\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 4)
	w := NewWatcher(slog.New(slog.NewTextHandler(os.Stderr, nil)), path, func(cfg *Config) {
		reloaded <- cfg
	})
	w.debounce = 20 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	// Broken YAML must not reach the callback.
	if err := os.WriteFile(path, []byte(":\n  not yaml ["), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		t.Errorf("unexpected reload with config %+v", cfg)
	case <-time.After(500 * time.Millisecond):
	}
}
