package config

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"lancollab/internal/settings"
)

func newFileStore(t *testing.T) *settings.FileStore {
	t.Helper()
	return settings.NewFileStore(filepath.Join(t.TempDir(), "settings.json"))
}

func TestLoadCollabDefaultsAndGeneratesToken(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)

	cfg, err := LoadCollab(ctx, store)
	if err != nil {
		t.Fatalf("LoadCollab() error = %v", err)
	}
	if cfg.Token == "" {
		t.Fatal("expected a generated token")
	}
	if cfg.Port != DefaultPort || cfg.ReadWrite || cfg.PresenceTimeout != 120*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	again, err := LoadCollab(ctx, store)
	if err != nil {
		t.Fatalf("LoadCollab() error = %v", err)
	}
	if again.Token != cfg.Token {
		t.Fatalf("expected token to be generated once, got %q then %q", cfg.Token, again.Token)
	}
}

func TestLoadCollabCoercesStoredValues(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)
	for key, value := range map[string]string{
		settings.KeyToken:           "  kept  ",
		settings.KeyPort:            "80",
		settings.KeyReadWrite:       "true",
		settings.KeyPresenceTimeout: "5",
	} {
		if err := store.Set(ctx, key, value); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}

	cfg, err := LoadCollab(ctx, store)
	if err != nil {
		t.Fatalf("LoadCollab() error = %v", err)
	}
	if cfg.Token != "kept" {
		t.Fatalf("expected trimmed stored token, got %q", cfg.Token)
	}
	if cfg.Port != MinPort {
		t.Fatalf("expected port clamped to %d, got %d", MinPort, cfg.Port)
	}
	if !cfg.ReadWrite {
		t.Fatal("expected read/write to be enabled")
	}
	if cfg.PresenceTimeout != 20*time.Second {
		t.Fatalf("expected presence timeout floor of 20s, got %v", cfg.PresenceTimeout)
	}
}

func TestLoadCollabPresenceTimeout(t *testing.T) {
	ctx := context.Background()
	cases := map[string]time.Duration{
		"-5":    20 * time.Second,
		"0":     120 * time.Second,
		"soon":  120 * time.Second,
		"45":    45 * time.Second,
		" 300 ": 300 * time.Second,
	}
	for raw, want := range cases {
		store := newFileStore(t)
		if err := store.Set(ctx, settings.KeyPresenceTimeout, raw); err != nil {
			t.Fatalf("seed: %v", err)
		}
		cfg, err := LoadCollab(ctx, store)
		if err != nil {
			t.Fatalf("LoadCollab() error = %v", err)
		}
		if cfg.PresenceTimeout != want {
			t.Errorf("timeout %q loaded as %v, want %v", raw, cfg.PresenceTimeout, want)
		}
	}
}

func TestLoadCollabFallsBackOnGarbage(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)
	_ = store.Set(ctx, settings.KeyPresenceTimeout, "soon")
	_ = store.Set(ctx, settings.KeyReadWrite, "maybe")

	cfg, err := LoadCollab(ctx, store)
	if err != nil {
		t.Fatalf("LoadCollab() error = %v", err)
	}
	if cfg.PresenceTimeout != 120*time.Second || cfg.ReadWrite {
		t.Fatalf("expected fallbacks, got %+v", cfg)
	}
}

func TestSaveCollab(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)
	if err := SaveCollab(ctx, store, 9100, true); err != nil {
		t.Fatalf("SaveCollab() error = %v", err)
	}
	cfg, err := LoadCollab(ctx, store)
	if err != nil {
		t.Fatalf("LoadCollab() error = %v", err)
	}
	if cfg.Port != 9100 || !cfg.ReadWrite {
		t.Fatalf("unexpected saved config: %+v", cfg)
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk on fire")
}

func (failingStore) Set(context.Context, string, string) error { return errors.New("disk on fire") }

func TestLoadCollabSurfacesStoreErrors(t *testing.T) {
	if _, err := LoadCollab(context.Background(), failingStore{}); err == nil {
		t.Fatal("expected store error to surface")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("COLLAB_SETTINGS_BACKEND", "REDIS")
	t.Setenv("COLLAB_SYNC_INTERVAL_MS", "40")
	t.Setenv("COLLAB_SHUTDOWN_TIMEOUT_SECONDS", "not-a-number")

	cfg := Load()
	if cfg.SettingsBackend != "redis" {
		t.Fatalf("expected lower-cased backend, got %q", cfg.SettingsBackend)
	}
	if cfg.SyncInterval != 40*time.Millisecond {
		t.Fatalf("expected 40ms sync interval, got %v", cfg.SyncInterval)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Fatalf("expected fallback shutdown timeout, got %v", cfg.ShutdownTimeout)
	}
	if cfg.Port != 0 || cfg.ReadWrite != "" {
		t.Fatalf("expected no overrides, got port %d rw %q", cfg.Port, cfg.ReadWrite)
	}
}

func TestApplyOverridesSavesOnlyWhatIsSet(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)
	if err := SaveCollab(ctx, store, 9100, true); err != nil {
		t.Fatalf("SaveCollab() error = %v", err)
	}

	t.Setenv("COLLAB_PORT", "9200")
	saved, err := ApplyOverrides(ctx, store, Load())
	if err != nil || !saved {
		t.Fatalf("ApplyOverrides() = %v, %v", saved, err)
	}
	cfg, err := LoadCollab(ctx, store)
	if err != nil {
		t.Fatalf("LoadCollab() error = %v", err)
	}
	if cfg.Port != 9200 || !cfg.ReadWrite {
		t.Fatalf("expected port override with stored rw kept, got %+v", cfg)
	}

	saved, err = ApplyOverrides(ctx, store, Config{ReadWrite: "off"})
	if err != nil || !saved {
		t.Fatalf("ApplyOverrides() = %v, %v", saved, err)
	}
	if cfg, _ = LoadCollab(ctx, store); cfg.Port != 9200 || cfg.ReadWrite {
		t.Fatalf("expected rw override with stored port kept, got %+v", cfg)
	}
}

func TestApplyOverridesIgnoresUnsetOrGarbage(t *testing.T) {
	saved, err := ApplyOverrides(context.Background(), failingStore{}, Config{ReadWrite: "maybe"})
	if err != nil || saved {
		t.Fatalf("expected no store access without overrides, got %v, %v", saved, err)
	}
	if _, err := ApplyOverrides(context.Background(), failingStore{}, Config{Port: 9000}); err == nil {
		t.Fatal("expected store error to surface")
	}
}
