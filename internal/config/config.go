package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"lancollab/internal/auth"
	"lancollab/internal/presence"
	"lancollab/internal/settings"
)

const (
	DefaultPort = 8765
	MinPort     = 1024
	MaxPort     = 65535
)

// Config is the environment of the reference host process.
type Config struct {
	DocumentPath    string
	SettingsBackend string
	SettingsFile    string
	RedisURL        string
	DatabaseURL     string
	LogLevel        string
	SyncInterval    time.Duration
	ShutdownTimeout time.Duration

	// Port and ReadWrite override the stored collaboration settings when set.
	Port      int
	ReadWrite string
}

func Load() Config {
	return Config{
		DocumentPath:    getenv("COLLAB_DOCUMENT", "./shared.txt"),
		SettingsBackend: strings.ToLower(getenv("COLLAB_SETTINGS_BACKEND", "file")),
		SettingsFile:    getenv("COLLAB_SETTINGS_FILE", "./collab-settings.json"),
		RedisURL:        getenv("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL:     getenv("DATABASE_URL", ""),
		LogLevel:        getenv("COLLAB_LOG_LEVEL", "info"),
		SyncInterval:    time.Duration(getenvInt("COLLAB_SYNC_INTERVAL_MS", 250)) * time.Millisecond,
		ShutdownTimeout: time.Duration(getenvInt("COLLAB_SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,
		Port:            getenvInt("COLLAB_PORT", 0),
		ReadWrite:       strings.TrimSpace(os.Getenv("COLLAB_RW")),
	}
}

// Collab is the persisted collaboration configuration.
type Collab struct {
	Token           string
	Port            int
	ReadWrite       bool
	PresenceTimeout time.Duration
}

// LoadCollab reads the collaboration keys from store, generating and saving
// a token the first time one is needed.
func LoadCollab(ctx context.Context, store settings.Store) (Collab, error) {
	token, err := EnsureToken(ctx, store)
	if err != nil {
		return Collab{}, err
	}
	port, err := getInt(ctx, store, settings.KeyPort, DefaultPort)
	if err != nil {
		return Collab{}, err
	}
	rw, err := getBool(ctx, store, settings.KeyReadWrite, false)
	if err != nil {
		return Collab{}, err
	}
	timeoutSec, err := getInt(ctx, store, settings.KeyPresenceTimeout, int(presence.DefaultTimeout/time.Second))
	if err != nil {
		return Collab{}, err
	}
	return Collab{
		Token:           token,
		Port:            ClampPort(port),
		ReadWrite:       rw,
		PresenceTimeout: presence.NormalizeTimeout(time.Duration(timeoutSec) * time.Second),
	}, nil
}

// SaveCollab persists the user-editable keys. The token is left alone.
func SaveCollab(ctx context.Context, store settings.Store, port int, readWrite bool) error {
	if err := store.Set(ctx, settings.KeyPort, strconv.Itoa(ClampPort(port))); err != nil {
		return err
	}
	return store.Set(ctx, settings.KeyReadWrite, strconv.FormatBool(readWrite))
}

// ApplyOverrides saves the port and read/write overrides from cfg into store,
// keeping the stored value for whichever one is unset. It reports whether
// anything was written.
func ApplyOverrides(ctx context.Context, store settings.Store, cfg Config) (bool, error) {
	rwOverride, rwSet := parseBool(cfg.ReadWrite)
	if cfg.Port == 0 && !rwSet {
		return false, nil
	}
	current, err := LoadCollab(ctx, store)
	if err != nil {
		return false, err
	}
	port, readWrite := current.Port, current.ReadWrite
	if cfg.Port != 0 {
		port = cfg.Port
	}
	if rwSet {
		readWrite = rwOverride
	}
	if err := SaveCollab(ctx, store, port, readWrite); err != nil {
		return false, fmt.Errorf("save collaboration overrides: %w", err)
	}
	return true, nil
}

func EnsureToken(ctx context.Context, store settings.Store) (string, error) {
	existing, ok, err := store.Get(ctx, settings.KeyToken)
	if err != nil {
		return "", fmt.Errorf("load collab token: %w", err)
	}
	if token := strings.TrimSpace(existing); ok && token != "" {
		return token, nil
	}
	token, err := auth.GenerateToken()
	if err != nil {
		return "", err
	}
	if err := store.Set(ctx, settings.KeyToken, token); err != nil {
		return "", fmt.Errorf("save collab token: %w", err)
	}
	return token, nil
}

func ValidPort(port int) bool {
	return port >= MinPort && port <= MaxPort
}

func ClampPort(port int) int {
	if port < MinPort {
		return MinPort
	}
	if port > MaxPort {
		return MaxPort
	}
	return port
}

func getInt(ctx context.Context, store settings.Store, key string, fallback int) (int, error) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", key, err)
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || parsed == 0 {
		return fallback, nil
	}
	return parsed, nil
}

func getBool(ctx context.Context, store settings.Store, key string, fallback bool) (bool, error) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if !ok {
		return fallback, nil
	}
	if value, ok := parseBool(raw); ok {
		return value, nil
	}
	return fallback, nil
}

func parseBool(raw string) (value, ok bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
