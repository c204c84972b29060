// Command collabd hosts the LAN collaboration service over a plain text file.
// The file plays the part of the editor's live document: it seeds the session
// on start and receives every accepted edit from the sync bridge.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"lancollab/internal/app"
	"lancollab/internal/bridge"
	"lancollab/internal/config"
	"lancollab/internal/settings"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	ctx := context.Background()

	store, closeStore, err := openSettings(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("settings store unavailable")
	}
	defer closeStore()

	if saved, err := config.ApplyOverrides(ctx, store, cfg); err != nil {
		logger.WithError(err).Fatal("apply collaboration overrides")
	} else if saved {
		logger.WithFields(logrus.Fields{"port": cfg.Port, "rw": cfg.ReadWrite}).Info("saved collaboration overrides")
	}

	collab, err := config.LoadCollab(ctx, store)
	if err != nil {
		logger.WithError(err).Fatal("load collaboration settings")
	}

	doc := newFileDocument(cfg.DocumentPath)
	host := bridge.HostFunc(func() bridge.Document { return doc })
	handoff := bridge.New(bridge.DefaultCapacity)
	service := app.NewService(store, host, handoff, logger)

	if err := service.Start(ctx, collab.Port, collab.ReadWrite); err != nil {
		logger.WithError(err).Fatal("collaboration server failed to start")
	}
	logger.WithFields(logrus.Fields{
		"addr":     service.Addr(),
		"document": cfg.DocumentPath,
	}).Info("send the collab_token from the settings store as a Bearer token")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// This goroutine owns the document; only it drains the bridge.
	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for running := true; running; {
		select {
		case <-ticker.C:
			handoff.Drain(host)
			if err := doc.Err(); err != nil {
				logger.WithError(err).Warn("document write failed")
			}
		case <-sigCh:
			running = false
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := service.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
	handoff.Drain(host)
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

func openSettings(ctx context.Context, cfg config.Config) (settings.Store, func(), error) {
	switch cfg.SettingsBackend {
	case "", "file":
		return settings.NewFileStore(cfg.SettingsFile), func() {}, nil
	case "redis":
		store, err := settings.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "postgres":
		store, err := settings.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown settings backend %q", cfg.SettingsBackend)
	}
}
