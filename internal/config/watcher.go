package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounceDelay = 500 * time.Millisecond

// StartWatcher reloads the file at configPath whenever it changes and hands
// the validated result to onConfigReload. It blocks until ctx is done.
// An invalid file is logged and the running configuration is kept.
func StartWatcher(
	ctx context.Context,
	logger *slog.Logger,
	configPath string,
	role Role,
	onConfigReload func(*Config),
	debounceDelay time.Duration,
) {
	logger = logger.With("component", "config_watcher")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("Failed to create config file watcher", "error", err)
		return
	}
	defer watcher.Close()

	// Editors replace files by rename, so the directory is watched.
	configDir := filepath.Dir(configPath)
	if err := watcher.Add(configDir); err != nil {
		logger.Error("Failed to add config path to watcher", "path", configDir, "error", err)
		return
	}

	delay := debounceDelay
	if delay <= 0 {
		delay = defaultDebounceDelay
	}

	logger.Info("Started configuration watcher", "path", configPath, "debounce", delay)

	var debounceTimer *time.Timer
	var mu sync.Mutex

	reload := func() {
		logger.Info("Config file changed, attempting to reload", "path", configPath)
		newCfg, err := Load(configPath, role)
		if err != nil {
			logger.Error("Failed to reload config file, keeping old configuration", "path", configPath, "error", err)
			return
		}
		onConfigReload(newCfg)
		logger.Info("Configuration reloaded and applied", "path", configPath)
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			mu.Unlock()
			logger.Info("Stopping configuration watcher")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				logger.Warn("Watcher events channel closed unexpectedly, stopping watcher")
				return
			}

			relevant := filepath.Clean(event.Name) == filepath.Clean(configPath) &&
				(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename))
			if !relevant {
				continue
			}

			mu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(delay, reload)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				logger.Warn("Watcher errors channel closed unexpectedly, stopping watcher")
				return
			}
			logger.Error("Error watching config file", "error", err)
		}
	}
}
