// deepcorrect/helpers_watch.go
// Contains the config file watcher used for live configuration reload.
package deepcorrect

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// configReloadDebounce coalesces the burst of events editors produce on save.
const configReloadDebounce = 200 * time.Millisecond

// WatchConfigFile watches path and calls onChange with the reloaded configuration after
// each write. Invalid files are logged and skipped, so the previous configuration stays
// active. The parent directory is watched so that atomic rename-on-save is seen. Blocks
// until ctx is cancelled.
func WatchConfigFile(ctx context.Context, path string, logger *slog.Logger, onChange func(Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	watchLogger := logger.With("component", "ConfigWatcher", "path", path)

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: resolving %s: %w", ErrConfig, path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: creating watcher: %w", ErrConfig, err)
	}
	defer watcher.Close()

	dir := filepath.Dir(absPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("%w: watching %s: %w", ErrConfig, dir, err)
	}
	watchLogger.Info("Watching config file for changes")

	var debounce *time.Timer
	var debounceC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			watchLogger.Debug("Config watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			watchLogger.Debug("Config file event", "op", event.Op.String())
			if debounce == nil {
				debounce = time.NewTimer(configReloadDebounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(configReloadDebounce)
			}
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			cfg, err := LoadConfigFromPath(absPath, watchLogger)
			if err != nil {
				watchLogger.Warn("Ignoring config change", "error", err)
				continue
			}
			watchLogger.Info("Config file reloaded")
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			watchLogger.Error("Config watcher error", "error", err)
		}
	}
}
