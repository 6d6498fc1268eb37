package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last write
// before reloading.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reapplies the engine configuration file whenever it changes.
// A file that fails validation is logged and the running engine is kept.
type Watcher struct {
	path     string
	manager  *Manager
	debounce time.Duration
	logger   *slog.Logger

	// applied is signalled after each reload attempt. Used by tests.
	applied chan error
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, manager *Manager, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		manager:  manager,
		debounce: DefaultDebounce,
		logger:   logger,
	}
}

// Run watches the file until ctx is cancelled. The parent directory is
// watched rather than the file so editors that replace the file on save
// are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", w.path, err)
	}
	w.logger.Info("watching engine config", "path", w.path)

	// Single timer, reset on every event; initialized stopped.
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			w.reload(ctx)

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := LoadEngineConfig(w.path)
	if err == nil {
		_, err = w.manager.Apply(ctx, cfg, SourceFile)
	}
	if err != nil {
		w.logger.Error("engine config reload failed, keeping current engine", "path", w.path, "error", err)
	}
	if w.applied != nil {
		select {
		case w.applied <- err:
		default:
		}
	}
}
