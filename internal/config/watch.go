package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the previous config, the freshly loaded one and the
// diff between them.
type ReloadFunc func(old, new *Config, diff ConfigDiff)

// Watch reloads the config file at path whenever it is written and calls fn
// when a reloadable field changed. It blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, current *Config, fn ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are noticed.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			next, err := LoadFile(path)
			if err != nil {
				slog.Warn("config reload failed", "path", path, "error", err)
				continue
			}
			diff := Diff(current, next)
			for _, field := range diff.NonReloadable {
				slog.Warn("config field changed but requires restart", "field", field)
			}
			if diff.HasChanges() {
				slog.Info("config reloaded",
					"agents_added", len(diff.AgentsAdded),
					"agents_removed", len(diff.AgentsRemoved),
					"agents_changed", len(diff.AgentsChanged))
				fn(current, next, diff)
			}
			current = next
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("fsnotify error", "error", err)
		}
	}
}
