package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-reads the config file when it changes and applies the settings
// that are safe to retune live: log level and seed-backed caches via the
// invalidation signal. Structural settings (addr, DSN) need a restart and
// are ignored on reload.
type Watcher struct {
	path       string
	level      *slog.LevelVar
	invalidate func()
}

// NewWatcher creates a config file watcher. invalidate may be nil.
func NewWatcher(path string, level *slog.LevelVar, invalidate func()) *Watcher {
	return &Watcher{path: path, level: level, invalidate: invalidate}
}

// Name returns the worker identifier.
func (w *Watcher) Name() string { return "config_watcher" }

// Run watches until ctx is cancelled. Editors replace files rather than
// writing in place, so the parent directory is watched and events are
// matched by name.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	// Debounce: editors fire several events per save.
	var pending <-chan time.Time

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(200 * time.Millisecond)

		case <-pending:
			pending = nil
			w.reload(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.LogAttrs(ctx, slog.LevelWarn, "config watch error",
				slog.String("error", err.Error()),
			)

		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := Load(w.path)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "config reload failed",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}

	if w.level != nil {
		w.level.Set(ParseLevel(cfg.Logging.Level))
	}
	if w.invalidate != nil {
		w.invalidate()
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "config reloaded",
		slog.String("path", w.path),
		slog.String("log_level", cfg.Logging.Level),
	)
}

// ParseLevel maps a config level string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
