package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 250 * time.Millisecond

// ReloadEvent asks the daemon to re-read config.yaml. Changes counts the
// filesystem notifications folded into it.
type ReloadEvent struct {
	Path    string
	Changes int
}

// Watcher turns edits of config.yaml into reload requests. It watches the
// home directory, not the file, so a save-by-rename is still seen, and it
// waits for the file to settle before asking for a reload.
type Watcher struct {
	homeDir  string
	debounce time.Duration
	logger   *slog.Logger
	events   chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		debounce: defaultReloadDebounce,
		logger:   logger,
		events:   make(chan ReloadEvent, 1),
	}
}

// SetDebounce changes the settle window. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw, filepath.Clean(ConfigPath(w.homeDir)))
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, target string) {
	defer fsw.Close()
	defer close(w.events)

	settle := time.NewTimer(w.debounce)
	if !settle.Stop() {
		<-settle.C
	}
	pending := 0

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if pending == 0 {
				settle.Reset(w.debounce)
			}
			pending++
		case <-settle.C:
			w.logger.Info("config file changed", "path", target, "changes", pending)
			select {
			case w.events <- ReloadEvent{Path: target, Changes: pending}:
			default:
				// a reload is already queued and will read the latest file
			}
			pending = 0
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
