package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports one watched file changing on disk. Path is absolute.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher surfaces writes to the config file and the dangerous-command
// policy table so the daemon can hot-reload the latter without a restart.
type Watcher struct {
	paths  []string
	logger *slog.Logger
	events chan ReloadEvent
}

func NewWatcher(logger *slog.Logger, paths ...string) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		paths:  paths,
		logger: logger,
		events: make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching and returns; events flow until ctx is done. The
// parent directories are watched rather than the files themselves, so an
// editor that replaces a file by rename keeps producing events.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	watched := make(map[string]struct{}, len(w.paths))
	dirs := make(map[string]struct{}, len(w.paths))
	for _, p := range w.paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		watched[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("watch directory failed", "dir", dir, "error", err)
		}
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				name, err := filepath.Abs(ev.Name)
				if err != nil {
					continue
				}
				if _, ok := watched[name]; !ok {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: name, Op: ev.Op}:
				default:
				}
				w.logger.Info("watched file changed", "path", name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("file watcher error", "error", err)
			}
		}
	}()
	return nil
}
