package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay collapses the burst of events a single save produces.
const reloadDelay = 100 * time.Millisecond

// Watcher reloads the config file when it changes.
type Watcher struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	current *Config
}

// NewWatcher creates a watcher for path, seeded with the config already
// loaded from it.
func NewWatcher(path string, current *Config, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:    filepath.Clean(path),
		logger:  logger,
		current: current,
	}, nil
}

// Watch calls onChange with the previous and the reloaded config each time
// the file changes to something new, until ctx ends. A reload that fails
// leaves the previous config in place.
//
// The file's directory is watched rather than the file, so saves that
// replace the file by renaming over it are still seen.
func (w *Watcher) Watch(ctx context.Context, onChange func(prev, next *Config)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()

	w.logger.Info("watching config file for changes", slog.String("path", w.path))
	go w.loop(ctx, fw, onChange)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, onChange func(prev, next *Config)) {
	defer fw.Close()

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(reloadDelay)
		case <-timer.C:
			w.reload(onChange)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload(onChange func(prev, next *Config)) {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Error("failed to reload config",
			slog.String("error", err.Error()),
			slog.String("path", w.path))
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()

	if reflect.DeepEqual(prev, next) {
		w.logger.Debug("config file touched without changes", slog.String("path", w.path))
		return
	}
	onChange(prev, next)
}

// Close stops watching the config file.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
