package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches the engine config file for external edits. The
// pipeline calls SuppressNext around its own writes so the watcher does
// not react to them.
type Watcher struct {
	path     string
	onChange func()
	logger   *zap.Logger

	mu             sync.Mutex
	suppressUntil  time.Time
	suppressWindow time.Duration
}

// NewWatcher creates a watcher for path invoking onChange on external
// modification.
func NewWatcher(path string, onChange func(), logger *zap.Logger) *Watcher {
	return &Watcher{
		path:           path,
		onChange:       onChange,
		logger:         logger,
		suppressWindow: 2 * time.Second,
	}
}

// SuppressNext opens a window during which change events for the watched
// file are ignored. Called by the pipeline just before its own writes.
func (w *Watcher) SuppressNext() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.suppressUntil = time.Now().Add(w.suppressWindow)
}

func (w *Watcher) suppressed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Now().Before(w.suppressUntil)
}

// Run blocks watching the config file's directory until ctx is done.
// Watching the directory rather than the file survives the atomic
// rename writes the store performs.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if w.suppressed() {
				w.logger.Debug("ignoring own config write", zap.String("path", event.Name))
				continue
			}
			w.logger.Info("config changed externally", zap.String("path", event.Name))
			if w.onChange != nil {
				w.onChange()
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
