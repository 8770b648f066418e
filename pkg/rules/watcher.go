package rules

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/teslashibe/go-picar/internal/log"
)

// DefaultDebounce collapses the burst of events an editor emits on save.
const DefaultDebounce = 300 * time.Millisecond

// Watcher reloads an Engine whenever its rules file changes. A file that fails
// to parse or validate is logged and the current table stays in place.
type Watcher struct {
	path     string
	engine   *Engine
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	reloads  int
	failures int
	lastErr  error

	// OnReload, if set, is called after every reload attempt.
	OnReload func(err error)
}

// NewWatcher creates a watcher for path. Call Run to start it.
func NewWatcher(path string, engine *Engine, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		engine:   engine,
		debounce: DefaultDebounce,
		logger:   log.Or(logger).With("component", "rules.watcher", "path", path),
	}
}

// SetDebounce changes the quiet period before a reload.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}

// Reload reads the file and swaps it into the engine.
func (w *Watcher) Reload() error {
	rs, err := LoadFile(w.path)
	if err == nil {
		err = w.engine.Load(rs)
	}

	w.mu.Lock()
	if err != nil {
		w.failures++
	} else {
		w.reloads++
	}
	w.lastErr = err
	cb := w.OnReload
	w.mu.Unlock()

	if err != nil {
		w.logger.Error("rules reload rejected, keeping previous table", "error", err)
	} else {
		w.logger.Info("rules reloaded", "rules", len(rs))
	}
	if cb != nil {
		cb(err)
	}
	return err
}

// Stats returns the number of successful and failed reloads and the last error.
func (w *Watcher) Stats() (reloads, failures int, lastErr error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads, w.failures, w.lastErr
}

// Run watches the file's directory until ctx is cancelled. The directory is
// watched rather than the file so editors that save by rename still trigger.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.mu.Lock()
	debounce := w.debounce
	w.mu.Unlock()

	w.logger.Info("watching rules file")

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("rules file event", "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)

		case <-fire:
			fire = nil
			_ = w.Reload()
		}
	}
}
