package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets the watcher's logger.
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// WithReloadHook registers fn to run after every successful reload.
func WithReloadHook(fn func(*Catalog)) WatcherOption {
	return func(w *Watcher) { w.hooks = append(w.hooks, fn) }
}

// Watcher holds the current catalog and swaps in a new one when the file
// changes. A file that fails to parse leaves the previous catalog in place.
type Watcher struct {
	path  string
	log   *slog.Logger
	hooks []func(*Catalog)

	cur     atomic.Pointer[Catalog]
	mu      sync.Mutex
	running atomic.Bool
}

// NewWatcher loads path and returns a watcher serving it.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("catalog path: %w", err)
	}
	w := &Watcher{path: abs, log: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	c, err := Load(abs)
	if err != nil {
		return nil, err
	}
	w.cur.Store(c)
	return w, nil
}

// Path returns the absolute path of the watched file.
func (w *Watcher) Path() string { return w.path }

// Current returns the most recently loaded catalog.
func (w *Watcher) Current() *Catalog { return w.cur.Load() }

// Reload re-reads the file now.
func (w *Watcher) Reload() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, err := Load(w.path)
	if err != nil {
		return err
	}
	w.cur.Store(c)
	for _, fn := range w.hooks {
		fn(c)
	}
	return nil
}

// Run watches the file's directory and reloads on changes until ctx is
// done. The directory is watched rather than the file so that editors which
// replace the file by rename are followed.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("catalog watcher for %s already running", w.path)
	}
	defer w.running.Store(false)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer func() {
		_ = fw.Close()
	}()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.Reload(); err != nil {
				w.log.WarnContext(ctx, "catalog reload failed, keeping previous catalog", slog.String("path", w.path), slog.String("err", err.Error()))
				continue
			}
			w.log.InfoContext(ctx, "catalog reloaded", slog.String("path", w.path))
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.DebugContext(ctx, "fsnotify error", slog.String("err", err.Error()))
		}
	}
}
