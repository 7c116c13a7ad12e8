package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the event bursts editors emit on save into a single
// reload.
const reloadDelay = 100 * time.Millisecond

// Watcher keeps a Config current with its file on disk.
type Watcher struct {
	path     string
	onChange func(*Config)

	mu  sync.RWMutex
	cfg *Config

	fs   *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher loads the config and starts watching it for changes. onChange,
// when non-nil, runs after every successful reload.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// The directory, not the file: atomic saves replace the inode.
	if err := fs.Add(filepath.Dir(path)); err != nil {
		fs.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		onChange: onChange,
		cfg:      cfg,
		fs:       fs,
		done:     make(chan struct{}),
	}
	go w.watch()
	return w, nil
}

// Config returns the most recently loaded configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fs.Close()
}

func (w *Watcher) watch() {
	name := filepath.Base(w.path)
	var pending <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(reloadDelay)
			}
		case <-pending:
			pending = nil
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

// reload replaces the held config. A file that fails to parse or validate is
// rejected and the previous config stays in effect.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("config reload failed", "path", w.path, "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config reload rejected", "error", err)
		return
	}

	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()
	slog.Info("config reloaded", "path", w.path)

	if w.onChange != nil {
		w.onChange(cfg)
	}
}
