package config

import (
	"path/filepath"
	"sync"
	"time"

	"converge/internal/logger"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads tuning values when the config file changes on disk.
// Only the callback decides which parts of a reloaded config are safe to
// apply at runtime; structural settings (broker adapter, ledger path) need a
// restart and are ignored by callers.
type Watcher struct {
	path     string
	onReload func(*Config)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewWatcher(path string, onReload func(*Config)) *Watcher {
	return &Watcher{path: path, onReload: onReload}
}

// Start begins watching. Events are debounced: editors fire several writes
// per save.
func (w *Watcher) Start() error {
	if w == nil || w.onReload == nil {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}
	w.mu.Lock()
	w.watcher = fsw
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(fsw)
	logger.Infof("config: watching %s for tuning changes", w.path)
	return nil
}

func (w *Watcher) loop(fsw *fsnotify.Watcher) {
	var pending <-chan time.Time
	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			logger.Warnf("config: watch error: %v", err)
		case <-pending:
			pending = nil
			cfg, err := Load(w.path)
			if err != nil {
				logger.Errorf("config: reload rejected: %v", err)
				continue
			}
			logger.Infof("config: reloaded tuning from %s", w.path)
			w.onReload(cfg)
		}
	}
}

func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		close(w.done)
		w.done = nil
	}
	if w.watcher != nil {
		w.watcher.Close()
		w.watcher = nil
	}
}
