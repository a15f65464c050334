package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of fs events an editor or the
// atomic temp-file-plus-rename save produces into one reload.
const reloadDebounce = 200 * time.Millisecond

// Watcher reloads the config file on change and hands valid configs to
// a callback. Invalid intermediate states are logged and skipped; the
// previous config stays in effect.
type Watcher struct {
	path     string
	onChange func(Config)

	fw       *fsnotify.Watcher
	mu       sync.Mutex
	debounce *time.Timer
	done     chan struct{}
	once     sync.Once
}

// Watch begins watching path's directory. The watch survives the
// rename-over that Save performs, which a direct file watch would not.
func Watch(path string, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{path: path, onChange: onChange, fw: fw, done: make(chan struct{})}
	go w.run()
	slog.Debug("[DEBUG-CONFIG] watching config file", "path", path)
	return w, nil
}

// Close stops the watcher. Safe to call repeatedly.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fw.Close()
		w.mu.Lock()
		if w.debounce != nil {
			w.debounce.Stop()
		}
		w.mu.Unlock()
	})
	return err
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("[WARN-CONFIG] config watch error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("[WARN-CONFIG] config reload failed, keeping previous", "path", w.path, "error", err)
		return
	}
	slog.Info("[INFO-CONFIG] config reloaded", "path", w.path)
	w.onChange(cfg)
}
