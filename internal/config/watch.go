package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces rapid successive file-system events (e.g. an
// editor's write-temp-then-rename sequence) into a single reload.
const debounceWindow = 500 * time.Millisecond

// Holder holds a Config with atomic hot-reload support: readers call
// Current() without blocking a concurrent reload, and the reload itself is
// all-or-nothing (a config that fails validation never replaces the live
// snapshot).
type Holder struct {
	path     string
	current  atomic.Pointer[Config]
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	onChange []func(Config)
	mu       sync.Mutex
}

// NewHolder loads path once and returns a Holder seeded with the result.
func NewHolder(path string, logger *slog.Logger) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	h := &Holder{path: path, logger: logger}
	h.current.Store(&cfg)
	return h, nil
}

// Current returns the live configuration snapshot.
func (h *Holder) Current() Config {
	return *h.current.Load()
}

// OnChange registers a callback invoked (synchronously, from the watcher
// goroutine) after every successful reload.
func (h *Holder) OnChange(fn func(Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// Reload re-reads the config file and swaps the snapshot on success.
func (h *Holder) Reload() error {
	cfg, err := Load(h.path)
	if err != nil {
		h.logger.Error("config reload failed", "path", h.path, "error", err)
		return err
	}
	h.current.Store(&cfg)
	h.logger.Info("config reloaded", "path", h.path)

	h.mu.Lock()
	callbacks := append([]func(Config){}, h.onChange...)
	h.mu.Unlock()
	for _, cb := range callbacks {
		cb(cfg)
	}
	return nil
}

// Watch starts an fsnotify watcher on the config file's directory (so
// atomic-replace writes from editors are caught) and debounces bursts of
// events into a single Reload call. It is a no-op when path is empty. The
// watcher stops when ctx is cancelled.
func (h *Holder) Watch(ctx context.Context) error {
	if h.path == "" {
		h.logger.Info("config watcher disabled: no config path set")
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	h.watcher = watcher

	dir := filepath.Dir(h.path)
	base := filepath.Base(h.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go h.watchLoop(ctx, base)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context, configFile string) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
		_ = h.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != configFile {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, func() {
				if err := h.Reload(); err != nil {
					h.logger.Error("automatic config reload failed", "error", err)
				}
			})
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error("config watcher error", "error", err)
		}
	}
}
