package config

import (
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Holder owns the current *Config behind an atomic pointer so that
// in-flight requests keep their original reference across a reload: a
// reader calls Current() once per request and uses that snapshot for the
// whole request lifetime.
type Holder struct {
	path string
	log  *slog.Logger
	cur  atomic.Pointer[Config]

	mu          sync.Mutex
	subscribers []func(*Config)
}

// NewHolder loads path once and returns a Holder wrapping the result.
func NewHolder(path string, log *slog.Logger) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewHolderFrom(path, cfg, log), nil
}

// NewHolderFrom wraps an already-loaded Config (e.g. one with CLI
// overrides applied) in a Holder. Subsequent Reload calls still re-read
// from path, which will drop any override not present in the file —
// matching the precedence rule that CLI args win only until the next
// reload.
func NewHolderFrom(path string, cfg *Config, log *slog.Logger) *Holder {
	h := &Holder{path: path, log: log}
	h.cur.Store(cfg)
	return h
}

// Current returns the configuration in effect right now. Callers should
// call this once at the start of a request and hold onto the result.
func (h *Holder) Current() *Config {
	return h.cur.Load()
}

// OnReload registers fn to be called, synchronously and in registration
// order, every time Reload swaps in a new Config. This is how components
// built from a Config (the engine's upstream pool, admission gates, and
// timeout policy) learn that a reload happened and get a chance to rebuild
// themselves — Holder itself only owns the Config value, not anything
// derived from it.
func (h *Holder) OnReload(fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers = append(h.subscribers, fn)
}

// Reload re-reads the config file and atomically swaps it in on success,
// then calls every subscriber registered via OnReload with the new Config.
// On any I/O, parse, or validation error the previous configuration is
// retained, no subscriber is called, and the error is logged.
func (h *Holder) Reload() {
	cfg, err := Load(h.path)
	if err != nil {
		h.log.Error("config reload failed, keeping previous configuration", "path", h.path, "error", err)
		return
	}
	h.cur.Store(cfg)
	h.log.Info("config reloaded", "path", h.path, "listen", cfg.Listen, "upstreams", len(cfg.Upstreams))

	h.mu.Lock()
	subs := append([]func(*Config){}, h.subscribers...)
	h.mu.Unlock()
	for _, fn := range subs {
		fn(cfg)
	}
}

// WatchSIGHUP installs a signal handler that calls Reload on SIGHUP, per
// spec.md §6. It runs until stop is closed.
func (h *Holder) WatchSIGHUP(stop <-chan struct{}) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP)
	go func() {
		defer signal.Stop(sigs)
		for {
			select {
			case <-sigs:
				h.Reload()
			case <-stop:
				return
			}
		}
	}()
}

// WatchFile is a supplemental reload trigger: it watches the config
// file's directory with fsnotify and calls Reload on a Write or Create
// event naming the config file, debounced by 250ms so a burst of events
// from one editor save triggers a single reload. This is additive to
// WatchSIGHUP, not a replacement — useful in containers without a shared
// PID namespace where `kill -HUP` is awkward.
func (h *Holder) WatchFile(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(h.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var pending *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(h.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(250*time.Millisecond, h.Reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				h.log.Warn("config file watcher error", "error", err)
			case <-stop:
				if pending != nil {
					pending.Stop()
				}
				return
			}
		}
	}()
	return nil
}
