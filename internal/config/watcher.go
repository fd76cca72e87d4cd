package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher keeps a config file under observation and invokes a callback when
// its content changes. Detection is by polling rather than inotify so the
// behaviour is the same on every platform and on network filesystems. A
// reloaded config applies to the next session, never mid-flight.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config
	seen    fileState

	done     chan struct{}
	stopOnce sync.Once
}

// fileState is the fingerprint used for change detection: mtime as the cheap
// first-pass filter, content hash as the authority.
type fileState struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

// WatcherOption adjusts a [Watcher] at construction time.
type WatcherOption func(*Watcher)

// WithInterval overrides the 5-second default polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher creates a config file watcher. The initial load is synchronous
// so callers start from a known-valid config; polling then continues in a
// background goroutine until [Watcher.Stop].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, state, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.seen = state

	go w.pollLoop()
	return w, nil
}

// Current returns the latest config that parsed and validated cleanly.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) pollLoop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if old, next, changed := w.reload(); changed {
				slog.Info("configuration reloaded", "path", w.path)
				if w.onChange != nil {
					// Outside the lock so the callback can call Current().
					w.onChange(old, next)
				}
			}
		}
	}
}

// reload swaps in a freshly parsed config when the file content changed.
// Invalid content is logged and skipped; the previous config stays active.
func (w *Watcher) reload() (old, next *Config, changed bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: stat failed", "path", w.path, "err", err)
		return nil, nil, false
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return nil, nil, false
	}

	cfg, state, err := w.load()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return nil, nil, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if state.hash == w.seen.hash {
		// Touched but identical; just remember the new mtime.
		w.seen.mtime = state.mtime
		return nil, nil, false
	}

	old = w.current
	w.current = cfg
	w.seen = state
	return old, cfg, true
}

// load reads, parses, and validates the file, returning the config with the
// fingerprint it was read at.
func (w *Watcher) load() (*Config, fileState, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), hash: sha256.Sum256(data)}, nil
}
