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

// ReloadFunc receives a newly loaded config together with what changed
// relative to the previous one. It runs on the watcher goroutine (or the
// caller of [Watcher.Check]) and must not block for long.
type ReloadFunc func(next *Config, diff ConfigDiff)

// Watcher re-reads the config file when it changes and hands the result to a
// [ReloadFunc]. Change detection is mtime first, then content hash, so
// touch-only updates and atomic rewrites by editors are both handled.
//
// A file that fails to parse or validate is logged and ignored; the last
// valid config stays current. Edits that change nothing [Diff] tracks
// (comments, formatting, key order) update Current without a callback.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc

	// check may run from the poll goroutine and from Check concurrently.
	checkMu sync.Mutex

	mu        sync.Mutex
	current   *Config
	lastMtime time.Time
	lastHash  [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and starts polling it. onReload may be
// nil when only [Watcher.Current] is needed.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.lastHash, w.lastMtime = snap.cfg, snap.hash, snap.mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check re-reads the file now instead of waiting for the next poll (used on
// SIGHUP). It reports whether a reload with relevant changes was delivered.
func (w *Watcher) Check() bool {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.lastMtime)
	w.mu.Unlock()
	if unchanged {
		return false
	}

	snap, err := w.read()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return false
	}

	w.mu.Lock()
	w.lastMtime = snap.mtime
	if snap.hash == w.lastHash {
		w.mu.Unlock()
		return false
	}
	prev := w.current
	w.current = snap.cfg
	w.lastHash = snap.hash
	w.mu.Unlock()

	diff := Diff(prev, snap.cfg)
	if !diff.Changed() {
		slog.Debug("config watcher: file rewritten without effective changes", "path", w.path)
		return false
	}

	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level", diff.LogLevelChanged,
		"echo", diff.EchoChanged,
		"voice", diff.VoiceChanged,
		"turn", diff.TurnChanged,
		"restart_required", diff.RestartRequired,
	)
	if w.onReload != nil {
		w.onReload(snap.cfg, diff)
	}
	return true
}

type snapshot struct {
	cfg   *Config
	hash  [sha256.Size]byte
	mtime time.Time
}

// read loads, validates and hashes the file in one pass.
func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, hash: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
