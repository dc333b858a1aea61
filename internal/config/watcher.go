package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Change is passed to the [Watcher] callback after a valid edit.
type Change struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher reloads a config file when its content changes. Invalid edits are
// logged and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	lookuper envconfig.Lookuper
	onChange func(Change)

	// reloadMu serialises reloads so callbacks never overlap.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	hash    [sha256.Size]byte
	mtime   time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval used by [Watcher.Run]. The default
// is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookuper replaces the process environment as the source of overrides.
func WithLookuper(l envconfig.Lookuper) WatcherOption {
	return func(w *Watcher) { w.lookuper = l }
}

// NewWatcher loads path and returns a Watcher for it. onChange may be nil.
// Nothing is polled until [Watcher.Run].
func NewWatcher(path string, onChange func(Change), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		lookuper: envconfig.OsLookuper(),
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read(context.Background())
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.hash, w.mtime = snap.cfg, snap.hash, snap.mtime
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx ends and returns ctx.Err().
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.mu.Lock()
			mtime := w.mtime
			w.mu.Unlock()
			info, err := os.Stat(w.path)
			if err != nil {
				slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
				continue
			}
			if info.ModTime().Equal(mtime) {
				continue
			}
			if _, err := w.Reload(ctx); err != nil {
				slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// Reload reads the file now, regardless of its modification time. It reports
// whether the content changed; the callback runs before Reload returns.
func (w *Watcher) Reload(ctx context.Context) (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	snap, err := w.read(ctx)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	w.mtime = snap.mtime
	if snap.hash == w.hash {
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.hash = snap.cfg, snap.hash
	w.mu.Unlock()

	change := Change{Old: old, New: snap.cfg, Diff: Diff(old, snap.cfg)}
	slog.Info("config watcher: configuration reloaded", "path", w.path,
		"policy_changed", change.Diff.PolicyChanged, "restart_required", change.Diff.RestartRequired)
	if w.onChange != nil {
		w.onChange(change)
	}
	return true, nil
}

type snapshot struct {
	cfg   *Config
	hash  [sha256.Size]byte
	mtime time.Time
}

// read parses, overrides and validates the file.
func (w *Watcher) read(ctx context.Context) (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	if err := ApplyEnv(ctx, cfg, w.lookuper); err != nil {
		return snapshot{}, err
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, hash: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
