package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// WatcherConfig configures manifest hot reload.
type WatcherConfig struct {
	// Path is the manifest file to watch.
	Path string

	// Debounce is how long the file must sit unchanged before a
	// reload is attempted. Editors and atomic-rename writers produce
	// bursts of events; the debounce collapses each burst into one
	// reload.
	Debounce time.Duration

	// Apply receives every successfully loaded manifest, including
	// the initial load during Start.
	Apply func(*Manifest)

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Watcher reloads the manifest when the file changes. A reload that
// fails validation is logged and dropped; the previous allow list
// stays in force.
type Watcher struct {
	path     string
	debounce time.Duration
	apply    func(*Manifest)
	logger   *slog.Logger

	fsWatcher *fsnotify.Watcher

	mu      sync.Mutex
	dirtyAt time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher creates a watcher. Start performs the initial load.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("manifest: watcher requires a path")
	}
	if cfg.Apply == nil {
		return nil, fmt.Errorf("manifest: watcher requires an apply callback")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("manifest: create watcher: %w", err)
	}
	return &Watcher{
		path:      cfg.Path,
		debounce:  cfg.Debounce,
		apply:     cfg.Apply,
		logger:    cfg.Logger,
		fsWatcher: fsWatcher,
		done:      make(chan struct{}),
	}, nil
}

// Start loads the manifest once, applies it, and begins watching the
// file's directory. Watching the directory rather than the file keeps
// reloads working across atomic replace-by-rename.
func (w *Watcher) Start() error {
	absPath, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("manifest: resolve path: %w", err)
	}
	w.path = absPath

	m, err := Load(w.path)
	if err != nil {
		return err
	}
	w.apply(m)

	if err := w.fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("manifest: watch %s: %w", filepath.Dir(w.path), err)
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()

	w.logger.Info("manifest watcher started",
		slog.String("path", w.path),
		slog.Int("paymasters", len(m.Paymasters)))
	return nil
}

// Stop shuts the watcher down and waits for its loops to exit.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	return w.fsWatcher.Close()
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.dirtyAt = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("manifest watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	tick := w.debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case now := <-ticker.C:
			w.mu.Lock()
			pending := !w.dirtyAt.IsZero() && now.Sub(w.dirtyAt) >= w.debounce
			if pending {
				w.dirtyAt = time.Time{}
			}
			w.mu.Unlock()

			if pending {
				w.reload()
			}
		}
	}
}

// reload re-reads the file and applies it if valid. A missing file is
// treated like an invalid one: the current allow list stays in force
// until a valid manifest appears.
func (w *Watcher) reload() {
	m, err := Load(w.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("manifest removed, keeping current allow list",
				slog.String("path", w.path))
		} else {
			w.logger.Warn("manifest reload rejected, keeping current allow list",
				slog.String("path", w.path),
				slog.String("error", err.Error()))
		}
		return
	}
	w.apply(m)
	w.logger.Info("manifest reloaded",
		slog.String("path", w.path),
		slog.Int("paymasters", len(m.Paymasters)))
}
