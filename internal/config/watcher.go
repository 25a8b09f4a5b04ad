package config

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// DefaultDebounceDelay coalesces the burst of events an editor save
// produces into one reload.
const DefaultDebounceDelay = 100 * time.Millisecond

// ReloadFunc receives a validated configuration read after the file
// changed. restart lists the changed settings that a running proxy
// cannot apply (see RestartRequired).
type ReloadFunc func(next *Config, restart []string)

// ErrorCallback is called when a reload is rejected or the file system
// watch fails.
type ErrorCallback func(error)

// Watcher reloads the configuration file when it changes.
//
// Each reload is compared with the previously loaded file rather than
// the running configuration, so command line overrides never show up as
// changes.
type Watcher struct {
	path     string
	fs       *fsnotify.Watcher
	onReload ReloadFunc
	onError  ErrorCallback
	logger   observability.Logger
	debounce time.Duration

	mu      sync.RWMutex
	current *Config

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// WatcherOption is a functional option for configuring the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets how long the file must be quiet before a reload.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		if delay > 0 {
			w.debounce = delay
		}
	}
}

// WithLogger sets the logger for the watcher.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets the error callback for the watcher.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *Watcher) {
		w.onError = callback
	}
}

// NewWatcher creates a watcher for the file at path. Nothing is read
// until Start.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     absPath,
		fs:       fs,
		onReload: onReload,
		logger:   observability.NopLogger(),
		debounce: DefaultDebounceDelay,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Start loads the baseline configuration and begins watching. The
// directory is watched, not the file, so atomic replacements are seen.
func (w *Watcher) Start(ctx context.Context) error {
	baseline, err := w.load()
	if err != nil {
		return err
	}
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	started := false
	w.startOnce.Do(func() {
		started = true
		w.setCurrent(baseline)
		go w.run(ctx)
	})
	if !started {
		return errors.New("config watcher already started")
	}

	w.logger.Info("watching configuration file", observability.String("path", w.path))
	return nil
}

// Stop ends the watch and releases the file system watcher. It is safe
// to call more than once, and before Start.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		running := true
		w.startOnce.Do(func() { running = false })
		if running {
			<-w.done
		}
		err = w.fs.Close()
	})
	return err
}

// Current returns the last configuration loaded from the file.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) setCurrent(cfg *Config) {
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.relevant(ev) {
				pending = time.After(w.debounce)
			}
		case <-pending:
			pending = nil
			_ = w.Reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", observability.Error(err))
			w.fail(err)
		}
	}
}

// relevant reports whether ev may have changed the watched file.
// Editors that replace the file atomically produce Create, not Write.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	return filepath.Clean(ev.Name) == w.path && ev.Op.Has(fsnotify.Write|fsnotify.Create)
}

// Reload reads the file now. An invalid file is rejected and the
// previous configuration is kept. Changed settings that need a restart
// are logged by name.
func (w *Watcher) Reload() error {
	next, err := w.load()
	if err != nil {
		w.logger.Error("configuration reload rejected, keeping previous configuration",
			observability.String("path", w.path),
			observability.Error(err),
		)
		w.fail(err)
		return err
	}

	prev := w.Current()
	w.setCurrent(next)

	changed := Changed(prev, next)
	restart := RestartRequired(prev, next)
	if len(restart) > 0 {
		w.logger.Warn("configuration changes ignored until restart",
			observability.Strings("fields", restart),
		)
	}
	w.logger.Info("configuration reloaded",
		observability.String("path", w.path),
		observability.Int("changed", len(changed)),
	)

	if w.onReload != nil {
		w.onReload(next, restart)
	}
	return nil
}

func (w *Watcher) fail(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}

// load reads and validates the watched file.
func (w *Watcher) load() (*Config, error) {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
