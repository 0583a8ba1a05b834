package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/apexphere/synckairos/internal/kairoserr"
)

// ReloadCallback is invoked with the freshly reloaded config after a
// debounced file change; a non-nil return is logged but does not stop
// other callbacks from running.
type ReloadCallback func(*Config) error

// Watcher reloads configuration from its source file on change,
// debouncing rapid successive writes from the same editor/tool.
type Watcher struct {
	configPath string
	watcher    *fsnotify.Watcher
	log        *zap.SugaredLogger

	mu             sync.Mutex
	callbacks      []ReloadCallback
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
}

// NewWatcher begins watching configPath for changes.
func NewWatcher(configPath string, log *zap.SugaredLogger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, kairoserr.Wrap(kairoserr.CodeValidationError, err, "create config watcher")
	}
	if err := fw.Add(configPath); err != nil {
		fw.Close()
		return nil, kairoserr.Wrapf(kairoserr.CodeValidationError, err, "watch config file %s", configPath)
	}

	return &Watcher{
		configPath:     configPath,
		watcher:        fw,
		log:            log,
		debouncePeriod: 500 * time.Millisecond,
	}, nil
}

// OnReload registers a callback invoked after each debounced reload.
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins the watch loop in its own goroutine.
func (w *Watcher) Start() {
	go w.watchLoop()
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				w.scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.Warnw("config watcher error", "error", err)
			}
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debouncePeriod, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.configPath)
	if err != nil {
		if w.log != nil {
			w.log.Errorw("config reload failed", "path", w.configPath, "error", err)
		}
		return
	}
	if w.log != nil {
		w.log.Infow("config reloaded", "path", w.configPath)
	}

	w.mu.Lock()
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, cb := range callbacks {
		if err := cb(cfg); err != nil && w.log != nil {
			w.log.Warnw("config reload callback error", "error", err)
		}
	}
}
