package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/peerchat/peerchat/internal/logging"
)

// debounceWindow coalesces the burst of write events most editors produce
// for a single save (temp file + rename) into one reload.
const debounceWindow = 500 * time.Millisecond

// ReloadableFields is the subset of Config the watcher hands to its
// ReloadHandler on a reload, per SPEC_FULL §6.4: log level/format,
// discovery interval, ping interval, and max sessions. Which of them take
// effect is up to the handler; the watcher itself applies none.
type ReloadableFields struct {
	LogLevel          string
	LogFormat         string
	DiscoveryInterval time.Duration
	PingInterval      time.Duration
	MaxSessions       int
}

func reloadable(cfg *Config) ReloadableFields {
	return ReloadableFields{
		LogLevel:          cfg.Log.Level,
		LogFormat:         cfg.Log.Format,
		DiscoveryInterval: cfg.Rendezvous.Discovery,
		PingInterval:      cfg.Session.PingInterval,
		MaxSessions:       cfg.Session.MaxSessions,
	}
}

// ReloadHandler is invoked with the newly reloaded fields whenever the
// watched config file changes and reparses successfully.
type ReloadHandler func(ReloadableFields)

// Watcher watches one config file path and re-runs Load on every write,
// invoking a ReloadHandler with the fields that are safe to change live.
// fsnotify events are debounced on a short timer before acting.
type Watcher struct {
	path    string
	fw      *fsnotify.Watcher
	onLoad  ReloadHandler
	log     *logging.Logger

	mu      sync.Mutex
	pending bool

	stopCh chan struct{}
}

// NewWatcher creates a watcher for path; it does not start watching until
// Start is called.
func NewWatcher(path string, onLoad ReloadHandler) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create fsnotify watcher: %w", err)
	}
	return &Watcher{
		path:   path,
		fw:     fw,
		onLoad: onLoad,
		log:    logging.New("config"),
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins watching the config file's directory (fsnotify watches
// directories more reliably than bind-mounted or symlinked single files
// across editors) and launches the debounce processor.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.fw.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	go w.processEvents()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.fw.Close()
}

func (w *Watcher) processEvents() {
	var debounce *time.Timer
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, w.reload)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warnf("watch error: %v", err)

		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path, nil)
	if err != nil {
		w.log.Warnf("config reload of %s failed, keeping previous config: %v", w.path, err)
		return
	}
	w.log.Infof("reloaded config from %s", w.path)
	if w.onLoad != nil {
		w.onLoad(reloadable(cfg))
	}
}

