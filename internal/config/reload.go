package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dskow/intel-stream/internal/metrics"
)

// Reloader keeps the active configuration and swaps in a new one when the
// file changes or, on Unix, when the process receives SIGHUP
// (reload_unix.go). A file that fails to load or validate leaves the
// current configuration in place.
type Reloader struct {
	mu        sync.RWMutex
	current   *Config
	path      string
	logger    *slog.Logger
	callbacks []func(*Config)

	// reloadMu serializes Reload so a debounced file event and a SIGHUP
	// cannot run callbacks concurrently or out of order.
	reloadMu sync.Mutex

	watcher  *fsnotify.Watcher
	debounce time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// DefaultDebounce collapses the burst of events editors emit on save.
const DefaultDebounce = 300 * time.Millisecond

// NewReloader creates a Reloader for the config file at path.
func NewReloader(path string, initial *Config, logger *slog.Logger) *Reloader {
	return &Reloader{
		current:  initial,
		path:     path,
		logger:   logger,
		debounce: DefaultDebounce,
		stopCh:   make(chan struct{}),
	}
}

// Current returns the active configuration.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload registers fn to run with each successfully loaded config.
// Callbacks run in registration order on the reloading goroutine.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start watches the config file and registers the SIGHUP handler. A watcher
// failure is logged; SIGHUP reloads still work.
func (r *Reloader) Start() {
	r.watchSignals()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Error("failed to create file watcher", "error", err)
		return
	}
	// Watch the directory, not the file: editors and config management
	// replace the file by rename, which drops a watch on the old inode.
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		r.logger.Error("failed to watch config directory", "dir", dir, "error", err)
		watcher.Close()
		return
	}
	r.watcher = watcher
	r.logger.Info("config file watcher started", "path", r.path)
	go r.watchLoop(watcher)
}

// Stop terminates the file watcher and signal handler. Safe to call more
// than once.
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

// Reload loads and validates the file and, if it is valid, swaps it in and
// runs the callbacks. It reports whether the new config was applied.
func (r *Reloader) Reload() bool {
	return r.reload("manual")
}

func (r *Reloader) reload(trigger string) bool {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	newCfg, err := Load(r.path)
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("failure").Inc()
		r.logger.Error("config reload failed, keeping current", "path", r.path, "trigger", trigger, "error", err)
		return false
	}

	r.mu.Lock()
	old := r.current
	r.current = newCfg
	callbacks := append([]func(*Config){}, r.callbacks...)
	r.mu.Unlock()

	if old != nil {
		r.logChanges(old, newCfg)
	}
	for _, cb := range callbacks {
		cb(newCfg)
	}

	metrics.ConfigReloads.WithLabelValues("success").Inc()
	r.logger.Info("configuration reloaded", "path", r.path, "trigger", trigger, "feeds", len(newCfg.Feeds))
	return true
}

// watchLoop reloads after events on the config file settle for the
// debounce interval. Events for sibling files are ignored.
func (r *Reloader) watchLoop(w *fsnotify.Watcher) {
	target := filepath.Clean(r.path)
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(r.debounce, func() {
				select {
				case <-r.stopCh:
				default:
					r.reload("file")
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.logger.Error("file watcher error", "error", err)
		case <-r.stopCh:
			return
		}
	}
}

// logChanges logs a summary of what changed between the old and new config.
func (r *Reloader) logChanges(old, new *Config) {
	if old.Client.CampaignMode != new.Client.CampaignMode {
		r.logger.Info("campaign mode changed",
			"old", old.Client.CampaignMode,
			"new", new.Client.CampaignMode,
			"max_attempts", new.Client.EffectiveMaxAttempts(),
			"max_delay", new.Client.EffectiveMaxDelay(),
		)
	}

	if old.Client.BaseDelay != new.Client.BaseDelay ||
		old.Client.MaxDelay != new.Client.MaxDelay ||
		old.Client.MaxReconnectAttempts != new.Client.MaxReconnectAttempts {
		r.logger.Info("reconnect config changed",
			"old_base_delay", old.Client.BaseDelay,
			"new_base_delay", new.Client.BaseDelay,
			"old_max_delay", old.Client.MaxDelay,
			"new_max_delay", new.Client.MaxDelay,
			"old_max_attempts", old.Client.MaxReconnectAttempts,
			"new_max_attempts", new.Client.MaxReconnectAttempts,
		)
	}

	if old.Breaker != new.Breaker {
		r.logger.Info("breaker config changed",
			"old_failure_threshold", old.Breaker.FailureThreshold,
			"new_failure_threshold", new.Breaker.FailureThreshold,
			"old_cooldown", old.Breaker.Cooldown,
			"new_cooldown", new.Breaker.Cooldown,
		)
	}

	if !sameFeeds(old.Feeds, new.Feeds) {
		r.logger.Warn("feed list changed; restart required for feed changes to take effect",
			"old", len(old.Feeds),
			"new", len(new.Feeds),
		)
	}

	for _, w := range new.Warnings {
		r.logger.Warn("config warning", "warning", w)
	}
}

func sameFeeds(a, b []FeedConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
