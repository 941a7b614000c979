package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/artpar/apimeter/adapters/metrics"
)

// watchDebounce coalesces the bursts of write events editors emit on save.
const watchDebounce = 100 * time.Millisecond

// Holder serves the current configuration and swaps it on reload. Only the
// fields listed by ReloadableFields take effect without a restart;
// listeners receive the whole new config and apply what they can.
type Holder struct {
	mu        sync.RWMutex
	config    *Config
	listeners []func(*Config)
	metrics   *metrics.Collector

	path    string
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHolder loads path and returns a holder for it.
func NewHolder(path string, logger zerolog.Logger) (*Holder, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	cfg, err := Load(absPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &Holder{
		config: cfg,
		path:   absPath,
		logger: logger.With().Str("component", "config").Logger(),
		stopCh: make(chan struct{}),
	}, nil
}

// SetMetrics enables reload counters.
func (h *Holder) SetMetrics(m *metrics.Collector) {
	h.mu.Lock()
	h.metrics = m
	h.mu.Unlock()
}

// Get returns the current configuration. Callers must not modify it.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// OnChange registers fn to run after every successful reload.
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// Reload re-reads the file. An unreadable or invalid file leaves the
// current configuration in place and returns the error.
func (h *Holder) Reload() error {
	next, err := Load(h.path)
	if err != nil {
		h.observe(false)
		h.logger.Error().Err(err).Str("path", h.path).Msg("config reload failed, keeping current config")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	prev := h.config
	h.config = next
	listeners := slices.Clone(h.listeners)
	h.mu.Unlock()

	reloaded, restart := Diff(prev, next)
	ev := h.logger.Info().Str("path", h.path)
	if len(reloaded) > 0 {
		ev = ev.Strs("applied", reloaded)
	}
	ev.Msg("configuration reloaded")
	if len(restart) > 0 {
		h.logger.Warn().Strs("fields", restart).Msg("changed fields take effect after a restart")
	}

	for _, fn := range listeners {
		fn(next)
	}
	h.observe(true)
	return nil
}

func (h *Holder) observe(ok bool) {
	h.mu.RLock()
	m := h.metrics
	h.mu.RUnlock()
	if m == nil {
		return
	}
	if !ok {
		m.ConfigReloadErrors.Inc()
		return
	}
	m.ConfigReloads.Inc()
	m.ConfigLastReload.SetToCurrentTime()
}

// WatchFile reloads whenever the config file is written or replaced. The
// parent directory is watched so atomic renames are seen.
func (h *Holder) WatchFile() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	h.watcher = watcher

	go h.watchLoop()
	h.logger.Info().Str("path", h.path).Msg("watching config file")
	return nil
}

// WatchSignals reloads on SIGHUP until Stop.
func (h *Holder) WatchSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-sigCh:
				h.logger.Info().Msg("SIGHUP received")
				_ = h.Reload()
			case <-h.stopCh:
				return
			}
		}
	}()
}

// Stop ends file and signal watching. It is safe to call more than once.
func (h *Holder) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		if h.watcher != nil {
			h.watcher.Close()
		}
	})
}

func (h *Holder) watchLoop() {
	name := filepath.Base(h.path)

	debounce := time.NewTimer(watchDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			h.logger.Debug().Str("op", event.Op.String()).Msg("config file changed")
			debounce.Reset(watchDebounce)

		case <-debounce.C:
			_ = h.Reload()

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("config watcher error")

		case <-h.stopCh:
			return
		}
	}
}

// Diff lists the fields that changed between prev and next, split into
// those applied at runtime and those that need a restart.
func Diff(prev, next *Config) (reloaded, restart []string) {
	if prev.Logging.Level != next.Logging.Level {
		reloaded = append(reloaded, "logging.level")
	}
	if prev.Jobs.RetryPolicy() != next.Jobs.RetryPolicy() {
		reloaded = append(reloaded, "jobs.retry")
	}

	checks := []struct {
		field   string
		changed bool
	}{
		{"server.addr", prev.Server.Addr() != next.Server.Addr()},
		{"database.dsn", prev.Database.DSN != next.Database.DSN},
		{"redis.addr", prev.Redis.Addr != next.Redis.Addr || prev.Redis.Enabled != next.Redis.Enabled},
		{"payment.provider", prev.Payment.Provider != next.Payment.Provider},
		{"scheduler", prev.Scheduler != next.Scheduler},
		{"jobs.workers", prev.Jobs.Workers != next.Jobs.Workers},
	}
	for _, c := range checks {
		if c.changed {
			restart = append(restart, c.field)
		}
	}
	return reloaded, restart
}
