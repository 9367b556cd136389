package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadCallback receives the previous and the new configuration. Returning
// an error keeps the previous configuration current.
type ReloadCallback func(old, new *Config) error

// ConfigReloader reloads the configuration on SIGHUP and, when a path is
// given, whenever the file changes.
type ConfigReloader struct {
	path    string
	logger  *logrus.Logger
	watcher *fsnotify.Watcher
	signals chan os.Signal

	mu       sync.RWMutex
	current  *Config
	onReload ReloadCallback

	stop     chan struct{}
	stopOnce sync.Once
}

// NewConfigReloader creates a reloader for path starting from cfg.
func NewConfigReloader(path string, cfg *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		current: cfg,
		signals: make(chan os.Signal, 1),
		stop:    make(chan struct{}),
	}
	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create config watcher: %w", err)
		}
		if err := watcher.Add(filepath.Dir(filepath.Clean(path))); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch config directory: %w", err)
		}
		r.watcher = watcher
	}
	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback registers the function applying a new configuration.
func (r *ConfigReloader) SetOnReloadCallback(fn ReloadCallback) {
	r.mu.Lock()
	r.onReload = fn
	r.mu.Unlock()
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := *r.current
	return &cp
}

// Start handles reload triggers until Stop is called.
func (r *ConfigReloader) Start() {
	var events chan fsnotify.Event
	var errors chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errors = r.watcher.Errors
	}
	for {
		select {
		case <-r.stop:
			return
		case <-r.signals:
			r.logger.Info("Received SIGHUP, reloading configuration")
			r.reload()
		case event, ok := <-events:
			if !ok {
				return
			}
			if !r.relevant(event) {
				continue
			}
			r.logger.WithField("file", event.Name).Debug("Configuration file changed")
			r.reload()
		case err, ok := <-errors:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("Config watcher error")
		}
	}
}

func (r *ConfigReloader) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == filepath.Clean(r.path) || filepath.Base(name) == "..data"
}

func (r *ConfigReloader) reload() {
	next, err := LoadConfig(r.path)
	if err != nil {
		r.logger.WithError(err).Error("Failed to reload configuration, keeping current")
		return
	}

	r.mu.RLock()
	old := r.current
	callback := r.onReload
	r.mu.RUnlock()

	if err := r.validateReloadSafety(old, next); err != nil {
		r.logger.WithError(err).Error("Rejected configuration reload")
		return
	}
	if callback != nil {
		if err := callback(old, next); err != nil {
			r.logger.WithError(err).Error("Failed to apply reloaded configuration")
			return
		}
	}

	r.mu.Lock()
	r.current = next
	r.mu.Unlock()
	r.logger.Info("Configuration reloaded")
}

// validateReloadSafety rejects changes that would strand sealed secrets or
// persisted state.
func (r *ConfigReloader) validateReloadSafety(old, new *Config) error {
	oe, ne := old.Encryption, new.Encryption
	switch {
	case oe.KeySource != ne.KeySource:
		return fmt.Errorf("encryption.key_source cannot be changed during hot reload")
	case oe.KeyEnv != ne.KeyEnv:
		return fmt.Errorf("encryption.key_env cannot be changed during hot reload")
	case oe.KeyFile != ne.KeyFile:
		return fmt.Errorf("encryption.key_file cannot be changed during hot reload")
	case !slices.Equal(oe.PreviousKeyFiles, ne.PreviousKeyFiles):
		return fmt.Errorf("encryption.previous_key_files cannot be changed during hot reload")
	case oe.PreferredAlgorithm != ne.PreferredAlgorithm:
		return fmt.Errorf("encryption.preferred_algorithm cannot be changed during hot reload")
	case !slices.Equal(oe.SupportedAlgorithms, ne.SupportedAlgorithms):
		return fmt.Errorf("encryption.supported_algorithms cannot be changed during hot reload")
	case oe.Vault != ne.Vault:
		return fmt.Errorf("encryption.vault cannot be changed during hot reload")
	case oe.S3 != ne.S3:
		return fmt.Errorf("encryption.s3 cannot be changed during hot reload")
	case old.Auth.SigningSecret != new.Auth.SigningSecret:
		return fmt.Errorf("auth.signing_secret cannot be changed during hot reload")
	case old.Storage.Backend != new.Storage.Backend || old.Storage.Redis.Addr != new.Storage.Redis.Addr:
		return fmt.Errorf("storage.backend cannot be changed during hot reload")
	case old.Secrets.Driver != new.Secrets.Driver || old.Secrets.DSN != new.Secrets.DSN:
		return fmt.Errorf("secrets.driver cannot be changed during hot reload")
	}
	if old.ListenAddr != new.ListenAddr {
		r.logger.WithFields(logrus.Fields{
			"old": old.ListenAddr,
			"new": new.ListenAddr,
		}).Warn("listen_addr changes take effect after restart")
	}
	return nil
}

// Stop ends the reload loop.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		signal.Stop(r.signals)
		close(r.stop)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}
