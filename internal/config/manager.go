package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Manager holds the live configuration and hot-reloads provider-level
// settings (validation rules, cacheable paths, timeouts) when the config
// file changes. Server, database and blocking settings require a restart;
// a reload only swaps the provider table.
type Manager struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewManager loads the initial configuration from path.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, path: path}, nil
}

// NewStaticManager wraps an already-built Config; used by tests.
func NewStaticManager(cfg *Config) *Manager {
	return &Manager{cfg: cfg}
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Provider returns the currently active provider.
func (m *Manager) Provider() *ProviderConfig {
	return m.Get().ActiveProvider()
}

// Watch reloads provider settings on config file writes until ctx ends.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace files on save, which drops a
	// watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(m.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, m.reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			}
		}
	}()
	return nil
}

func (m *Manager) reload() {
	fresh, err := Load(m.path)
	if err != nil {
		log.WithError(err).Warn("config reload failed, keeping previous configuration")
		return
	}
	if err := fresh.Validate(); err != nil {
		log.WithError(err).Warn("reloaded config invalid, keeping previous configuration")
		return
	}

	m.mu.Lock()
	// Only provider-level settings take effect live.
	updated := *m.cfg
	updated.Providers = fresh.Providers
	updated.Server.Provider = fresh.Server.Provider
	m.cfg = &updated
	m.mu.Unlock()
	log.Info("provider configuration reloaded")
}
