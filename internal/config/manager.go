package config

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager handles configuration loading and hot reload. Readers call Get on
// every use; a reload is an atomic pointer swap, so requests in flight keep
// the config they started with.
type Manager struct {
	config  atomic.Pointer[Config]
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu       sync.Mutex
	onChange []func(*Config)
}

// NewManager loads the initial configuration from path.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{path: path, logger: logger}
	m.config.Store(cfg)
	return m, nil
}

// Get returns the current configuration. Safe for concurrent use.
func (m *Manager) Get() *Config {
	return m.config.Load()
}

// OnChange registers a callback invoked after each successful reload.
// Safe to call at any time, including after Watch has started.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Watch starts watching the configuration file until the context ends.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	// Editors often fire several events per save; debounce them.
	const debounceDelay = 500 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, m.reload)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

func (m *Manager) reload() {
	newCfg, err := LoadFromFile(m.path)
	if err != nil {
		m.logger.Error("failed to reload config, keeping current", "error", err)
		return
	}

	m.config.Store(newCfg)
	m.logger.Info("configuration reloaded")

	m.mu.Lock()
	callbacks := make([]func(*Config), len(m.onChange))
	copy(callbacks, m.onChange)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(newCfg)
	}
}
