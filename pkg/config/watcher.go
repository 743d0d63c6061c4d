package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounceInterval is the default time to wait for debouncing file change events.
const DefaultDebounceInterval = 500 * time.Millisecond

// Watcher watches the gateway configuration file and reports every
// successfully parsed revision.
type Watcher struct {
	configPath string
	watcher    *fsnotify.Watcher
	logger     *zap.Logger
	callbacks  []func(Config)
	mutex      sync.RWMutex

	debounceInterval time.Duration
	debounceTimer    *time.Timer
}

// NewWatcher creates a new file watcher for the given config path.
func NewWatcher(configPath string, logger *zap.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		configPath:       absPath,
		watcher:          watcher,
		logger:           logger.Named("config-watcher").With(zap.String("path", absPath)),
		debounceInterval: DefaultDebounceInterval,
	}, nil
}

// Start begins watching the config file for changes. The directory is
// watched so that atomic replacements are observed.
func (cw *Watcher) Start(ctx context.Context) error {
	if err := cw.watcher.Add(filepath.Dir(cw.configPath)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go cw.watchLoop(ctx)

	return nil
}

// OnChange registers a callback to be called when the config file changes.
func (cw *Watcher) OnChange(callback func(Config)) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()

	cw.callbacks = append(cw.callbacks, callback)
}

// SetDebounceInterval sets the debounce interval for file change events.
func (cw *Watcher) SetDebounceInterval(interval time.Duration) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()

	cw.debounceInterval = interval
}

// Close stops the watcher and releases resources.
func (cw *Watcher) Close() error {
	cw.mutex.Lock()
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
		cw.debounceTimer = nil
	}
	cw.mutex.Unlock()

	if err := cw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	return nil
}

func (cw *Watcher) handleConfigChange() {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()

	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}

	cw.debounceTimer = time.AfterFunc(cw.debounceInterval, cw.reloadConfig)
}

func (cw *Watcher) reloadConfig() {
	cfg, err := LoadAppConfig(cw.configPath)
	if err != nil {
		cw.logger.Warn("ignoring unreadable config revision", zap.Error(err))

		return
	}

	cw.mutex.RLock()
	callbacks := append([]func(Config){}, cw.callbacks...)
	cw.mutex.RUnlock()

	for _, callback := range callbacks {
		callback(cfg.Clone())
	}
}

func (cw *Watcher) watchLoop(ctx context.Context) {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != cw.configPath {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			cw.handleConfigChange()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}

			cw.logger.Warn("error watching config file", zap.Error(err))

		case <-ctx.Done():
			cw.Close() //nolint:errcheck

			return
		}
	}
}
