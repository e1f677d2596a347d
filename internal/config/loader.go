package config

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Loader loads configuration from file + environment and can watch the file
// for edits so the process picks up provider rate/cost table changes without
// a restart.
type Loader struct {
	path   string
	logger *slog.Logger
}

// NewLoader creates a configuration loader for the YAML file at path.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{path: path, logger: logger}
}

// Load reads the config file (if present), applies environment overrides, and
// validates the result.
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	if l.path != "" {
		fileConfig, err := LoadFromFile(l.path)
		if err == nil {
			config.Merge(fileConfig)
		} else {
			l.logger.Debug("no config file loaded, using defaults", "path", l.path, "error", err)
		}
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// watchDebounce is how long to wait for more filesystem events before reloading.
const watchDebounce = 500 * time.Millisecond

// Watch reloads the config file on change and invokes onReload with the new
// config. Reload errors are logged and do not stop the watch. The returned
// stop function closes the underlying fsnotify watcher.
func (l *Loader) Watch(onReload func(*Config)) (stop func(), err error) {
	if l.path == "" {
		return func() {}, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, err
	}

	var mu sync.Mutex
	var timer *time.Timer

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, func() {
					cfg, err := l.Load()
					if err != nil {
						l.logger.Warn("config reload failed", "path", l.path, "error", err)
						return
					}
					l.logger.Info("config reloaded", "path", l.path)
					onReload(cfg)
				})
				mu.Unlock()
			case watchErr, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("config watcher error", "error", watchErr)
			}
		}
	}()

	return func() { w.Close() }, nil
}
