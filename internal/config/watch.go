package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the subset of configuration that is safe to change at
// runtime (log level, format) whenever the config file changes on disk.
type Watcher struct {
	watcher *fsnotify.Watcher
	onLevel func(LoggingConfig)
}

// WatchFile starts watching path and invokes onChange with the freshly
// parsed LoggingConfig whenever the file is written. Callers should defer
// Close() on the returned Watcher.
func WatchFile(path string, logger *slog.Logger, onChange func(LoggingConfig)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, err
	}

	watcher := &Watcher{watcher: w, onLevel: onChange}

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
				cfg, err := Load(path)
				if err != nil {
					if logger != nil {
						logger.Warn("config: reload failed", "path", path, "error", err)
					}
					continue
				}
				if watcher.onLevel != nil {
					watcher.onLevel(cfg.Logging)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Warn("config: watch error", "error", err)
				}
			}
		}
	}()

	return watcher, nil
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	if w == nil || w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}
