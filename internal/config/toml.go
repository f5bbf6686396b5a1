package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"corefabric/internal/logging"
)

// LoadTOML reads the human-facing TOML config file at path, starting from
// DefaultConfig so unspecified fields keep their defaults.
func LoadTOML(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return cfg, nil
}

// WriteTOML renders cfg to path for operator inspection or first-run
// bootstrap.
func WriteTOML(path string, cfg *Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode config file %s: %w", path, err)
	}
	return nil
}

// Watcher reloads a TOML config file when it changes on disk and invokes
// onReload with the newly parsed Config. A malformed file on reload is
// logged and ignored; the previously loaded Config stays in effect.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	onReload func(*Config)
}

// NewWatcher starts watching the file at path for changes. onReload is
// called once synchronously with the initial parse, then again on every
// subsequent write.
func NewWatcher(path string, logger *slog.Logger, onReload func(*Config)) (*Watcher, error) {
	logger = logging.Default(logger).With("component", "config.watcher")

	cfg, err := LoadTOML(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config file %s: %w", path, err)
	}

	w := &Watcher{path: path, watcher: fw, logger: logger, onReload: onReload}
	onReload(cfg)
	return w, nil
}

// Run blocks, reloading on every write/create event until ctx is
// cancelled or the underlying watcher's channel closes.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadTOML(w.path)
			if err != nil {
				w.logger.Warn("config reload failed, keeping previous config", "error", err)
				continue
			}
			w.logger.Info("config reloaded")
			w.onReload(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}
