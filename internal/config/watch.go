package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentworkforce/slotsync/internal/slotsync"
	"github.com/fsnotify/fsnotify"
)

// Watcher holds the current configuration and swaps it when the file
// changes on disk. It serves webhook secrets to the gateway, so a rotated
// secret takes effect without a restart.
type Watcher struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	cfg      *Config
	onReload []func(prev, next *Config)
}

var _ slotsync.SecretSource = (*Watcher)(nil)

func NewWatcher(path string, cfg *Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Watcher{path: path, cfg: cfg, logger: logger}
}

func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

func (w *Watcher) WebhookSecrets(provider slotsync.Provider) []string {
	return w.Config().Secrets(provider)
}

// OnReload registers fn to run after every successful reload.
func (w *Watcher) OnReload(fn func(prev, next *Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, fn)
}

// Reload re-reads the file. On any error the previous configuration stays.
func (w *Watcher) Reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	next, err := Parse(data)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	w.mu.Lock()
	prev := w.cfg
	w.cfg = next
	hooks := append([]func(prev, next *Config){}, w.onReload...)
	w.mu.Unlock()

	for _, fn := range hooks {
		fn(prev, next)
	}
	return nil
}

// Run watches the config directory until ctx is done. The directory is
// watched rather than the file so editors that replace the file by rename
// are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	name := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := w.Reload(); err != nil {
				w.logger.Warn("config reload failed", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("config reloaded", "path", w.path)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "path", w.path, "error", err)
		}
	}
}
