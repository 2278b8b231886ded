// Package watcher reloads the proxy configuration when its file changes on disk.
package watcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/router-for-me/KimiProxyAPI/internal/config"
	log "github.com/sirupsen/logrus"
)

// DefaultDebounce collapses the burst of events editors emit for a single save.
const DefaultDebounce = 150 * time.Millisecond

// Option customises a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period before a reload fires.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithEnvLookup sets the environment lookup applied on top of each reloaded file.
func WithEnvLookup(lookup func(string) (string, bool)) Option {
	return func(w *Watcher) {
		w.lookupEnv = lookup
	}
}

// Watcher observes a single configuration file and hands every valid new
// configuration to its callback.
type Watcher struct {
	path      string
	debounce  time.Duration
	lookupEnv func(string) (string, bool)
	onReload  func(*config.Config)

	mu       sync.Mutex
	timer    *time.Timer
	lastHash [sha256.Size]byte
}

// New creates a watcher for configPath. The file's current content is treated as
// already applied.
func New(configPath string, onReload func(*config.Config), opts ...Option) (*Watcher, error) {
	if onReload == nil {
		return nil, fmt.Errorf("watcher: reload callback is nil")
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("watcher: resolve config path: %w", err)
	}
	w := &Watcher{
		path:      abs,
		debounce:  DefaultDebounce,
		lookupEnv: os.LookupEnv,
		onReload:  onReload,
	}
	for _, opt := range opts {
		opt(w)
	}
	if data, errRead := os.ReadFile(abs); errRead == nil {
		w.lastHash = sha256.Sum256(data)
	}
	return w, nil
}

// Run blocks until ctx is cancelled. The parent directory is watched rather than
// the file so that atomic replace-on-save keeps working.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer func() {
		if errClose := fsw.Close(); errClose != nil {
			log.Errorf("failed to close config watcher: %v", errClose)
		}
	}()

	dir := filepath.Dir(w.path)
	if err = fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	log.Debugf("watching config file %s", w.path)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			log.Debugf("config file event: %s %s", event.Op, event.Name)
			w.schedule()
		case errWatch, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Warnf("config watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.Reload(); err != nil {
			log.Errorf("config reload failed, keeping previous configuration: %v", err)
		}
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Reload reads, overrides and validates the file, then invokes the callback.
// Content identical to the last applied version is skipped.
func (w *Watcher) Reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	unchanged := bytes.Equal(sum[:], w.lastHash[:])
	w.mu.Unlock()
	if unchanged {
		log.Debug("config content unchanged, skipping reload")
		return nil
	}

	cfg, err := config.LoadConfig(w.path)
	if err != nil {
		return err
	}
	config.ApplyEnvOverrides(cfg, w.lookupEnv)
	warnings, err := config.ValidateConfig(cfg)
	if err != nil {
		return err
	}
	for _, warning := range warnings {
		log.Warn(warning)
	}

	w.mu.Lock()
	w.lastHash = sum
	w.mu.Unlock()

	w.onReload(cfg)
	return nil
}
