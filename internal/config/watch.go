package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	// Path is the config file to watch.
	Path string

	// Debounce coalesces bursts of writes (editors often write twice).
	Debounce time.Duration

	// OnChange receives every successfully reloaded config.
	OnChange func(*Config)

	Logger *log.Logger
}

// Run watches Path's directory until ctx is done. Reload failures are logged
// and the previous config stays in effect.
func (w *Watcher) Run(ctx context.Context) error {
	logger := w.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[config] ", log.LstdFlags)
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so atomic renames by editors are seen.
	if err := watcher.Add(filepath.Dir(w.Path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.Path), err)
	}
	target := filepath.Clean(w.Path)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Printf("WARNING: config watcher: %v", err)

		case <-timer.C:
			cfg, err := Load(w.Path)
			if err != nil {
				logger.Printf("WARNING: ignoring config change: %v", err)
				continue
			}
			logger.Printf("Reloaded %s", w.Path)
			if w.OnChange != nil {
				w.OnChange(cfg)
			}
		}
	}
}
