package connectivity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Probe periodically sends HEAD to URL. Any HTTP response counts as online;
// only transport failures count as offline.
type Probe struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
	Logger   *log.Logger
}

// Name is the source name the probe reports under.
func (p *Probe) Name() string { return "probe" }

// Check performs one probe.
func (p *Probe) Check(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Run probes immediately and then every Interval until ctx is done.
func (p *Probe) Run(ctx context.Context, m *Monitor) {
	interval := p.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	m.Report(p.Name(), p.Check(ctx))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Report(p.Name(), p.Check(ctx))
		}
	}
}

// FlagFile forces the monitor offline while Path exists. Handy for testing
// offline behaviour on a live machine: touch the file to go offline.
type FlagFile struct {
	Path   string
	Logger *log.Logger
}

// Name is the source name the flag file reports under.
func (f *FlagFile) Name() string { return "flag-file" }

func (f *FlagFile) exists() bool {
	_, err := os.Stat(f.Path)
	return err == nil
}

// Run watches the flag file's directory until ctx is done. The directory
// must exist.
func (f *FlagFile) Run(ctx context.Context, m *Monitor) error {
	logger := f.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}

	dir := filepath.Dir(f.Path)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("flag file directory %s does not exist", dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(f.Path)
	m.Report(f.Name(), !f.exists())

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
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				m.Report(f.Name(), !f.exists())
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Printf("WARNING: flag file watcher: %v", err)
		}
	}
}
