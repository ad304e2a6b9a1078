package policy

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"relay/internal/config"
	"relay/internal/logging"
)

// Watcher watches the config file for policy edits and hot-swaps the
// registry. A malformed edit keeps the previous compiled set; the daemon
// never runs without a valid policy registry.
type Watcher struct {
	mu         sync.Mutex
	watcher    *fsnotify.Watcher
	registry   *Registry
	configPath string
	debounce   time.Duration
	pending    time.Time
	stopCh     chan struct{}
	doneCh     chan struct{}
	running    bool
}

// NewWatcher creates a watcher for the config file feeding the registry.
func NewWatcher(configPath string, registry *Registry) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:    fw,
		registry:   registry,
		configPath: configPath,
		debounce:   500 * time.Millisecond,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory, not the file: editors replace files on save and
	// a file-level watch dies with the inode.
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		logging.PolicyWarn("Policy watcher could not watch %s: %v", dir, err)
	} else {
		logging.Policy("Policy watcher watching %s", dir)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.PolicyWarn("Policy watcher close: %v", err)
	}
	logging.Policy("Policy watcher stopped")
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.PolicyWarn("Policy watcher error: %v", err)

		case <-ticker.C:
			w.mu.Lock()
			due := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
			if due {
				w.pending = time.Time{}
			}
			w.mu.Unlock()
			if due {
				w.reload()
			}
		}
	}
}

// reload re-reads the config file and swaps the registry. Any error keeps
// the previous policy set.
func (w *Watcher) reload() {
	cfg, err := config.Load(w.configPath)
	if err != nil {
		logging.PolicyWarn("Policy reload failed, keeping previous set: %v", err)
		return
	}

	set, err := CompileSet(cfg.Policies)
	if err != nil {
		logging.PolicyWarn("Policy reload failed, keeping previous set: %v", err)
		return
	}

	w.registry.Swap(set)
	logging.Policy("Policies reloaded from %s", w.configPath)
}
