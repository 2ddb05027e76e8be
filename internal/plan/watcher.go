package plan

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"deskpilot/internal/logging"
)

// PolicyWatcher reloads the criticality policy when its file changes,
// so an operator can tighten the verb table without restarting.
type PolicyWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	policy      *Policy
	path        string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	reloads     int
}

// NewPolicyWatcher creates a watcher for the policy file at path.
func NewPolicyWatcher(path string, policy *Policy) (*PolicyWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &PolicyWatcher{
		watcher:     watcher,
		policy:      policy,
		path:        path,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond, // editors fire several events per save
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the watcher runs in its own
// goroutine until Stop or context cancellation.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory: editors replace files on save, which drops
	// a watch placed on the file itself.
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		logging.Get(logging.CategoryPlan).Warnw("policy watch failed", "dir", dir, "error", err)
	} else {
		logging.Get(logging.CategoryPlan).Infow("watching policy file", "path", w.path)
	}

	go w.run(ctx)
	return nil
}

// Stop shuts the watcher down and waits for the goroutine to exit.
func (w *PolicyWatcher) Stop() {
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
		logging.Get(logging.CategoryPlan).Errorw("error closing policy watcher", "error", err)
	}
}

// Reloads reports how many successful reloads have happened.
func (w *PolicyWatcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *PolicyWatcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	log := logging.Get(logging.CategoryPlan)
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
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorw("policy watcher error", "error", err)
		case <-ticker.C:
			w.processDebounced()
		}
	}
}

func (w *PolicyWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	w.mu.Lock()
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

func (w *PolicyWatcher) processDebounced() {
	w.mu.Lock()
	now := time.Now()
	settled := false
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			delete(w.debounceMap, path)
			settled = true
		}
	}
	w.mu.Unlock()

	if !settled {
		return
	}
	if err := w.policy.Reload(w.path); err != nil {
		// Keep the previous table on a bad edit.
		logging.Get(logging.CategoryPlan).Warnw("policy reload failed, keeping previous table", "error", err)
		return
	}
	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
}
