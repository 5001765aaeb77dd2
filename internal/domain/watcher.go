package domain

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"colloquy/internal/logging"
)

// RulesWatcher watches a raw Datalog rules file and feeds its contents to an
// apply callback on change, so rule updates take effect without a restart.
// A rejected update leaves the previously applied rules in place.
type RulesWatcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	path     string
	apply    func(contents string) error
	debounce time.Duration
	lastSeen time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// NewRulesWatcher creates a watcher for the given .mg file. apply is invoked
// with the full file contents after every settled change.
func NewRulesWatcher(path string, apply func(contents string) error) (*RulesWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &RulesWatcher{
		watcher:  w,
		path:     path,
		apply:    apply,
		debounce: 500 * time.Millisecond, // rapid editor saves collapse into one reload
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the watch loop runs in a goroutine
// until Stop or context cancellation. The file is applied once immediately if
// it exists.
func (rw *RulesWatcher) Start(ctx context.Context) error {
	rw.mu.Lock()
	if rw.running {
		rw.mu.Unlock()
		return nil
	}
	rw.running = true
	rw.mu.Unlock()

	// Watch the directory: editors replace files on save, which drops
	// per-file watches.
	if err := rw.watcher.Add(filepath.Dir(rw.path)); err != nil {
		return err
	}

	if _, err := os.Stat(rw.path); err == nil {
		rw.reload()
	}

	go rw.loop(ctx)
	logging.Domain("RulesWatcher: watching %s", rw.path)
	return nil
}

func (rw *RulesWatcher) loop(ctx context.Context) {
	defer close(rw.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-rw.stopCh:
			return
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(rw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			rw.mu.Lock()
			settled := time.Since(rw.lastSeen) >= rw.debounce
			rw.lastSeen = time.Now()
			rw.mu.Unlock()
			if settled {
				rw.reload()
			}
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryDomain).Warn("RulesWatcher: watch error: %v", err)
		}
	}
}

func (rw *RulesWatcher) reload() {
	data, err := os.ReadFile(rw.path)
	if err != nil {
		logging.Get(logging.CategoryDomain).Warn("RulesWatcher: cannot read %s: %v", rw.path, err)
		return
	}
	contents := strings.TrimSpace(string(data))
	if err := rw.apply(contents); err != nil {
		logging.Get(logging.CategoryDomain).Error("RulesWatcher: update rejected: %v", err)
		return
	}
	logging.Domain("RulesWatcher: applied %d bytes of rules from %s", len(contents), rw.path)
}

// Stop ends the watch loop and releases the underlying watcher.
func (rw *RulesWatcher) Stop() {
	rw.mu.Lock()
	if !rw.running {
		rw.mu.Unlock()
		return
	}
	rw.running = false
	rw.mu.Unlock()

	close(rw.stopCh)
	<-rw.doneCh
	rw.watcher.Close()
}
