// Package watch keeps one change watch per watched file, shared by every
// session that asks for it.
//
// Watches are placed on parent directories rather than on the files
// themselves, because editors commonly save by writing a temporary file and
// renaming it over the original, which would orphan a watch on the old inode.
package watch

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/sketchsync/internal/consts"
	"github.com/codefionn/sketchsync/internal/logger"
)

// ErrClosed is returned by Acquire after Close
var ErrClosed = errors.New("watch registry closed")

// Options configures a Registry
type Options struct {
	// Debounce coalesces events on one path. Negative disables debouncing;
	// zero selects the default window.
	Debounce time.Duration
	Logger   *logger.Logger
	OnChange func(path string)
}

// Registry maps each watched path to a reference count
type Registry struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	entries  map[string]int // path -> references
	dirs     map[string]int // dir -> watched paths inside it
	timers   map[string]*time.Timer
	debounce time.Duration
	onChange func(string)
	log      *logger.Logger
	done     chan struct{}
	closed   bool
	once     sync.Once
}

// NewRegistry creates the underlying watcher and starts the event loop
func NewRegistry(opts Options) (*Registry, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	debounce := opts.Debounce
	if debounce == 0 {
		debounce = consts.DefaultDebounce
	}
	if debounce < 0 {
		debounce = 0
	}

	r := &Registry{
		watcher:  watcher,
		entries:  make(map[string]int),
		dirs:     make(map[string]int),
		timers:   make(map[string]*time.Timer),
		debounce: debounce,
		onChange: opts.OnChange,
		log:      logger.OrGlobal(opts.Logger).WithPrefix("watch"),
		done:     make(chan struct{}),
	}

	go r.eventLoop()
	return r, nil
}

// Ignored reports whether events for path are never delivered. Editor swap,
// backup and temporary files match.
func Ignored(path string) bool {
	if strings.Contains(path, "~") {
		return true
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tmp", ".swp", ".swx":
		return true
	}
	return false
}

// Normalize returns the key a path is registered under
func Normalize(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// Acquire adds a reference to path, watching it on the first reference
func (r *Registry) Acquire(path string) error {
	key := Normalize(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	if r.entries[key] > 0 {
		r.entries[key]++
		return nil
	}

	dir := filepath.Dir(key)
	if r.dirs[dir] == 0 {
		if err := r.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		r.log.Debug("Watching directory %s", dir)
	}
	r.dirs[dir]++
	r.entries[key] = 1
	r.log.Info("Watching file %s", key)
	return nil
}

// Release drops a reference to path. The watch is removed with the last one.
func (r *Registry) Release(path string) {
	key := Normalize(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	refs, ok := r.entries[key]
	if !ok {
		return
	}
	if refs > 1 {
		r.entries[key] = refs - 1
		return
	}

	delete(r.entries, key)
	r.stopTimerLocked(key)
	r.log.Info("Stopped watching file %s", key)
	r.releaseDirLocked(filepath.Dir(key))
}

func (r *Registry) releaseDirLocked(dir string) {
	r.dirs[dir]--
	if r.dirs[dir] > 0 {
		return
	}
	delete(r.dirs, dir)
	if r.closed {
		return
	}
	// The directory may already be gone, which removes the watch on its own.
	if err := r.watcher.Remove(dir); err != nil {
		r.log.Debug("Removing watch on %s: %v", dir, err)
	}
}

// Refs returns the reference count of path
func (r *Registry) Refs(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[Normalize(path)]
}

// Paths returns the watched paths, sorted
func (r *Registry) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	paths := make([]string, 0, len(r.entries))
	for p := range r.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Len returns the number of watched paths
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Clear drops every entry and directory watch. The registry stays usable.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.timers {
		r.stopTimerLocked(key)
	}
	for dir := range r.dirs {
		if !r.closed {
			_ = r.watcher.Remove(dir)
		}
	}
	r.entries = make(map[string]int)
	r.dirs = make(map[string]int)
	r.log.Info("Cleared all watched files")
}

// Close stops the event loop and releases the watcher. Pending debounced
// callbacks are cancelled.
func (r *Registry) Close() error {
	var err error
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		for key := range r.timers {
			r.stopTimerLocked(key)
		}
		r.entries = make(map[string]int)
		r.dirs = make(map[string]int)
		r.mu.Unlock()

		close(r.done)
		err = r.watcher.Close()
	})
	return err
}

func (r *Registry) stopTimerLocked(key string) {
	if t, ok := r.timers[key]; ok {
		t.Stop()
		delete(r.timers, key)
	}
}

// eventLoop turns directory events into per-file change callbacks
func (r *Registry) eventLoop() {
	for {
		select {
		case <-r.done:
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) == 0 {
				continue
			}
			if Ignored(event.Name) {
				continue
			}
			r.schedule(filepath.Clean(event.Name))

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Error("Watcher error: %v", err)
		}
	}
}

// schedule fires the callback for a registered path once the debounce window
// has passed without another event on it.
func (r *Registry) schedule(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.entries[path] == 0 || r.onChange == nil {
		return
	}

	if r.debounce == 0 {
		go r.fire(path)
		return
	}

	if prev, ok := r.timers[path]; ok {
		prev.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(r.debounce, func() {
		r.mu.Lock()
		current := r.timers[path] == t
		if current {
			delete(r.timers, path)
		}
		live := current && !r.closed && r.entries[path] > 0
		r.mu.Unlock()

		if live {
			r.fire(path)
		}
	})
	r.timers[path] = t
}

func (r *Registry) fire(path string) {
	r.log.Debug("File changed: %s", path)
	r.onChange(path)
}
