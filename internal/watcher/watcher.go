// Package watcher reports changes to a set of files with debouncing. It
// watches each file's parent directory so files that do not exist yet, or
// are replaced by an installer, are still seen.
package watcher

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/perch/internal/log"
)

// ErrNothingToWatch is returned by Start when none of the parent
// directories could be watched.
var ErrNothingToWatch = errors.New("no watchable directories")

// Watcher monitors files and sends a notification once changes settle.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	paths     map[string]struct{}
	dirs      []string
	debounce  time.Duration
	onChange  chan struct{}
	done      chan struct{}
}

// Config holds watcher configuration options.
type Config struct {
	Paths       []string
	DebounceDur time.Duration
}

// DefaultConfig returns a one second debounce for paths.
func DefaultConfig(paths ...string) Config {
	return Config{
		Paths:       paths,
		DebounceDur: 1 * time.Second,
	}
}

// New creates a watcher for cfg.Paths.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fsWatcher: fsw,
		paths:     make(map[string]struct{}, len(cfg.Paths)),
		debounce:  cfg.DebounceDur,
		onChange:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	seen := make(map[string]bool)
	for _, p := range cfg.Paths {
		p = filepath.Clean(p)
		w.paths[p] = struct{}{}
		if dir := filepath.Dir(p); !seen[dir] {
			seen[dir] = true
			w.dirs = append(w.dirs, dir)
		}
	}
	return w, nil
}

// Start begins watching. Directories that do not exist are skipped.
// Returns a channel that receives a signal when a watched file changes.
func (w *Watcher) Start() (<-chan struct{}, error) {
	watched := 0
	for _, dir := range w.dirs {
		if err := w.fsWatcher.Add(dir); err != nil {
			log.Debug(log.CatProc, "Skipping unwatchable directory", "dir", dir, "error", err)
			continue
		}
		watched++
	}
	if watched == 0 {
		return nil, ErrNothingToWatch
	}

	go w.loop()

	return w.onChange, nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		var fire <-chan time.Time
		if timer != nil {
			fire = timer.C
		}

		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.isRelevantEvent(event) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			pending = true

		case <-fire:
			if pending {
				select {
				case w.onChange <- struct{}{}:
				default:
				}
				pending = false
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatProc, "File watcher error", "error", err)

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) == 0 {
		return false
	}
	_, ok := w.paths[filepath.Clean(event.Name)]
	return ok
}
