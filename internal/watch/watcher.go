// Package watch provides a recursive, debounced filesystem watcher over the
// two framework roots, coalescing bursts of writes into single change
// events.
package watch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bifrost-sync/bifrost/internal/change"
)

// Defaults per the file watcher contract.
const (
	DefaultDebounce = 100 * time.Millisecond
	DefaultStability = 50 * time.Millisecond
)

// Options configures a Watcher.
type Options struct {
	RootA, RootB   string
	IgnorePatterns []string
	Debounce       time.Duration
	Stability      time.Duration
}

var defaultIgnore = []string{".git", "node_modules", "dist", "build", ".ir"}

// Watcher watches RootA and RootB for file changes and emits coalesced
// change.FileEvent values. Errors are surfaced on a dedicated channel and
// never stop the watcher.
type Watcher struct {
	opts Options
	fsw  *fsnotify.Watcher

	events chan change.FileEvent
	errc   chan error
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]*pendingEntry
	closed  bool
}

type pendingEntry struct {
	kind      change.Kind
	framework change.Framework
	firstSeen time.Time
	timer     *time.Timer
}

// New creates a Watcher. Call Run to start it.
func New(opts Options) (*Watcher, error) {
	if opts.Debounce == 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Stability == 0 {
		opts.Stability = DefaultStability
	}
	opts.IgnorePatterns = append(append([]string{}, defaultIgnore...), opts.IgnorePatterns...)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: new fsnotify watcher: %w", err)
	}

	w := &Watcher{
		opts:    opts,
		fsw:     fsw,
		events:  make(chan change.FileEvent, 64),
		errc:    make(chan error, 8),
		done:    make(chan struct{}),
		pending: make(map[string]*pendingEntry),
	}
	return w, nil
}

// Events returns the channel on which coalesced file change events are
// delivered.
func (w *Watcher) Events() <-chan change.FileEvent { return w.events }

// Errors returns the channel on which watcher errors are delivered. Reading
// it is optional; errors are dropped if the channel is full.
func (w *Watcher) Errors() <-chan error { return w.errc }

// Run walks both roots, adds them (and subdirectories) to the underlying
// fsnotify watcher, and processes events until Stop is called.
func (w *Watcher) Run() error {
	for _, root := range []struct {
		path string
		fw   change.Framework
	}{{w.opts.RootA, change.FrameworkA}, {w.opts.RootB, change.FrameworkB}} {
		if root.path == "" {
			continue
		}
		if err := w.addTree(root.path); err != nil {
			return fmt.Errorf("watch: add root %s: %w", root.path, err)
		}
	}

	go w.loop()
	return nil
}

// Stop closes the watcher and releases its resources. Safe to call once.
func (w *Watcher) Stop() {
	close(w.done)
	_ = w.fsw.Close()

	w.mu.Lock()
	w.closed = true
	for _, entry := range w.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	w.pending = make(map[string]*pendingEntry)
	w.mu.Unlock()

	close(w.events)
	close(w.errc)
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if w.ignored(path) {
				return filepath.SkipDir
			}
			if addErr := w.fsw.Add(path); addErr != nil {
				return nil
			}
		}
		return nil
	})
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	for _, pat := range w.opts.IgnorePatterns {
		if base == pat {
			return true
		}
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) frameworkFor(path string) (change.Framework, bool) {
	if w.opts.RootA != "" && strings.HasPrefix(path, w.opts.RootA) {
		return change.FrameworkA, true
	}
	if w.opts.RootB != "" && strings.HasPrefix(path, w.opts.RootB) {
		return change.FrameworkB, true
	}
	return "", false
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFsEvent(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errc <- err:
			default:
			}
		}
	}
}

func (w *Watcher) handleFsEvent(ev fsnotify.Event) {
	if w.ignored(ev.Name) {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.addTree(ev.Name)
			return
		}
	}

	fw, ok := w.frameworkFor(ev.Name)
	if !ok {
		return
	}

	var kind change.Kind
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		kind = change.Removed
	case ev.Has(fsnotify.Create):
		kind = change.Added
	case ev.Has(fsnotify.Write):
		kind = change.Modified
	default:
		return
	}

	w.schedule(ev.Name, fw, kind)
}

func combineKind(old, next change.Kind) change.Kind {
	switch {
	case next == change.Removed || old == change.Removed:
		return change.Removed
	case old == change.Added && next == change.Modified:
		return change.Modified
	default:
		return next
	}
}

func (w *Watcher) schedule(path string, fw change.Framework, kind change.Kind) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	entry, exists := w.pending[path]
	now := time.Now()
	if !exists {
		entry = &pendingEntry{kind: kind, framework: fw, firstSeen: now}
		w.pending[path] = entry
	} else {
		entry.kind = combineKind(entry.kind, kind)
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}

	entry.timer = time.AfterFunc(w.opts.Stability, func() { w.maybeEmit(path) })
}

func (w *Watcher) maybeEmit(path string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	entry, ok := w.pending[path]
	if !ok {
		w.mu.Unlock()
		return
	}

	if time.Since(entry.firstSeen) < w.opts.Debounce {
		remaining := w.opts.Debounce - time.Since(entry.firstSeen)
		entry.timer = time.AfterFunc(remaining, func() { w.maybeEmit(path) })
		w.mu.Unlock()
		return
	}

	delete(w.pending, path)
	ev := change.FileEvent{Kind: entry.kind, Path: path, Framework: entry.framework, ObservedAt: time.Now()}
	w.mu.Unlock()

	select {
	case w.events <- ev:
	case <-w.done:
	}
}
