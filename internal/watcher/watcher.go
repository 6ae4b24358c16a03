// Package watcher turns filesystem notifications under the source directory
// into debounced added/changed/removed events with paths relative to the root.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rjeczalik/notify"
)

const (
	DefaultIgnoreTimeout   = time.Second
	DefaultDebounceTimeout = 50 * time.Millisecond
	defaultCleanupInterval = 15 * time.Second
	eventBufferSize        = 256
	maxIgnored             = 4096 // oldest ignore-once entries drop beyond this
)

var ErrWatcherClosed = errors.New("watcher: closed")

// Kind classifies an Event.
type Kind int

const (
	Changed Kind = iota
	Added
	Removed
)

func (k Kind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return "changed"
	}
}

// Event is a settled change to one file.
type Event struct {
	Kind Kind
	Path string // relative to the watched root, slash separated
}

// FilterCallback returns true for relative paths whose events are dropped.
type FilterCallback func(relpath string) bool

// IgnorePatterns builds a FilterCallback from doublestar patterns matched
// against the relative path.
func IgnorePatterns(patterns ...string) FilterCallback {
	return func(relpath string) bool {
		for _, p := range patterns {
			if ok, _ := doublestar.Match(p, relpath); ok {
				return true
			}
		}
		return false
	}
}

type pending struct {
	kind  Kind
	timer *time.Timer
}

// Watcher watches a directory tree recursively.
type Watcher struct {
	root     string
	raw      chan notify.EventInfo
	events   chan Event
	debounce time.Duration
	cleanup  time.Duration

	filterMu sync.RWMutex
	filter   FilterCallback

	ignoreMu sync.Mutex
	ignore   *lru.Cache[string, time.Time]

	pendingMu sync.Mutex
	pending   map[string]*pending

	// guards sends on events against the close in Stop
	closeMu sync.RWMutex
	closed  bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New returns a watcher for root. Symlinks in root are resolved so event
// paths can be made relative.
func New(root string) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("watcher root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("watcher root: %w", err)
	}

	ignore, err := lru.New[string, time.Time](maxIgnored)
	if err != nil {
		return nil, fmt.Errorf("watcher ignore cache: %w", err)
	}

	return &Watcher{
		root:     resolved,
		events:   make(chan Event, eventBufferSize),
		debounce: DefaultDebounceTimeout,
		cleanup:  defaultCleanupInterval,
		ignore:   ignore,
		pending:  make(map[string]*pending),
		done:     make(chan struct{}),
	}, nil
}

func (w *Watcher) Root() string {
	return w.root
}

// SetDebounceTimeout must be called before Start.
func (w *Watcher) SetDebounceTimeout(d time.Duration) {
	w.debounce = d
}

// FilterPaths installs the callback deciding which paths are dropped.
func (w *Watcher) FilterPaths(cb FilterCallback) {
	w.filterMu.Lock()
	defer w.filterMu.Unlock()
	w.filter = cb
}

// Events is closed once the watcher stops.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	select {
	case <-w.done:
		return ErrWatcherClosed
	default:
	}

	slog.Info("watcher start", "dir", w.root)

	w.raw = make(chan notify.EventInfo, eventBufferSize)
	if err := notify.Watch(w.root+"/...", w.raw, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}

	w.wg.Add(2)
	go w.receive(ctx)
	go w.expireIgnores(ctx)
	return nil
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if w.raw != nil {
			notify.Stop(w.raw)
		}
		w.wg.Wait()

		w.pendingMu.Lock()
		for path, p := range w.pending {
			p.timer.Stop()
			delete(w.pending, path)
		}
		w.pendingMu.Unlock()

		w.closeMu.Lock()
		w.closed = true
		close(w.events)
		w.closeMu.Unlock()
		slog.Info("watcher stopped")
	})
}

// IgnoreOnce drops the next event for relpath if it settles within
// DefaultIgnoreTimeout. Used before tinifyd writes a file itself.
func (w *Watcher) IgnoreOnce(relpath string) {
	w.IgnoreOnceWithTimeout(relpath, DefaultIgnoreTimeout)
}

func (w *Watcher) IgnoreOnceWithTimeout(relpath string, timeout time.Duration) {
	w.ignoreMu.Lock()
	defer w.ignoreMu.Unlock()
	w.ignore.Add(filepath.ToSlash(relpath), time.Now().Add(timeout))
}

func (w *Watcher) ignored(relpath string) bool {
	w.ignoreMu.Lock()
	defer w.ignoreMu.Unlock()

	expiry, ok := w.ignore.Peek(relpath)
	if !ok {
		return false
	}
	w.ignore.Remove(relpath)
	return time.Now().Before(expiry)
}

func (w *Watcher) receive(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ei, ok := <-w.raw:
			if !ok {
				return
			}
			w.observe(ei.Path(), kindOf(ei.Event()))
		}
	}
}

func kindOf(ev notify.Event) Kind {
	switch ev {
	case notify.Create, notify.Rename:
		return Added
	case notify.Remove:
		return Removed
	default:
		return Changed
	}
}

// observe records a raw event and (re)arms the debounce timer of its path.
func (w *Watcher) observe(abspath string, kind Kind) {
	rel, err := filepath.Rel(w.root, abspath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	rel = filepath.ToSlash(rel)

	w.filterMu.RLock()
	filter := w.filter
	w.filterMu.RUnlock()
	if filter != nil && filter(rel) {
		return
	}

	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	if p, ok := w.pending[rel]; ok {
		p.timer.Stop()
		// a burst that started with a create is still an add
		if p.kind != Added || kind == Removed {
			p.kind = kind
		}
		p.timer = time.AfterFunc(w.debounce, func() { w.flush(rel) })
		return
	}

	w.pending[rel] = &pending{
		kind:  kind,
		timer: time.AfterFunc(w.debounce, func() { w.flush(rel) }),
	}
}

// flush settles the pending event of relpath against the filesystem.
func (w *Watcher) flush(relpath string) {
	w.pendingMu.Lock()
	p, ok := w.pending[relpath]
	if ok {
		delete(w.pending, relpath)
	}
	w.pendingMu.Unlock()
	if !ok {
		return
	}

	kind := p.kind
	info, err := os.Stat(filepath.Join(w.root, filepath.FromSlash(relpath)))
	switch {
	case err != nil:
		kind = Removed
	case info.IsDir():
		return
	case kind == Removed:
		// removed and recreated within one debounce window
		kind = Added
	}

	if w.ignored(relpath) {
		slog.Debug("watcher ignored", "path", relpath)
		return
	}

	w.closeMu.RLock()
	defer w.closeMu.RUnlock()
	if w.closed {
		return
	}

	select {
	case w.events <- Event{Kind: kind, Path: relpath}:
		slog.Debug("watcher", "event", kind, "path", relpath)
	default:
		slog.Warn("watcher dropped event", "reason", "channel full", "path", relpath)
	}
}

func (w *Watcher) expireIgnores(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			now := time.Now()
			w.ignoreMu.Lock()
			for _, path := range w.ignore.Keys() {
				if expiry, ok := w.ignore.Peek(path); ok && now.After(expiry) {
					w.ignore.Remove(path)
				}
			}
			w.ignoreMu.Unlock()
		}
	}
}
