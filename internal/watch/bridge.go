// Package watch implements the watch bridge (C8): the adapter from a
// blocking filesystem-event producer (fsnotify's OS-thread-backed
// watcher) to the async session loop (spec.md §4.8, §9). A dedicated
// goroutine owns the *fsnotify.Watcher and performs the 1s debounce;
// the session reads off a channel, never touching fsnotify directly —
// this is the "coroutine control flow" redesign spec.md §9 calls for,
// replacing a polling try_recv with a clean channel the caller can
// select against.
package watch

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nicolagi/mirra/internal/pathsafe"
)

var log = logrus.WithField("component", "watch")

// EventKind classifies a debounced filesystem event.
type EventKind int

const (
	Create EventKind = iota
	Write
	Remove
	Rename
	Rescan
	Error
)

// Event is the unit the bridge delivers. Old is only set for Rename.
type Event struct {
	Kind EventKind
	Path string
	Old  string
}

// Bridge owns a background goroutine watching a directory tree
// recursively, debouncing bursts of filesystem notifications into a
// channel of Event values. The control directory (.mirra) is never
// watched.
type Bridge struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
	w      *fsnotify.Watcher
}

const debounceWindow = time.Second

// Start begins watching root recursively and returns a Bridge whose
// Events channel receives debounced, classified events until Close is
// called. The caller owns the returned Bridge and must Close it.
func Start(root string) (*Bridge, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "watch: new watcher")
	}
	if err := addRecursive(w, root); err != nil {
		_ = w.Close()
		return nil, err
	}
	b := &Bridge{
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		w:      w,
	}
	go b.run(root)
	return b, nil
}

// Events returns the channel of debounced events. It is closed when
// the bridge is closed.
func (b *Bridge) Events() <-chan Event { return b.events }

// Close stops the background goroutine and releases the OS watcher.
// Idempotent.
func (b *Bridge) Close() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		err = errors.Wrap(b.w.Close(), "watch: close watcher")
	})
	return err
}

func addRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == pathsafe.ControlDirName {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

// pending coalesces raw fsnotify notifications for one path until the
// debounce window elapses without further activity on it.
type pending struct {
	kind EventKind
	old  string
	at   time.Time
}

func (b *Bridge) run(root string) {
	defer close(b.events)

	buf := map[string]pending{}
	ticker := time.NewTicker(debounceWindow / 4)
	defer ticker.Stop()

	flush := func(force bool) {
		now := time.Now()
		for path, p := range buf {
			if !force && now.Sub(p.at) < debounceWindow {
				continue
			}
			b.deliver(Event{Kind: p.kind, Path: path, Old: p.old})
			delete(buf, path)
		}
	}

	for {
		select {
		case <-b.done:
			return
		case ev, ok := <-b.w.Events:
			if !ok {
				return
			}
			b.classify(root, ev, buf)
		case err, ok := <-b.w.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("watcher reported an error, requesting rescan")
			buf = map[string]pending{}
			b.deliver(Event{Kind: Rescan})
		case <-ticker.C:
			flush(false)
		}
	}
}

func (b *Bridge) classify(root string, ev fsnotify.Event, buf map[string]pending) {
	if pathsafe.ContainsControlDir(relOrSelf(root, ev.Name)) {
		return
	}
	switch {
	case ev.Op&fsnotify.Create != 0:
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			_ = b.w.Add(ev.Name)
		}
		buf[ev.Name] = pending{kind: Create, at: time.Now()}
	case ev.Op&fsnotify.Write != 0:
		if p, ok := buf[ev.Name]; ok && p.kind == Create {
			// Keep the Create classification but refresh the debounce
			// timer: a create immediately followed by writes is still
			// one logical "file appeared with this content" event.
			p.at = time.Now()
			buf[ev.Name] = p
			return
		}
		buf[ev.Name] = pending{kind: Write, at: time.Now()}
	case ev.Op&fsnotify.Remove != 0:
		buf[ev.Name] = pending{kind: Remove, at: time.Now()}
	case ev.Op&fsnotify.Rename != 0:
		// fsnotify reports a bare Rename only for the old name; the new
		// name arrives as its own Create. We don't attempt to pair the
		// two into a single Rename event here (that needs inode
		// tracking fsnotify doesn't expose): the old path is debounced
		// as a Remove and the new path's Create will be classified
		// above when it arrives, which converges to the same end state
		// on the node, at the cost of one extra FileHeader round trip
		// instead of a single Rename message.
		buf[ev.Name] = pending{kind: Remove, at: time.Now()}
	}
}

func relOrSelf(root, abs string) string {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return abs
	}
	return rel
}

func (b *Bridge) deliver(e Event) {
	select {
	case b.events <- e:
	case <-b.done:
	}
}
