package filesystem

import (
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits for more events before
// reporting a batch.
const DefaultDebounce = 100 * time.Millisecond

// Batch is a debounced set of changes. A path appears in at most one list.
type Batch struct {
	Created []string
	Changed []string
	Removed []string
}

// Empty reports whether the batch carries no paths.
func (b Batch) Empty() bool {
	return len(b.Created) == 0 && len(b.Changed) == 0 && len(b.Removed) == 0
}

type change int

const (
	changed change = iota
	created
	removed
)

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	Logger   zerolog.Logger
	Debounce time.Duration
	Ignorer  *Ignorer
}

// Watcher monitors a workspace recursively and reports batches of file changes.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	ignorer   *Ignorer
	logger    zerolog.Logger
	Events    chan Batch

	mu       sync.Mutex
	pending  map[string]change
	debounce func(func())

	done      chan struct{}
	closeOnce sync.Once
}

// NewWatcher creates a new Watcher for the given root directory.
func NewWatcher(root string, opts WatcherOptions) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	d := opts.Debounce
	if d <= 0 {
		d = DefaultDebounce
	}
	ign := opts.Ignorer
	if ign == nil {
		ign = NewIgnorer(root)
	}

	w := &Watcher{
		fsWatcher: fsWatcher,
		ignorer:   ign,
		logger:    opts.Logger.With().Str("component", "watcher").Logger(),
		Events:    make(chan Batch, 10),
		pending:   make(map[string]change),
		debounce:  debounce.New(d),
		done:      make(chan struct{}),
	}

	// fsnotify is not recursive; every directory is added explicitly
	if err := w.addTree(root, nil); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	go w.startLoop()

	return w, nil
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.fsWatcher.Close()
	})
}

func (w *Watcher) addTree(dir string, files func(string)) error {
	return Walk(dir, w.ignorer, func(path string, d fs.DirEntry) error {
		if d.IsDir() {
			return w.fsWatcher.Add(path)
		}
		if files != nil {
			files(path)
		}
		return nil
	})
}

func (w *Watcher) startLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if w.ignorer.ShouldIgnore(event.Name) {
		return
	}
	// CHMOD events are noisy and never change content
	if event.Op == fsnotify.Chmod {
		return
	}

	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(event.Name)
		if err == nil && info.IsDir() {
			// files written before the directory was watched are reported too
			err := w.addTree(event.Name, func(path string) { w.record(path, created) })
			if err != nil {
				w.logger.Warn().Err(err).Str("dir", event.Name).Msg("failed to watch directory")
			}
			return
		}
		w.record(event.Name, created)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.record(event.Name, removed)
	case event.Has(fsnotify.Write):
		w.record(event.Name, changed)
	default:
		return
	}
	w.debounce(w.flush)
}

func (w *Watcher) record(path string, c change) {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev, seen := w.pending[path]
	switch {
	case !seen:
		w.pending[path] = c
	case prev == created && c == changed:
		// still new to the consumer
	case prev == created && c == removed:
		delete(w.pending, path)
	case prev == removed && c != removed:
		w.pending[path] = changed
	default:
		w.pending[path] = c
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	var b Batch
	for path, c := range w.pending {
		switch c {
		case created:
			b.Created = append(b.Created, path)
		case removed:
			b.Removed = append(b.Removed, path)
		default:
			b.Changed = append(b.Changed, path)
		}
	}
	w.pending = make(map[string]change)
	w.mu.Unlock()

	if b.Empty() {
		return
	}
	sort.Strings(b.Created)
	sort.Strings(b.Changed)
	sort.Strings(b.Removed)
	w.logger.Debug().
		Int("created", len(b.Created)).
		Int("changed", len(b.Changed)).
		Int("removed", len(b.Removed)).
		Msg("file changes")

	select {
	case w.Events <- b:
	case <-w.done:
	}
}
