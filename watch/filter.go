// Package watch decides which files a continuous run may re-execute.
package watch

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/rs/zerolog"
	"github.com/vitest-dev/vscode-sub001/protocol"
)

// Mode is the active tracking mode.
type Mode int

const (
	Disabled Mode = iota
	TrackAll
	TrackSelected
)

func (m Mode) String() string {
	switch m {
	case TrackAll:
		return "track-all"
	case TrackSelected:
		return "track-selected"
	default:
		return "disabled"
	}
}

// DefaultDebounce is the delay before queued files are collected.
const DefaultDebounce = 100 * time.Millisecond

// CollectFunc collects a batch of specifications without running them.
type CollectFunc func(specs []protocol.Specification)

// Options configures a Filter.
type Options struct {
	Logger   zerolog.Logger
	Debounce time.Duration
	Collect  CollectFunc
}

// Filter holds the tracking set of one worker session.
type Filter struct {
	logger  zerolog.Logger
	collect CollectFunc

	mu    sync.Mutex
	mode  Mode
	dirs  []string
	files map[string]map[string]struct{} // project -> file

	queueMu  sync.Mutex
	queue    map[string]protocol.Specification
	debounce func(func())
	closed   bool
}

// New creates a disabled filter.
func New(opts Options) *Filter {
	d := opts.Debounce
	if d <= 0 {
		d = DefaultDebounce
	}
	return &Filter{
		logger:   opts.Logger.With().Str("component", "watch").Logger(),
		collect:  opts.Collect,
		queue:    make(map[string]protocol.Specification),
		debounce: debounce.New(d),
	}
}

// Mode returns the active mode.
func (f *Filter) Mode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

// TrackEveryFile accepts every candidate file from now on.
func (f *Filter) TrackEveryFile() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset(TrackAll)
	f.logger.Info().Msg("tracking every file")
}

// TrackTestItems tracks directories when sel names directories, otherwise the
// listed specifications grouped by project. The previous set is discarded.
func (f *Filter) TrackTestItems(sel protocol.Selection) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if sel.IsEmpty() {
		f.reset(Disabled)
		return
	}

	f.reset(TrackSelected)
	if len(sel.Dirs) > 0 {
		for _, dir := range sel.Dirs {
			f.dirs = append(f.dirs, normalizeDir(dir))
		}
		f.logger.Info().Strs("dirs", f.dirs).Msg("tracking directories")
		return
	}

	for _, spec := range sel.Specs {
		files, ok := f.files[spec.Project]
		if !ok {
			files = make(map[string]struct{})
			f.files[spec.Project] = files
		}
		files[filepath.Clean(spec.File)] = struct{}{}
	}
	f.logger.Info().Int("files", len(sel.Specs)).Int("projects", len(f.files)).Msg("tracking files")
}

// StopTracking disables the filter.
func (f *Filter) StopTracking() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset(Disabled)
}

// reset must be called with mu held.
func (f *Filter) reset(mode Mode) {
	f.mode = mode
	f.dirs = nil
	f.files = make(map[string]map[string]struct{})
}

// ShouldRun reports whether file of project may be re-run.
func (f *Filter) ShouldRun(project, file string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.mode {
	case TrackAll:
		return true
	case TrackSelected:
		clean := filepath.Clean(file)
		for _, dir := range f.dirs {
			if strings.HasPrefix(clean, dir) {
				return true
			}
		}
		if files, ok := f.files[project]; ok {
			_, tracked := files[clean]
			return tracked
		}
		return false
	default:
		return false
	}
}

// Tracked returns the tracked directories and files, sorted.
func (f *Filter) Tracked() (dirs []string, specs []protocol.Specification) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dirs = append(dirs, f.dirs...)
	for project, files := range f.files {
		for file := range files {
			specs = append(specs, protocol.Specification{Project: project, File: file})
		}
	}
	sort.Strings(dirs)
	sort.Slice(specs, func(i, j int) bool { return specs[i].Key() < specs[j].Key() })
	return dirs, specs
}

// QueueCollect schedules specs for a batched collection pass. Calls within the
// debounce window are merged into one batch.
func (f *Filter) QueueCollect(specs ...protocol.Specification) {
	if f.collect == nil || len(specs) == 0 {
		return
	}

	f.queueMu.Lock()
	if f.closed {
		f.queueMu.Unlock()
		return
	}
	for _, spec := range specs {
		f.queue[spec.Key()] = spec
	}
	f.queueMu.Unlock()

	f.debounce(f.flush)
}

func (f *Filter) flush() {
	f.queueMu.Lock()
	if f.closed || len(f.queue) == 0 {
		f.queueMu.Unlock()
		return
	}
	batch := make([]protocol.Specification, 0, len(f.queue))
	for _, spec := range f.queue {
		batch = append(batch, spec)
	}
	f.queue = make(map[string]protocol.Specification)
	f.queueMu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].Key() < batch[j].Key() })
	f.logger.Debug().Int("files", len(batch)).Msg("collecting queued files")
	f.collect(batch)
}

// Close stops tracking and drops queued collections.
func (f *Filter) Close() {
	f.StopTracking()

	f.queueMu.Lock()
	defer f.queueMu.Unlock()
	f.closed = true
	f.queue = make(map[string]protocol.Specification)
}

func normalizeDir(dir string) string {
	clean := filepath.Clean(dir)
	if !strings.HasSuffix(clean, string(filepath.Separator)) {
		clean += string(filepath.Separator)
	}
	return clean
}
