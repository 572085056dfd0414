package runner

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/vitest-dev/vscode-sub001/protocol"
)

// fakeModern records calls made through the modern generation.
type fakeModern struct {
	mu sync.Mutex

	specs       []protocol.Specification
	cacheClears int
	collected   [][]protocol.Specification
	runs        [][]protocol.Specification
	runPatterns []string
	runUpdates  []bool
	invalidated []string

	pattern  string
	update   bool
	coverage bool
	closed   bool

	runErr       error
	block        chan struct{}
	cancelled    chan struct{}
	ignoreCancel bool
}

func newFakeModern(specs ...protocol.Specification) *fakeModern {
	return &fakeModern{specs: specs, cancelled: make(chan struct{}, 1)}
}

func (f *fakeModern) ClearSpecificationsCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cacheClears++
}

func (f *fakeModern) GetRelevantSpecifications(ctx context.Context, filters []string) ([]protocol.Specification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(filters) == 0 {
		return append([]protocol.Specification(nil), f.specs...), nil
	}
	var out []protocol.Specification
	for _, spec := range f.specs {
		for _, filter := range filters {
			if strings.HasPrefix(spec.File, filter) {
				out = append(out, spec)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeModern) CollectSpecifications(ctx context.Context, specs []protocol.Specification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collected = append(f.collected, specs)
	return nil
}

func (f *fakeModern) RunSpecifications(ctx context.Context, specs []protocol.Specification) error {
	f.mu.Lock()
	f.runs = append(f.runs, specs)
	f.runPatterns = append(f.runPatterns, f.pattern)
	f.runUpdates = append(f.runUpdates, f.update)
	block, err := f.block, f.runErr
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-f.cancelled:
		}
	}
	return err
}

func (f *fakeModern) GlobalTestNamePattern() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pattern
}

func (f *fakeModern) SetGlobalTestNamePattern(pattern string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pattern = pattern
}

func (f *fakeModern) ResetGlobalTestNamePattern() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pattern = ""
}

func (f *fakeModern) EnableSnapshotUpdate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.update = true
}

func (f *fakeModern) ResetSnapshotUpdate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.update = false
}

func (f *fakeModern) CancelCurrentRun(ctx context.Context, reason string) error {
	if f.ignoreCancel {
		<-ctx.Done()
		return ctx.Err()
	}
	select {
	case f.cancelled <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeModern) EnableCoverage() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coverage = true
}

func (f *fakeModern) DisableCoverage() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coverage = false
}

func (f *fakeModern) CoverageReportsDirectory() string { return "" }

func (f *fakeModern) InvalidateFile(file string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, file)
}

func (f *fakeModern) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeModern) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

// fakeLegacy is the file-based generation.
type fakeLegacy struct {
	mu      sync.Mutex
	files   []protocol.Specification
	clears  int
	pattern string
	update  bool
	ran     [][]protocol.Specification
	closed  bool
}

func (f *fakeLegacy) GlobTestFiles(ctx context.Context, filters []string) ([]protocol.Specification, error) {
	return f.files, nil
}

func (f *fakeLegacy) ClearFileCache() { f.clears++ }

func (f *fakeLegacy) CollectFiles(ctx context.Context, files []protocol.Specification) error {
	return nil
}

func (f *fakeLegacy) RunFiles(ctx context.Context, files []protocol.Specification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, files)
	if f.pattern == "boom" {
		return errors.New("run failed")
	}
	return nil
}

func (f *fakeLegacy) TestNamePattern() string              { return f.pattern }
func (f *fakeLegacy) SetTestNamePattern(p string)          { f.pattern = p }
func (f *fakeLegacy) SetUpdateSnapshot(update bool)        { f.update = update }
func (f *fakeLegacy) Cancel(context.Context, string) error { return nil }
func (f *fakeLegacy) SetCoverage(bool)                     {}
func (f *fakeLegacy) CoverageDirectory() string            { return "" }
func (f *fakeLegacy) Invalidate(string)                    {}

func (f *fakeLegacy) Close(context.Context) error {
	f.closed = true
	return nil
}

type fakeOpener struct {
	legacy   *fakeLegacy
	modern   *fakeModern
	settings Settings
	opened   Generation
}

func (o *fakeOpener) OpenLegacy(ctx context.Context, version string, settings Settings) (LegacyAPI, error) {
	o.opened = GenerationLegacy
	o.settings = settings
	return o.legacy, nil
}

func (o *fakeOpener) OpenModern(ctx context.Context, version string, settings Settings) (ModernAPI, error) {
	o.opened = GenerationModern
	o.settings = settings
	return o.modern, nil
}

type observerRecorder struct {
	mu     sync.Mutex
	values []bool
}

func (o *observerRecorder) SetCollecting(collecting bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.values = append(o.values, collecting)
}
