package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vitest-dev/vscode-sub001/analysis"
	"github.com/vitest-dev/vscode-sub001/coverage"
	"github.com/vitest-dev/vscode-sub001/protocol"
	"github.com/vitest-dev/vscode-sub001/watch"
)

var (
	// ErrDisposed is returned by every operation after Dispose.
	ErrDisposed = errors.New("runner disposed")
	// ErrDebugSession is returned when watch mode is requested in a debug
	// session.
	ErrDebugSession = errors.New("watch mode is not available while debugging")
)

// DefaultCancelTimeout bounds how long CancelRun waits for the runner.
const DefaultCancelTimeout = 5 * time.Second

// AdapterOptions configures an Adapter.
type AdapterOptions struct {
	Logger   zerolog.Logger
	Observer PassObserver
	// Graph maps changed sources to the test files importing them. Optional.
	Graph *analysis.Graph

	Settings      Settings
	CancelTimeout time.Duration
	Debounce      time.Duration
	CoveragePoll  coverage.Poll

	// OnDebugDone is called once the single run of a debug session has
	// finished and the runner is closed.
	OnDebugDone func()
}

// Adapter exposes one normalized, serialized contract over a Strategy.
type Adapter struct {
	strategy Strategy
	logger   zerolog.Logger
	observer PassObserver
	graph    *analysis.Graph
	filter   *watch.Filter
	coverage *coverage.Manager
	settings Settings

	cancelTimeout time.Duration
	onDebugDone   func()

	// pass is held for the duration of every collect or run
	pass chan struct{}

	mu           sync.Mutex
	known        map[string][]protocol.Specification
	watchPattern string
	disposed     bool
}

// NewAdapter wraps strategy.
func NewAdapter(strategy Strategy, opts AdapterOptions) *Adapter {
	logger := opts.Logger.With().Str("component", "adapter").Str("runner", strategy.Version()).Logger()

	a := &Adapter{
		strategy:      strategy,
		logger:        logger,
		observer:      opts.Observer,
		graph:         opts.Graph,
		settings:      opts.Settings,
		cancelTimeout: opts.CancelTimeout,
		onDebugDone:   opts.OnDebugDone,
		pass:          make(chan struct{}, 1),
		known:         make(map[string][]protocol.Specification),
	}
	if a.cancelTimeout <= 0 {
		a.cancelTimeout = DefaultCancelTimeout
	}
	a.filter = watch.New(watch.Options{
		Logger:   opts.Logger,
		Debounce: opts.Debounce,
		Collect:  a.collectQueued,
	})
	a.coverage = coverage.New(strategy, opts.CoveragePoll, opts.Logger)
	return a
}

// Generation returns the API generation in use.
func (a *Adapter) Generation() Generation {
	return a.strategy.Generation()
}

// Filter returns the watch filter of the session.
func (a *Adapter) Filter() *watch.Filter {
	return a.filter
}

func (a *Adapter) checkDisposed() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return ErrDisposed
	}
	return nil
}

func (a *Adapter) acquire(ctx context.Context) error {
	select {
	case a.pass <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) release() {
	<-a.pass
}

// waitIdle returns once no pass is in progress.
func (a *Adapter) waitIdle(ctx context.Context) error {
	if err := a.acquire(ctx); err != nil {
		return err
	}
	a.release()
	return nil
}

// GetFiles lists every specification, recomputing the list from scratch.
func (a *Adapter) GetFiles(ctx context.Context) ([]protocol.Specification, error) {
	if err := a.checkDisposed(); err != nil {
		return nil, err
	}
	specs, err := a.strategy.Specifications(ctx, nil, true)
	if err != nil {
		return nil, fmt.Errorf("get files: %w", err)
	}
	a.remember(specs)
	return specs, nil
}

func (a *Adapter) remember(specs []protocol.Specification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.known = make(map[string][]protocol.Specification, len(specs))
	for _, spec := range specs {
		file := filepath.Clean(spec.File)
		a.known[file] = append(a.known[file], spec)
	}
}

// CollectTests reports the tests of specs without running them.
func (a *Adapter) CollectTests(ctx context.Context, specs []protocol.Specification) error {
	if err := a.checkDisposed(); err != nil {
		return err
	}
	if len(specs) == 0 {
		return nil
	}
	if err := a.acquire(ctx); err != nil {
		return err
	}
	defer a.release()

	if a.observer != nil {
		a.observer.SetCollecting(true)
		defer a.observer.SetCollecting(false)
	}
	if err := a.strategy.Collect(ctx, specs); err != nil {
		return fmt.Errorf("collect tests: %w", err)
	}
	return nil
}

func (a *Adapter) collectQueued(specs []protocol.Specification) {
	if err := a.CollectTests(context.Background(), specs); err != nil && !errors.Is(err, ErrDisposed) {
		a.logger.Warn().Err(err).Int("files", len(specs)).Msg("queued collection failed")
	}
}

// RunTests runs the selection. An empty selection runs every relevant
// specification. namePattern is active only for the duration of the call.
func (a *Adapter) RunTests(ctx context.Context, sel protocol.Selection, namePattern string) error {
	return a.run(ctx, sel, namePattern, false)
}

// UpdateSnapshots runs the selection with snapshot updating switched on.
func (a *Adapter) UpdateSnapshots(ctx context.Context, sel protocol.Selection, namePattern string) error {
	return a.run(ctx, sel, namePattern, true)
}

func (a *Adapter) run(ctx context.Context, sel protocol.Selection, namePattern string, updateSnapshots bool) error {
	if err := a.checkDisposed(); err != nil {
		return err
	}

	err := a.runPass(ctx, sel, namePattern, updateSnapshots)

	if a.settings.Debugging() {
		a.finishDebug()
	}
	return err
}

func (a *Adapter) runPass(ctx context.Context, sel protocol.Selection, namePattern string, updateSnapshots bool) error {
	specs, err := a.resolve(ctx, sel)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		a.logger.Info().Msg("nothing to run")
		return nil
	}

	if err := a.acquire(ctx); err != nil {
		return err
	}
	defer a.release()

	previous := a.strategy.NamePattern()
	a.strategy.SetNamePattern(namePattern)
	defer a.strategy.SetNamePattern(previous)

	if updateSnapshots {
		a.strategy.SetUpdateSnapshots(true)
		defer a.strategy.SetUpdateSnapshots(false)
	}

	a.logger.Info().Int("files", len(specs)).Str("pattern", namePattern).Bool("updateSnapshots", updateSnapshots).Msg("run")
	if err := a.strategy.Run(ctx, specs); err != nil {
		return fmt.Errorf("run tests: %w", err)
	}
	return nil
}

func (a *Adapter) resolve(ctx context.Context, sel protocol.Selection) ([]protocol.Specification, error) {
	if len(sel.Specs) > 0 {
		return sel.Specs, nil
	}
	specs, err := a.strategy.Specifications(ctx, sel.Dirs, false)
	if err != nil {
		return nil, fmt.Errorf("resolve specifications: %w", err)
	}
	return specs, nil
}

func (a *Adapter) finishDebug() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cancelTimeout)
	defer cancel()
	if err := a.Dispose(ctx); err != nil && !errors.Is(err, ErrDisposed) {
		a.logger.Warn().Err(err).Msg("close runner after debug run")
	}
	if a.onDebugDone != nil {
		a.onDebugDone()
	}
}

// CancelRun asks the runner to stop the current run. It waits at most the
// cancel timeout; a runner that ignores the request keeps running.
func (a *Adapter) CancelRun(ctx context.Context) error {
	if err := a.checkDisposed(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, a.cancelTimeout)
	defer cancel()

	err := a.strategy.Cancel(ctx)
	if errors.Is(err, context.DeadlineExceeded) || (err == nil && ctx.Err() != nil) {
		a.logger.Warn().Dur("timeout", a.cancelTimeout).Msg("runner did not acknowledge cancellation")
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	return nil
}

// EnableCoverage turns coverage on for the following runs.
func (a *Adapter) EnableCoverage() error {
	if err := a.checkDisposed(); err != nil {
		return err
	}
	a.coverage.Enable()
	return nil
}

// DisableCoverage turns coverage off.
func (a *Adapter) DisableCoverage() error {
	if err := a.checkDisposed(); err != nil {
		return err
	}
	a.coverage.Disable()
	return nil
}

// WaitForCoverageReport returns the report directory once the current run
// has finished, or ok == false when there is none.
func (a *Adapter) WaitForCoverageReport(ctx context.Context) (dir string, ok bool, err error) {
	if err := a.checkDisposed(); err != nil {
		return "", false, err
	}
	return a.coverage.WaitForReport(ctx, a.waitIdle)
}

// WatchTests starts continuous runs for the selection, or for every file when
// the selection is empty.
func (a *Adapter) WatchTests(ctx context.Context, sel protocol.Selection, namePattern string) error {
	if err := a.checkDisposed(); err != nil {
		return err
	}
	if a.settings.Debugging() {
		return ErrDebugSession
	}

	if sel.IsEmpty() {
		a.filter.TrackEveryFile()
	} else {
		a.filter.TrackTestItems(sel)
	}

	a.mu.Lock()
	a.watchPattern = namePattern
	a.mu.Unlock()
	return nil
}

// UnwatchTests stops continuous runs.
func (a *Adapter) UnwatchTests(ctx context.Context) error {
	if err := a.checkDisposed(); err != nil {
		return err
	}
	a.filter.StopTracking()

	a.mu.Lock()
	a.watchPattern = ""
	a.mu.Unlock()
	return nil
}

// OnFilesChanged invalidates changed or deleted files and the files that
// import them, then re-runs the tracked test files affected by them.
func (a *Adapter) OnFilesChanged(ctx context.Context, paths []string) error {
	return a.filesChanged(ctx, paths, false)
}

// OnFilesCreated is OnFilesChanged for new files; the specification list is
// recomputed first so new test files are known.
func (a *Adapter) OnFilesCreated(ctx context.Context, paths []string) error {
	return a.filesChanged(ctx, paths, true)
}

func (a *Adapter) filesChanged(ctx context.Context, paths []string, created bool) error {
	if err := a.checkDisposed(); err != nil {
		return err
	}

	changed := make(map[string]struct{}, len(paths))
	removed := make(map[string]struct{})
	candidates := make(map[string]struct{})
	for _, path := range paths {
		clean := filepath.Clean(path)
		a.strategy.Invalidate(clean)

		var dependents []string
		if _, err := os.Stat(clean); err != nil {
			removed[clean] = struct{}{}
			if a.graph != nil {
				// importers are only known until the node is dropped
				dependents = a.graph.GetDependents(clean)
				a.graph.Remove(clean)
			}
		} else {
			changed[clean] = struct{}{}
			candidates[clean] = struct{}{}
			if a.graph != nil {
				a.graph.Update(clean)
				dependents = a.graph.GetDependents(clean)
			}
		}

		// cached collections of importers hold the old module
		for _, dep := range dependents {
			a.strategy.Invalidate(dep)
			candidates[dep] = struct{}{}
		}
	}
	for path := range removed {
		delete(candidates, path)
	}

	if created {
		if _, err := a.GetFiles(ctx); err != nil {
			return err
		}
	}

	var rerun, rediscover []protocol.Specification
	a.mu.Lock()
	pattern := a.watchPattern
	for file := range candidates {
		for _, spec := range a.known[file] {
			if a.filter.ShouldRun(spec.Project, file) {
				rerun = append(rerun, spec)
				continue
			}
			// a changed test file may declare different tests now
			if _, ok := changed[file]; ok {
				rediscover = append(rediscover, spec)
			}
		}
	}
	a.mu.Unlock()

	a.filter.QueueCollect(rediscover...)

	if len(rerun) == 0 {
		return nil
	}
	sort.Slice(rerun, func(i, j int) bool { return rerun[i].Key() < rerun[j].Key() })
	a.logger.Info().Int("files", len(rerun)).Msg("continuous run")
	return a.runPass(ctx, protocol.Selection{Specs: rerun}, pattern, false)
}

// Dispose disables coverage, stops tracking and closes the runner. It is the
// last operation of the adapter.
func (a *Adapter) Dispose(ctx context.Context) error {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return ErrDisposed
	}
	a.disposed = true
	a.mu.Unlock()

	a.coverage.Disable()
	a.filter.Close()
	if err := a.strategy.Close(ctx); err != nil {
		return fmt.Errorf("close runner: %w", err)
	}
	a.logger.Info().Msg("disposed")
	return nil
}
