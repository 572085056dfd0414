// Package engine is the explorer side of the worker channel: it starts the
// worker, calls its methods on behalf of the user and folds the events it
// emits into the test tree.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vitest-dev/vscode-sub001/filesystem"
	"github.com/vitest-dev/vscode-sub001/protocol"
	"github.com/vitest-dev/vscode-sub001/runner"
	"github.com/vitest-dev/vscode-sub001/tree"
)

// Options configures an Engine.
type Options struct {
	Root   string
	Logger zerolog.Logger

	// Start launches workers. Defaults to running this executable's worker
	// command in Root.
	Start StartFunc
	// Init is the template of every init payload. Workspace is always Root.
	Init protocol.InitPayload

	// StorePath is the tree snapshot database. Empty disables persistence.
	StorePath string

	// Watch enables the file watcher that feeds the worker's file
	// notifications.
	Watch    bool
	Debounce time.Duration

	Debugger    Debugger
	InspectAddr string
}

// Engine manages the worker session and the tree built from its events.
type Engine struct {
	opts   Options
	logger zerolog.Logger
	tree   *tree.Tree
	store  *tree.Store

	watcher *filesystem.Watcher
	updates chan struct{}

	// startMu serializes worker launches
	startMu sync.Mutex

	mu      sync.Mutex
	state   State
	sess    *Session
	closing bool
	last    []string
	lastUpd bool

	saveMu sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine. Call Start to launch the worker.
func New(opts Options) *Engine {
	if opts.Root == "" {
		opts.Root = "."
	}
	if root, err := filepath.Abs(opts.Root); err == nil {
		opts.Root = root
	}
	logger := opts.Logger.With().Str("component", "engine").Logger()
	if opts.Start == nil {
		exe, err := os.Executable()
		if err != nil {
			exe = os.Args[0]
		}
		opts.Start = ProcessStarter(runner.NewLauncher(opts.Logger), runner.Command{
			Name: exe,
			Args: []string{"worker"},
			Dir:  opts.Root,
		})
	}
	if opts.Debugger == nil {
		opts.Debugger = InspectorProbe{}
	}
	if opts.InspectAddr == "" {
		opts.InspectAddr = "127.0.0.1:9229"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:    opts,
		logger:  logger,
		tree:    tree.New(opts.Root, opts.Logger),
		updates: make(chan struct{}, 1),
		state:   NewState(opts.Root),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start restores the saved tree, launches the worker, lists the test files
// and starts watching the workspace.
func (e *Engine) Start(ctx context.Context) error {
	if e.opts.StorePath != "" {
		store, err := tree.Open(ctx, e.opts.StorePath)
		if err != nil {
			e.logger.Warn().Err(err).Msg("tree snapshots disabled")
		} else {
			e.store = store
			if err := store.Load(ctx, e.tree); err != nil {
				e.logger.Warn().Err(err).Msg("load tree snapshot")
			}
		}
	}

	if e.opts.Watch {
		w, err := filesystem.NewWatcher(e.opts.Root, filesystem.WatcherOptions{
			Logger:   e.opts.Logger,
			Debounce: e.opts.Debounce,
		})
		if err != nil {
			e.logger.Warn().Err(err).Msg("file watcher disabled")
		} else {
			e.watcher = w
			e.wg.Add(1)
			go e.watchLoop()
		}
	}

	return e.Refresh(ctx)
}

// Updates receives a value whenever the tree or the state changed. Updates
// coalesce; a receiver should read Snapshot and the tree afterwards.
func (e *Engine) Updates() <-chan struct{} {
	return e.updates
}

func (e *Engine) notify() {
	select {
	case e.updates <- struct{}{}:
	default:
	}
}

// Tree returns the test tree.
func (e *Engine) Tree() *tree.Tree {
	return e.tree
}

// Snapshot returns a copy of the state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

func (e *Engine) update(fn func(s *State)) {
	e.mu.Lock()
	fn(&e.state)
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) initPayload(debug *protocol.DebugOptions) protocol.InitPayload {
	init := e.opts.Init
	init.Workspace = e.opts.Root
	init.Debug = debug
	return init
}

// current returns the live session, or nil.
func (e *Engine) current() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil
	}
	select {
	case <-e.sess.Done():
		return nil
	default:
		return e.sess
	}
}

// session returns the live session, launching a worker when there is none.
func (e *Engine) session(ctx context.Context) (*Session, error) {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	if s := e.current(); s != nil {
		return s, nil
	}
	e.mu.Lock()
	closing := e.closing
	e.mu.Unlock()
	if closing {
		return nil, errors.New("engine closed")
	}

	e.update(func(s *State) {
		s.Session = SessionStarting
		s.SessionErr = nil
	})
	s, err := e.connect(ctx, nil)
	if err != nil {
		e.update(func(s *State) {
			s.Session = SessionFailed
			s.SessionErr = err
		})
		return nil, fmt.Errorf("start worker: %w", err)
	}

	e.mu.Lock()
	e.sess = s
	e.state.Session = SessionReady
	e.state.Ready = s.Ready
	coverage := e.state.Coverage
	mode := e.state.Watch
	e.mu.Unlock()
	e.notify()

	e.wg.Add(1)
	go e.monitor(s)

	// tracking and coverage are scoped to one worker
	if coverage {
		if err := s.EnableCoverage(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("restore coverage")
		}
	}
	if mode != WatchOff {
		if err := e.sendWatch(ctx, s); err != nil {
			e.logger.Warn().Err(err).Msg("restore watch")
		}
	}
	return s, nil
}

func (e *Engine) connect(ctx context.Context, debug *protocol.DebugOptions) (*Session, error) {
	w, err := e.opts.Start(ctx, e.OnProcessLog)
	if err != nil {
		return nil, err
	}
	return Connect(ctx, w, e.initPayload(debug), e, e.opts.Logger)
}

// monitor marks the session failed when its channel closes unexpectedly.
func (e *Engine) monitor(s *Session) {
	defer e.wg.Done()
	<-s.Done()

	e.mu.Lock()
	if e.sess != s {
		e.mu.Unlock()
		return
	}
	e.sess = nil
	running := e.state.Running
	e.state.Running = false
	if e.closing {
		e.state.Session = SessionStopped
	} else {
		e.state.Session = SessionFailed
		e.state.SessionErr = s.Err()
		if e.state.SessionErr == nil {
			e.state.SessionErr = errors.New("worker closed the channel")
		}
		e.logger.Warn().Err(e.state.SessionErr).Msg("worker session ended")
	}
	e.mu.Unlock()

	if running {
		e.tree.FinishRun(nil)
	}
	e.notify()
}

// Refresh lists the test files and fills files that were never collected
// from a static parse of their source.
func (e *Engine) Refresh(ctx context.Context) error {
	s, err := e.session(ctx)
	if err != nil {
		return err
	}
	specs, err := s.GetFiles(ctx)
	if err != nil {
		return err
	}
	e.tree.SetFiles(specs)
	for _, spec := range specs {
		if err := e.tree.LoadSkeleton(spec); err != nil {
			e.logger.Debug().Err(err).Msg("skeleton")
		}
	}
	e.notify()
	return nil
}

// selection turns node ids into the selection and name pattern of a run.
// Files run whole; when only tests and suites are selected their name
// patterns are combined.
func (e *Engine) selection(ids []string) (protocol.Selection, string) {
	var sel protocol.Selection
	seen := make(map[string]bool)
	var patterns []string
	whole := false
	for _, id := range ids {
		spec, ok := e.tree.FileOf(id)
		if !ok {
			continue
		}
		if key := spec.Key(); !seen[key] {
			seen[key] = true
			sel.Specs = append(sel.Specs, spec)
		}
		p, _ := e.tree.NamePattern(id)
		if p == "" {
			whole = true
			continue
		}
		patterns = append(patterns, p)
	}
	if whole || len(patterns) == 0 {
		return sel, ""
	}
	if len(patterns) == 1 {
		return sel, patterns[0]
	}
	return sel, "(?:" + strings.Join(patterns, ")|(?:") + ")"
}

func (e *Engine) specs(ids []string) []protocol.Specification {
	if len(ids) == 0 {
		var specs []protocol.Specification
		for _, f := range e.tree.Files() {
			specs = append(specs, protocol.Specification{Project: f.Project, File: f.File})
		}
		return specs
	}
	sel, _ := e.selection(ids)
	return sel.Specs
}

// Collect discovers the tests of the files holding ids, or of every file,
// without running them.
func (e *Engine) Collect(ctx context.Context, ids []string) error {
	s, err := e.session(ctx)
	if err != nil {
		return err
	}
	return s.CollectTests(ctx, e.specs(ids))
}

// Run runs the nodes ids, or everything when ids is empty.
func (e *Engine) Run(ctx context.Context, ids []string) error {
	return e.run(ctx, ids, false)
}

// UpdateSnapshots runs the nodes ids rewriting their snapshots.
func (e *Engine) UpdateSnapshots(ctx context.Context, ids []string) error {
	return e.run(ctx, ids, true)
}

// RerunLast repeats the last Run or UpdateSnapshots.
func (e *Engine) RerunLast(ctx context.Context) error {
	e.mu.Lock()
	ids, upd := e.last, e.lastUpd
	e.mu.Unlock()
	return e.run(ctx, ids, upd)
}

func (e *Engine) run(ctx context.Context, ids []string, updateSnapshots bool) error {
	s, err := e.session(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.last = append([]string(nil), ids...)
	e.lastUpd = updateSnapshots
	e.mu.Unlock()

	sel, pattern := e.selection(ids)
	if len(ids) > 0 && len(sel.Specs) == 0 {
		return fmt.Errorf("nothing to run: unknown nodes %v", ids)
	}
	return e.runSelection(ctx, s, sel, pattern, updateSnapshots)
}

func (e *Engine) runSelection(ctx context.Context, s *Session, sel protocol.Selection, pattern string, updateSnapshots bool) error {
	var err error
	if updateSnapshots {
		err = s.UpdateSnapshots(ctx, sel, pattern)
	} else {
		err = s.RunTests(ctx, sel, pattern)
	}
	if err != nil {
		return err
	}
	return e.collectCoverage(ctx, s)
}

func (e *Engine) collectCoverage(ctx context.Context, s *Session) error {
	e.mu.Lock()
	on := e.state.Coverage
	e.mu.Unlock()
	if !on {
		return nil
	}
	dir, ok, err := s.WaitForCoverageReport(ctx)
	if err != nil {
		return err
	}
	e.update(func(st *State) {
		st.CoverageDir = ""
		if ok {
			st.CoverageDir = dir
		}
	})
	return nil
}

// RunChanged runs the test files git reports as changed.
func (e *Engine) RunChanged(ctx context.Context) error {
	files, err := filesystem.ChangedTestFiles(ctx, e.opts.Root)
	if err != nil {
		return err
	}
	changed := make(map[string]bool, len(files))
	for _, f := range files {
		changed[filepath.Clean(f)] = true
	}
	var ids []string
	for _, f := range e.tree.Files() {
		if changed[filepath.Clean(f.File)] {
			ids = append(ids, f.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return e.run(ctx, ids, false)
}

// Cancel asks the worker to stop the current run.
func (e *Engine) Cancel(ctx context.Context) error {
	s := e.current()
	if s == nil {
		return nil
	}
	return s.CancelRun(ctx)
}

// ToggleWatch adds ids to, or removes them from, the watched set. An empty
// set stops watching.
func (e *Engine) ToggleWatch(ctx context.Context, ids ...string) error {
	e.mu.Lock()
	if e.state.Watch == WatchAll {
		e.state.Watched = make(map[string]struct{})
	}
	for _, id := range ids {
		if _, ok := e.state.Watched[id]; ok {
			delete(e.state.Watched, id)
		} else {
			e.state.Watched[id] = struct{}{}
		}
	}
	e.state.Watch = WatchSelected
	if len(e.state.Watched) == 0 {
		e.state.Watch = WatchOff
	}
	e.mu.Unlock()
	e.notify()
	return e.applyWatch(ctx)
}

// WatchAll re-runs every affected test file on change.
func (e *Engine) WatchAll(ctx context.Context) error {
	e.update(func(s *State) {
		s.Watch = WatchAll
		s.Watched = make(map[string]struct{})
	})
	return e.applyWatch(ctx)
}

// Unwatch stops continuous runs.
func (e *Engine) Unwatch(ctx context.Context) error {
	e.update(func(s *State) {
		s.Watch = WatchOff
		s.Watched = make(map[string]struct{})
	})
	return e.applyWatch(ctx)
}

func (e *Engine) applyWatch(ctx context.Context) error {
	s, err := e.session(ctx)
	if err != nil {
		return err
	}
	return e.sendWatch(ctx, s)
}

func (e *Engine) sendWatch(ctx context.Context, s *Session) error {
	e.mu.Lock()
	mode := e.state.Watch
	ids := e.state.WatchedIDs()
	e.mu.Unlock()

	switch mode {
	case WatchAll:
		return s.WatchTests(ctx, protocol.Selection{}, "")
	case WatchSelected:
		sel, pattern := e.selection(ids)
		if sel.IsEmpty() {
			return s.UnwatchTests(ctx)
		}
		return s.WatchTests(ctx, sel, pattern)
	default:
		return s.UnwatchTests(ctx)
	}
}

// SetCoverage turns coverage collection on or off.
func (e *Engine) SetCoverage(ctx context.Context, on bool) error {
	s, err := e.session(ctx)
	if err != nil {
		return err
	}
	if on {
		err = s.EnableCoverage(ctx)
	} else {
		err = s.DisableCoverage(ctx)
	}
	if err != nil {
		return err
	}
	e.update(func(st *State) {
		st.Coverage = on
		if !on {
			st.CoverageDir = ""
		}
	})
	return nil
}

// Debug runs ids once in a dedicated debug worker. The run goes ahead once
// the debugger attached; a failed attach cancels it.
func (e *Engine) Debug(ctx context.Context, ids []string) error {
	sel, pattern := e.selection(ids)
	attach := NewAttachState()
	e.update(func(s *State) { s.Attach = AttachUnknown })

	s, err := e.connect(ctx, &protocol.DebugOptions{InspectAddr: e.opts.InspectAddr})
	if err != nil {
		return fmt.Errorf("start debug worker: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- s.RunTests(runCtx, sel, pattern) }()
	go func() {
		err := e.opts.Debugger.Attach(runCtx, e.opts.InspectAddr)
		if err != nil {
			e.logger.Warn().Err(err).Msg("debugger attach")
		}
		attach.Resolve(err == nil)
	}()

	status, err := attach.Wait(ctx)
	e.update(func(st *State) { st.Attach = status })
	if err != nil || status == AttachFailed {
		cancel()
		closeErr := s.Close(context.Background())
		if err == nil {
			err = ErrAttachFailed
		}
		return errors.Join(err, closeErr)
	}

	err = <-runErr
	// the worker closes the channel after a debug run
	select {
	case <-s.Done():
	case <-time.After(closeTimeout):
		e.logger.Warn().Msg("debug worker did not close the channel")
	}
	s.kill()
	return err
}

// Close stops watching, disposes the worker and saves the tree.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return nil
	}
	e.closing = true
	s := e.sess
	e.mu.Unlock()

	e.cancel()
	if e.watcher != nil {
		e.watcher.Close()
	}

	var errs []error
	if s != nil {
		errs = append(errs, s.Close(ctx))
	}
	e.wg.Wait()

	if e.store != nil {
		errs = append(errs, e.save(ctx), e.store.Close())
	}
	return errors.Join(errs...)
}

func (e *Engine) save(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	return e.store.Save(ctx, e.tree)
}

func (e *Engine) watchLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case b, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if err := e.filesChanged(e.ctx, b); err != nil && e.ctx.Err() == nil {
				e.logger.Warn().Err(err).Msg("file change")
			}
		}
	}
}

// filesChanged forwards a batch of file changes to the worker. A changed
// configuration file restarts it.
func (e *Engine) filesChanged(ctx context.Context, b filesystem.Batch) error {
	for _, list := range [][]string{b.Created, b.Changed, b.Removed} {
		for _, path := range list {
			if filesystem.IsConfigFile(path) {
				e.logger.Info().Str("file", path).Msg("configuration changed, restarting worker")
				return e.Restart(ctx)
			}
		}
	}

	s := e.current()
	if s == nil {
		// the next launch lists files afresh
		return nil
	}
	if len(b.Created) > 0 {
		if err := s.OnFilesCreated(ctx, b.Created); err != nil {
			return err
		}
	}
	// the worker tells deleted files apart from changed ones
	if changed := append(slices.Clone(b.Changed), b.Removed...); len(changed) > 0 {
		if err := s.OnFilesChanged(ctx, changed); err != nil {
			return err
		}
	}
	if len(b.Created) > 0 || len(b.Removed) > 0 {
		return e.Refresh(ctx)
	}
	return nil
}

// Restart replaces the worker with a new one and lists the files again.
func (e *Engine) Restart(ctx context.Context) error {
	e.mu.Lock()
	s := e.sess
	e.sess = nil
	e.mu.Unlock()
	if s != nil {
		if err := s.Close(ctx); err != nil {
			e.logger.Debug().Err(err).Msg("close worker")
		}
	}
	e.update(func(st *State) { st.Session = SessionStopped })
	return e.Refresh(ctx)
}

// OnTestRunStart implements Listener.
func (e *Engine) OnTestRunStart(specs []protocol.Specification, collecting bool) {
	e.update(func(s *State) {
		s.Running = true
		s.Collecting = collecting
	})
}

// OnCollected implements Listener.
func (e *Engine) OnCollected(file *protocol.Task, partial bool) {
	e.mu.Lock()
	collecting := e.state.Collecting
	e.mu.Unlock()

	pass := tree.Run
	switch {
	case partial:
		pass = tree.PartialCollect
	case collecting:
		pass = tree.Collect
	}
	e.tree.Reconcile(file, pass)
	e.notify()
}

// OnTaskUpdate implements Listener.
func (e *Engine) OnTaskUpdate(packs []protocol.TaskPack) {
	e.tree.ApplyPacks(packs)
	e.notify()
}

// OnTestRunEnd implements Listener.
func (e *Engine) OnTestRunEnd(files []protocol.FileResult, summary protocol.ErrorSummary, collecting bool) {
	e.tree.FinishRun(files)
	e.update(func(s *State) {
		s.Running = false
		s.Collecting = false
		s.LastRun = &RunSummary{
			Files:      files,
			Errors:     summary.Errors,
			Reason:     summary.Reason,
			Collecting: collecting,
		}
		for _, err := range summary.Errors {
			s.Outputs[""] += fmt.Sprintf("%s: %s\n", err.Name, err.Message)
		}
	})

	if e.store != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.save(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Warn().Err(err).Msg("save tree snapshot")
			}
		}()
	}
}

// OnConsoleLog implements Listener. Output is filed under the file node of
// the task that wrote it.
func (e *Engine) OnConsoleLog(log protocol.ConsoleLog) {
	key := ""
	if n, ok := e.tree.Resolve(log.TaskID); ok {
		if spec, ok := e.tree.FileOf(n.ID); ok {
			if f, ok := e.tree.File(spec.Project, spec.File); ok {
				key = f.ID
			}
		}
	}
	e.update(func(s *State) {
		s.Outputs[key] += log.Content
		if !strings.HasSuffix(log.Content, "\n") {
			s.Outputs[key] += "\n"
		}
	})
}

// OnProcessLog implements Listener.
func (e *Engine) OnProcessLog(stream, line string) {
	e.update(func(s *State) { s.appendProcessLog(line) })
}
