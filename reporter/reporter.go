// Package reporter turns the callbacks of either runner generation into the
// events the explorer listens to.
package reporter

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/vitest-dev/vscode-sub001/protocol"
	"github.com/vitest-dev/vscode-sub001/runner"
)

// Emitter sends an event to the explorer. *rpc.Bridge implements it.
type Emitter interface {
	Emit(event string, args ...any) error
}

// Reporter implements runner.LegacyReporter, runner.ModernReporter and
// runner.PassObserver.
type Reporter struct {
	emitter Emitter
	logger  zerolog.Logger

	mu         sync.Mutex
	collecting bool
	runs       map[string]*runRecord
	current    string
}

// runRecord is what the reporter keeps about a run between its start and
// end callbacks.
type runRecord struct {
	id         string
	collecting bool
	started    time.Time
	order      []string
	modules    map[string]*protocol.Task
}

var (
	_ runner.LegacyReporter = LegacyCallbacks{}
	_ runner.ModernReporter = (*Reporter)(nil)
	_ runner.PassObserver   = (*Reporter)(nil)
)

// New creates a Reporter emitting through emitter.
func New(emitter Emitter, logger zerolog.Logger) *Reporter {
	return &Reporter{
		emitter: emitter,
		logger:  logger.With().Str("component", "reporter").Logger(),
		runs:    make(map[string]*runRecord),
	}
}

// Legacy returns the callbacks for a runner before 3.0.
func (r *Reporter) Legacy() LegacyCallbacks {
	return LegacyCallbacks{r: r}
}

// SetCollecting marks the following runs as collection-only passes.
func (r *Reporter) SetCollecting(collecting bool) {
	r.mu.Lock()
	r.collecting = collecting
	r.mu.Unlock()
}

// ActiveRuns returns the number of runs started and not yet ended.
func (r *Reporter) ActiveRuns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func (r *Reporter) emit(event string, args ...any) {
	if err := r.emitter.Emit(event, args...); err != nil {
		r.logger.Warn().Err(err).Str("event", event).Msg("emit failed")
	}
}

func (r *Reporter) startRun(specs []protocol.Specification) {
	r.mu.Lock()
	run := &runRecord{
		id:         ulid.Make().String(),
		collecting: r.collecting,
		started:    time.Now(),
		modules:    make(map[string]*protocol.Task),
	}
	r.runs[run.id] = run
	r.current = run.id
	r.mu.Unlock()

	r.logger.Debug().Str("run", run.id).Int("files", len(specs)).Bool("collecting", run.collecting).Msg("run start")
	r.emit(protocol.EventTestRunStart, specs, run.collecting)
}

// currentRun returns the run in progress. Callbacks that arrive outside of a
// run get a record of their own so nothing is dropped.
func (r *Reporter) currentRun() *runRecord {
	r.mu.Lock()
	run, ok := r.runs[r.current]
	r.mu.Unlock()
	if ok {
		return run
	}
	r.startRun(nil)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[r.current]
}

func (r *Reporter) collected(module *protocol.Task, partial bool) {
	run := r.currentRun()
	r.mu.Lock()
	if _, seen := run.modules[module.ID]; !seen {
		run.order = append(run.order, module.ID)
	}
	run.modules[module.ID] = module
	r.mu.Unlock()

	r.emit(protocol.EventCollected, module, partial)
}

func (r *Reporter) endRun(modules []*protocol.Task, errs []protocol.TaskError, reason string) {
	run := r.currentRun()

	r.mu.Lock()
	for _, module := range modules {
		if _, seen := run.modules[module.ID]; !seen {
			run.order = append(run.order, module.ID)
		}
		run.modules[module.ID] = module
	}
	files := make([]protocol.FileResult, 0, len(run.order))
	for _, id := range run.order {
		files = append(files, protocol.Aggregate(run.modules[id]))
	}
	delete(r.runs, run.id)
	if r.current == run.id {
		r.current = ""
	}
	r.mu.Unlock()

	r.logger.Debug().Str("run", run.id).Str("reason", reason).Dur("took", time.Since(run.started)).Msg("run end")
	r.emit(protocol.EventTestRunEnd, files, protocol.ErrorSummary{Errors: errs, Reason: reason}, run.collecting)
}

// OnTestRunStart implements runner.ModernReporter.
func (r *Reporter) OnTestRunStart(specs []protocol.Specification) {
	r.startRun(specs)
}

// OnTestModuleCollected implements runner.ModernReporter.
func (r *Reporter) OnTestModuleCollected(module *protocol.Task) {
	r.collected(module, false)
}

// OnTaskUpdate implements runner.ModernReporter.
func (r *Reporter) OnTaskUpdate(packs []protocol.TaskPack) {
	if len(packs) == 0 {
		return
	}
	r.emit(protocol.EventTaskUpdate, packs)
}

// OnTestRunEnd implements runner.ModernReporter.
func (r *Reporter) OnTestRunEnd(modules []*protocol.Task, errs []protocol.TaskError, reason string) {
	r.endRun(modules, errs, reason)
}

// OnUserConsoleLog implements both reporter interfaces.
func (r *Reporter) OnUserConsoleLog(log protocol.ConsoleLog) {
	r.emit(protocol.EventConsoleLog, log)
}

// LegacyCallbacks adapts a Reporter to runner.LegacyReporter.
type LegacyCallbacks struct {
	r *Reporter
}

func (l LegacyCallbacks) OnPathsCollected(paths []string) {
	specs := make([]protocol.Specification, 0, len(paths))
	for _, path := range paths {
		specs = append(specs, protocol.Specification{File: path})
	}
	l.r.startRun(specs)
}

// OnCollected reports files. Files of a collection-only pass come from a
// static parse, which cannot see generated tests, so they are partial.
func (l LegacyCallbacks) OnCollected(files []*protocol.Task) {
	run := l.r.currentRun()
	for _, file := range files {
		l.r.collected(file, run.collecting)
	}
}

func (l LegacyCallbacks) OnTaskUpdate(packs []runner.LegacyPack) {
	l.r.OnTaskUpdate(normalizePacks(packs))
}

func (l LegacyCallbacks) OnFinished(files []*protocol.Task, errs []protocol.TaskError) {
	reason := "passed"
	for _, file := range files {
		if protocol.Aggregate(file).State == protocol.StateFailed {
			reason = "failed"
		}
	}
	if len(errs) > 0 {
		reason = "failed"
	}
	l.r.endRun(files, errs, reason)
}

func (l LegacyCallbacks) OnUserConsoleLog(log protocol.ConsoleLog) {
	l.r.OnUserConsoleLog(log)
}

func normalizePacks(packs []runner.LegacyPack) []protocol.TaskPack {
	out := make([]protocol.TaskPack, 0, len(packs))
	for _, pack := range packs {
		p := protocol.TaskPack{ID: pack.ID, State: protocol.StateWaiting}
		if pack.Result != nil {
			p.State = LegacyState(pack.Result.State)
			p.Duration = pack.Result.Duration
			p.Errors = pack.Result.Errors
		}
		out = append(out, p)
	}
	return out
}

// LegacyState converts a legacy runner state.
func LegacyState(state string) protocol.TaskState {
	switch state {
	case "pass":
		return protocol.StatePassed
	case "fail":
		return protocol.StateFailed
	case "skip", "todo":
		return protocol.StateSkipped
	case "run":
		return protocol.StateRunning
	default:
		return protocol.StateWaiting
	}
}
