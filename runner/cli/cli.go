// Package cli implements both runner API generations on top of the runner's
// command line. Every collection or run starts fresh runner processes through
// the launcher and reads their machine readable reports back into task trees.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vitest-dev/vscode-sub001/protocol"
	"github.com/vitest-dev/vscode-sub001/runner"
)

// Options configures the command line runner.
type Options struct {
	// Root is the workspace root; relative paths in Config resolve from it.
	Root     string
	Config   runner.Config
	Launcher *runner.Launcher
	Logger   zerolog.Logger
	// Env is added to the environment of every runner process.
	Env []string
	// CoverageDir overrides Config.CoverageDir.
	CoverageDir string
	// Parallelism bounds concurrent collection processes. Zero uses the
	// number of CPUs.
	Parallelism int
}

// Opener opens command line runners. It implements runner.Opener.
type Opener struct {
	opts   Options
	legacy runner.LegacyReporter
	modern runner.ModernReporter
}

// NewOpener creates an Opener reporting to the given callbacks. Both
// reporters are required; only the one of the opened generation is called.
func NewOpener(opts Options, legacy runner.LegacyReporter, modern runner.ModernReporter) *Opener {
	return &Opener{opts: opts, legacy: legacy, modern: modern}
}

// OpenLegacy returns the API of a runner before 3.0.
func (o *Opener) OpenLegacy(ctx context.Context, version string, settings runner.Settings) (runner.LegacyAPI, error) {
	b, err := newBase(o.opts, runner.GenerationLegacy, version, settings)
	if err != nil {
		return nil, err
	}
	b.console = o.legacy.OnUserConsoleLog
	return &Legacy{base: b, reporter: o.legacy}, nil
}

// OpenModern returns the API of a runner from 3.0 on.
func (o *Opener) OpenModern(ctx context.Context, version string, settings runner.Settings) (runner.ModernAPI, error) {
	b, err := newBase(o.opts, runner.GenerationModern, version, settings)
	if err != nil {
		return nil, err
	}
	b.console = o.modern.OnUserConsoleLog
	return &Modern{base: b, reporter: o.modern}, nil
}

// base holds what both generations share: discovery, the collection cache,
// run flags and the in-flight run.
type base struct {
	root        string
	config      runner.Config
	launcher    *runner.Launcher
	logger      zerolog.Logger
	env         []string
	coverageDir string
	parallelism int

	generation runner.Generation
	version    string
	settings   runner.Settings
	console    func(protocol.ConsoleLog)

	mu       sync.Mutex
	specs    []protocol.Specification
	modules  map[string]*protocol.Task
	pattern  string
	update   bool
	coverage bool
	current  *activeRun
	closed   bool
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	reason string
}

func newBase(opts Options, generation runner.Generation, version string, settings runner.Settings) (*base, error) {
	if opts.Launcher == nil {
		return nil, fmt.Errorf("open %s runner: no launcher", generation)
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("open %s runner: %w", generation, err)
	}

	coverageDir := opts.CoverageDir
	if coverageDir == "" {
		coverageDir = opts.Config.CoverageDir
	}
	if coverageDir == "" {
		coverageDir = runner.DefaultConfig().CoverageDir
	}
	if !filepath.IsAbs(coverageDir) {
		coverageDir = filepath.Join(root, coverageDir)
	}

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}

	return &base{
		root:        root,
		config:      opts.Config,
		launcher:    opts.Launcher,
		logger:      opts.Logger.With().Str("component", "cli").Str("generation", string(generation)).Logger(),
		env:         opts.Env,
		coverageDir: coverageDir,
		parallelism: parallelism,
		generation:  generation,
		version:     version,
		settings:    settings,
		modules:     make(map[string]*protocol.Task),
	}, nil
}

func (b *base) relPath(file string) string {
	rel, err := filepath.Rel(b.root, file)
	if err != nil {
		return file
	}
	return filepath.ToSlash(rel)
}

func (b *base) clearSpecs() {
	b.mu.Lock()
	b.specs = nil
	b.mu.Unlock()
}

func (b *base) specifications(ctx context.Context, filters []string) ([]protocol.Specification, error) {
	b.mu.Lock()
	specs := b.specs
	b.mu.Unlock()

	if specs == nil {
		var err error
		specs, err = discover(ctx, b.root, b.config)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.specs = specs
		b.mu.Unlock()
		b.logger.Debug().Int("files", len(specs)).Msg("discovered")
	}
	return filterSpecs(specs, filters), nil
}

func (b *base) namePattern() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pattern
}

func (b *base) setNamePattern(pattern string) {
	b.mu.Lock()
	b.pattern = pattern
	b.mu.Unlock()
}

func (b *base) setUpdate(update bool) {
	b.mu.Lock()
	b.update = update
	b.mu.Unlock()
}

func (b *base) setCoverage(enabled bool) {
	b.mu.Lock()
	b.coverage = enabled
	b.mu.Unlock()
}

// invalidate drops the cached collection of file. A deleted file also drops
// the specification list.
func (b *base) invalidate(file string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, module := range b.modules {
		if module.File == file {
			delete(b.modules, key)
		}
	}
	if _, err := os.Stat(file); err != nil {
		b.specs = nil
	}
}

// collectFunc collects one specification.
type collectFunc func(ctx context.Context, spec protocol.Specification) (*protocol.Task, error)

// collect runs fn for every specification that is not cached, at most
// parallelism at a time. A failing file yields a failed module carrying the
// error; the other files are unaffected.
func (b *base) collect(ctx context.Context, specs []protocol.Specification, fn collectFunc) []*protocol.Task {
	modules := make([]*protocol.Task, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.parallelism)
	for i, spec := range specs {
		b.mu.Lock()
		cached, ok := b.modules[spec.Key()]
		b.mu.Unlock()
		if ok {
			modules[i] = cached
			continue
		}

		i, spec := i, spec
		g.Go(func() error {
			module, err := fn(gctx, spec)
			if err != nil {
				b.logger.Warn().Err(err).Str("file", spec.File).Msg("collection failed")
				modules[i] = failedModule(spec, b.relPath(spec.File), err)
				return nil
			}
			modules[i] = module
			b.mu.Lock()
			b.modules[spec.Key()] = module
			b.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return modules
}

// jobHooks are called around every runner process of a run.
type jobHooks struct {
	started  func(specs []protocol.Specification)
	finished func(modules []*protocol.Task)
}

// execute runs specs, one runner process per project and command, one after
// the other. It returns every module reported and the reason the run ended.
func (b *base) execute(ctx context.Context, specs []protocol.Specification, hooks jobHooks) ([]*protocol.Task, string, error) {
	run, ctx, err := b.beginRun(ctx)
	if err != nil {
		return nil, "", err
	}
	defer b.endRun(run)

	flags := b.runFlags()

	var modules []*protocol.Task
	for _, group := range groupByProject(specs) {
		extra := append([]string{"run"}, flags...)
		if group.project != "" {
			extra = append(extra, "--project="+group.project)
		}

		bySpec := make(map[string]protocol.Specification, len(group.specs))
		files := make([]string, 0, len(group.specs))
		for _, spec := range group.specs {
			bySpec[spec.File] = spec
			files = append(files, spec.File)
		}

		for _, job := range runner.PrepareJobs(b.root, b.config, files, extra...) {
			if ctx.Err() != nil {
				break
			}
			jobSpecs := make([]protocol.Specification, 0, len(job.Files))
			for _, file := range job.Files {
				jobSpecs = append(jobSpecs, bySpec[file])
			}
			if hooks.started != nil {
				hooks.started(jobSpecs)
			}
			reported := b.runJob(ctx, job, jobSpecs)
			if len(reported) > 0 && hooks.finished != nil {
				hooks.finished(reported)
			}
			modules = append(modules, reported...)
		}
	}

	reason := "passed"
	for _, module := range modules {
		if module.State == protocol.StateFailed {
			reason = "failed"
		}
	}
	if ctx.Err() != nil {
		reason = "interrupted"
		b.mu.Lock()
		if run.reason != "" {
			reason = run.reason
		}
		b.mu.Unlock()
	}
	return modules, reason, nil
}

func (b *base) beginRun(ctx context.Context) (*activeRun, context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, fmt.Errorf("runner closed")
	}
	if b.current != nil {
		return nil, nil, fmt.Errorf("a run is already in progress")
	}
	ctx, cancel := context.WithCancel(ctx)
	run := &activeRun{cancel: cancel, done: make(chan struct{})}
	b.current = run
	return run, ctx, nil
}

func (b *base) endRun(run *activeRun) {
	run.cancel()
	b.mu.Lock()
	b.current = nil
	b.mu.Unlock()
	close(run.done)
}

// cancel stops the runner processes of the current run and waits for the run
// to return.
func (b *base) cancel(ctx context.Context, reason string) error {
	b.mu.Lock()
	run := b.current
	if run != nil && run.reason == "" {
		run.reason = reason
	}
	b.mu.Unlock()
	if run == nil {
		return nil
	}

	run.cancel()
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *base) close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.cancel(ctx, "closed")
}

// runFlags translates the run state into command line flags.
func (b *base) runFlags() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	flags := []string{"--reporter=json"}
	if b.pattern != "" {
		flags = append(flags, "--testNamePattern="+b.pattern)
	}
	if b.update {
		flags = append(flags, "--update")
	}
	if b.coverage {
		flags = append(flags, "--coverage.enabled=true", "--coverage.reportsDirectory="+b.coverageDir)
	}
	return append(flags, settingsFlags(b.generation, b.settings)...)
}

// settingsFlags are the session-wide flags of the runner settings. The two
// generations spell single-worker execution differently.
func settingsFlags(generation runner.Generation, s runner.Settings) []string {
	var flags []string
	if !s.FileParallelism {
		if generation == runner.GenerationModern {
			flags = append(flags, "--no-file-parallelism")
		} else {
			flags = append(flags, "--poolOptions.threads.singleThread", "--poolOptions.forks.singleFork")
		}
	}
	if s.MaxWorkers > 0 {
		flags = append(flags, fmt.Sprintf("--maxWorkers=%d", s.MaxWorkers), "--minWorkers=1")
	}
	if s.DisableTimeouts {
		flags = append(flags, "--testTimeout=0", "--hookTimeout=0")
	}
	if s.Inspect != "" {
		if s.BreakOnStart {
			flags = append(flags, "--inspect-brk="+s.Inspect)
		} else {
			flags = append(flags, "--inspect="+s.Inspect)
		}
	}
	return flags
}

// runJob starts one runner process and reads its report. Files the process
// could not report on are returned as failed modules, unless the run was
// cancelled.
func (b *base) runJob(ctx context.Context, job runner.Job, specs []protocol.Specification) []*protocol.Task {
	out, err := tempReport()
	if err != nil {
		return b.failAll(specs, err)
	}
	defer os.Remove(out)

	cmd := job.Command
	cmd.Args = append(append([]string{}, cmd.Args...), "--outputFile="+out)
	cmd.Env = b.env

	tail := newTail(20)
	proc, err := b.launcher.Start(ctx, cmd, b.onLine(tail))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return b.failAll(specs, err)
	}
	waitErr := proc.Wait()

	data, readErr := os.ReadFile(out)
	if readErr != nil || len(data) == 0 {
		if ctx.Err() != nil {
			return nil
		}
		return b.failAll(specs, exitError(waitErr, tail))
	}

	report, err := parseReport(data)
	if err != nil {
		return b.failAll(specs, err)
	}
	return report.modules(specs, b.relPath)
}

func (b *base) failAll(specs []protocol.Specification, err error) []*protocol.Task {
	b.logger.Warn().Err(err).Int("files", len(specs)).Msg("runner produced no report")
	modules := make([]*protocol.Task, 0, len(specs))
	for _, spec := range specs {
		modules = append(modules, failedModule(spec, b.relPath(spec.File), err))
	}
	return modules
}

// onLine forwards runner output as console logs and keeps the last stderr
// lines for error messages.
func (b *base) onLine(tail *tail) runner.LineFunc {
	return func(stream runner.Stream, line string) {
		if stream == runner.Stderr {
			tail.add(line)
		}
		if b.console != nil {
			b.console(consoleLog(stream, line))
		}
	}
}

func consoleLog(stream runner.Stream, line string) protocol.ConsoleLog {
	return protocol.ConsoleLog{
		Content: line + "\n",
		Stream:  string(stream),
		Time:    time.Now().UnixMilli(),
	}
}

func tempReport() (string, error) {
	f, err := os.CreateTemp("", "lazytest-report-*.json")
	if err != nil {
		return "", fmt.Errorf("create report file: %w", err)
	}
	name := f.Name()
	f.Close()
	// the runner refuses to write over some existing files
	os.Remove(name)
	return name, nil
}

func exitError(waitErr error, t *tail) error {
	msg := strings.TrimSpace(t.String())
	switch {
	case waitErr != nil && msg != "":
		return fmt.Errorf("runner exited: %w\n%s", waitErr, msg)
	case waitErr != nil:
		return fmt.Errorf("runner exited: %w", waitErr)
	case msg != "":
		return fmt.Errorf("runner wrote no report\n%s", msg)
	default:
		return fmt.Errorf("runner wrote no report")
	}
}

type projectGroup struct {
	project string
	specs   []protocol.Specification
}

func groupByProject(specs []protocol.Specification) []projectGroup {
	index := make(map[string]int)
	var groups []projectGroup
	for _, spec := range specs {
		i, ok := index[spec.Project]
		if !ok {
			i = len(groups)
			index[spec.Project] = i
			groups = append(groups, projectGroup{project: spec.Project})
		}
		groups[i].specs = append(groups[i].specs, spec)
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].project < groups[j].project })
	return groups
}

func failedModule(spec protocol.Specification, relPath string, err error) *protocol.Task {
	return &protocol.Task{
		ID:      protocol.FileTaskID(spec.Project, relPath),
		Name:    relPath,
		Kind:    protocol.KindFile,
		Mode:    protocol.ModeRun,
		State:   protocol.StateFailed,
		Project: spec.Project,
		File:    spec.File,
		Errors:  []protocol.TaskError{taskError(err.Error())},
	}
}

// taskError splits a runner failure message into its first line and the
// rest, which is usually the stack.
func taskError(msg string) protocol.TaskError {
	msg = strings.TrimRight(msg, "\n")
	first, rest, _ := strings.Cut(msg, "\n")
	te := protocol.TaskError{Message: first, Stack: rest}
	if name, text, ok := strings.Cut(first, ": "); ok && isErrorName(name) {
		te.Name = name
		te.Message = text
	}
	return te
}

func isErrorName(s string) bool {
	return strings.HasSuffix(s, "Error") && !strings.ContainsAny(s, " \t")
}

type tail struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTail(max int) *tail {
	return &tail{max: max}
}

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
