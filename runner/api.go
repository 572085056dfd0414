package runner

import (
	"context"

	"github.com/vitest-dev/vscode-sub001/protocol"
)

// LegacyAPI is the control surface of runner releases before 3.0. It is
// file-oriented: the runner globs test files itself and keeps the result
// cached until told otherwise.
type LegacyAPI interface {
	// GlobTestFiles lists the test files matched by the include/exclude
	// patterns under the given directory filters. The result is cached.
	GlobTestFiles(ctx context.Context, filters []string) ([]protocol.Specification, error)
	// ClearFileCache drops the cached glob result.
	ClearFileCache()
	// CollectFiles parses the given files without executing tests.
	CollectFiles(ctx context.Context, files []protocol.Specification) error
	// RunFiles executes the given files.
	RunFiles(ctx context.Context, files []protocol.Specification) error

	TestNamePattern() string
	SetTestNamePattern(pattern string)
	SetUpdateSnapshot(update bool)

	// Cancel asks the current run to stop.
	Cancel(ctx context.Context, reason string) error

	SetCoverage(enabled bool)
	CoverageDirectory() string

	// Invalidate drops a changed module from the runner's module graph.
	Invalidate(file string)
	Close(ctx context.Context) error
}

// ModernAPI is the control surface of runner releases from 3.0 on. It is
// specification-oriented: every unit of work is a (project, file) pair.
type ModernAPI interface {
	ClearSpecificationsCache()
	GetRelevantSpecifications(ctx context.Context, filters []string) ([]protocol.Specification, error)
	CollectSpecifications(ctx context.Context, specs []protocol.Specification) error
	RunSpecifications(ctx context.Context, specs []protocol.Specification) error

	GlobalTestNamePattern() string
	SetGlobalTestNamePattern(pattern string)
	ResetGlobalTestNamePattern()

	EnableSnapshotUpdate()
	ResetSnapshotUpdate()

	CancelCurrentRun(ctx context.Context, reason string) error

	EnableCoverage()
	DisableCoverage()
	CoverageReportsDirectory() string

	InvalidateFile(file string)
	Close(ctx context.Context) error
}

// LegacyTaskResult is the per-task result of a legacy task update. Its state
// uses the runner's own spelling: "run", "pass", "fail", "skip", "todo".
type LegacyTaskResult struct {
	State    string               `json:"state"`
	Duration float64              `json:"duration,omitempty"`
	Errors   []protocol.TaskError `json:"errors,omitempty"`
}

// LegacyPack is one entry of a legacy task update.
type LegacyPack struct {
	ID     string
	Result *LegacyTaskResult
}

// LegacyReporter receives the callbacks of a legacy runner.
type LegacyReporter interface {
	OnPathsCollected(paths []string)
	OnCollected(files []*protocol.Task)
	OnTaskUpdate(packs []LegacyPack)
	OnFinished(files []*protocol.Task, errs []protocol.TaskError)
	OnUserConsoleLog(log protocol.ConsoleLog)
}

// ModernReporter receives the callbacks of a modern runner.
type ModernReporter interface {
	OnTestRunStart(specs []protocol.Specification)
	OnTestModuleCollected(module *protocol.Task)
	OnTaskUpdate(packs []protocol.TaskPack)
	OnTestRunEnd(modules []*protocol.Task, errs []protocol.TaskError, reason string)
	OnUserConsoleLog(log protocol.ConsoleLog)
}

// Opener creates the API of one runner generation for a workspace.
type Opener interface {
	OpenLegacy(ctx context.Context, version string, settings Settings) (LegacyAPI, error)
	OpenModern(ctx context.Context, version string, settings Settings) (ModernAPI, error)
}

// PassObserver is told whether the runner callbacks that follow belong to a
// collection-only pass.
type PassObserver interface {
	SetCollecting(collecting bool)
}
