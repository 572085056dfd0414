package cli

import (
	"context"

	"github.com/vitest-dev/vscode-sub001/analysis"
	"github.com/vitest-dev/vscode-sub001/protocol"
	"github.com/vitest-dev/vscode-sub001/runner"
)

// Legacy is the file-oriented API of runners before 3.0. Collection parses
// the files statically, since the old list command cannot report single
// files.
type Legacy struct {
	*base
	reporter runner.LegacyReporter
}

var _ runner.LegacyAPI = (*Legacy)(nil)

func (l *Legacy) GlobTestFiles(ctx context.Context, filters []string) ([]protocol.Specification, error) {
	return l.specifications(ctx, filters)
}

func (l *Legacy) ClearFileCache() {
	l.clearSpecs()
}

func (l *Legacy) CollectFiles(ctx context.Context, files []protocol.Specification) error {
	l.reporter.OnPathsCollected(paths(files))
	modules := l.collect(ctx, files, l.parseModule)
	l.reporter.OnCollected(modules)
	l.reporter.OnFinished(modules, nil)
	return ctx.Err()
}

func (l *Legacy) parseModule(ctx context.Context, spec protocol.Specification) (*protocol.Task, error) {
	decls, err := analysis.ParseTests(spec.File)
	if err != nil {
		return nil, err
	}
	return analysis.FileTask(spec, l.relPath(spec.File), decls), nil
}

func (l *Legacy) RunFiles(ctx context.Context, files []protocol.Specification) error {
	l.reporter.OnPathsCollected(paths(files))
	modules, _, err := l.execute(ctx, files, jobHooks{
		started: func(specs []protocol.Specification) {
			packs := make([]runner.LegacyPack, 0, len(specs))
			for _, spec := range specs {
				packs = append(packs, runner.LegacyPack{
					ID:     protocol.FileTaskID(spec.Project, l.relPath(spec.File)),
					Result: &runner.LegacyTaskResult{State: "run"},
				})
			}
			l.reporter.OnTaskUpdate(packs)
		},
		finished: func(modules []*protocol.Task) {
			l.reporter.OnCollected(modules)
			l.reporter.OnTaskUpdate(legacyPacks(modules))
		},
	})
	if err != nil {
		return err
	}
	l.reporter.OnFinished(modules, nil)
	return nil
}

func (l *Legacy) TestNamePattern() string {
	return l.namePattern()
}

func (l *Legacy) SetTestNamePattern(pattern string) {
	l.setNamePattern(pattern)
}

func (l *Legacy) SetUpdateSnapshot(update bool) {
	l.setUpdate(update)
}

func (l *Legacy) Cancel(ctx context.Context, reason string) error {
	return l.cancel(ctx, reason)
}

func (l *Legacy) SetCoverage(enabled bool) {
	l.setCoverage(enabled)
}

func (l *Legacy) CoverageDirectory() string {
	return l.coverageDir
}

func (l *Legacy) Invalidate(file string) {
	l.invalidate(file)
}

func (l *Legacy) Close(ctx context.Context) error {
	return l.close(ctx)
}

// legacyPacks lists the result of every task of modules in the legacy
// state spelling.
func legacyPacks(modules []*protocol.Task) []runner.LegacyPack {
	var packs []runner.LegacyPack
	for _, module := range modules {
		module.Walk(func(t *protocol.Task) {
			state := legacyState(t)
			if state == "" {
				return
			}
			packs = append(packs, runner.LegacyPack{
				ID: t.ID,
				Result: &runner.LegacyTaskResult{
					State:    state,
					Duration: t.Duration,
					Errors:   t.Errors,
				},
			})
		})
	}
	return packs
}

func legacyState(t *protocol.Task) string {
	switch t.State {
	case protocol.StatePassed:
		return "pass"
	case protocol.StateFailed:
		return "fail"
	case protocol.StateRunning:
		return "run"
	case protocol.StateSkipped:
		if t.Mode == protocol.ModeTodo {
			return "todo"
		}
		return "skip"
	}
	return ""
}

func paths(specs []protocol.Specification) []string {
	out := make([]string, 0, len(specs))
	for _, spec := range specs {
		out = append(out, spec.File)
	}
	return out
}
