package cli

import (
	"context"

	"github.com/vitest-dev/vscode-sub001/protocol"
	"github.com/vitest-dev/vscode-sub001/runner"
)

// Modern is the specification-oriented API of runners from 3.0 on.
// Collection uses the list command, one process per file.
type Modern struct {
	*base
	reporter runner.ModernReporter
}

var _ runner.ModernAPI = (*Modern)(nil)

func (m *Modern) ClearSpecificationsCache() {
	m.clearSpecs()
}

func (m *Modern) GetRelevantSpecifications(ctx context.Context, filters []string) ([]protocol.Specification, error) {
	return m.specifications(ctx, filters)
}

func (m *Modern) CollectSpecifications(ctx context.Context, specs []protocol.Specification) error {
	m.reporter.OnTestRunStart(specs)
	modules := m.collect(ctx, specs, m.listModule)
	for _, module := range modules {
		m.reporter.OnTestModuleCollected(module)
	}

	reason := "passed"
	if ctx.Err() != nil {
		reason = "interrupted"
	}
	m.reporter.OnTestRunEnd(modules, nil, reason)
	return ctx.Err()
}

func (m *Modern) RunSpecifications(ctx context.Context, specs []protocol.Specification) error {
	m.reporter.OnTestRunStart(specs)
	modules, reason, err := m.execute(ctx, specs, jobHooks{
		started: func(specs []protocol.Specification) {
			packs := make([]protocol.TaskPack, 0, len(specs))
			for _, spec := range specs {
				packs = append(packs, protocol.TaskPack{
					ID:    protocol.FileTaskID(spec.Project, m.relPath(spec.File)),
					State: protocol.StateRunning,
				})
			}
			m.reporter.OnTaskUpdate(packs)
		},
		finished: func(modules []*protocol.Task) {
			for _, module := range modules {
				m.reporter.OnTestModuleCollected(module)
			}
			m.reporter.OnTaskUpdate(taskPacks(modules))
		},
	})
	if err != nil {
		return err
	}
	m.reporter.OnTestRunEnd(modules, nil, reason)
	return nil
}

func (m *Modern) GlobalTestNamePattern() string {
	return m.namePattern()
}

func (m *Modern) SetGlobalTestNamePattern(pattern string) {
	m.setNamePattern(pattern)
}

func (m *Modern) ResetGlobalTestNamePattern() {
	m.setNamePattern("")
}

func (m *Modern) EnableSnapshotUpdate() {
	m.setUpdate(true)
}

func (m *Modern) ResetSnapshotUpdate() {
	m.setUpdate(false)
}

func (m *Modern) CancelCurrentRun(ctx context.Context, reason string) error {
	return m.cancel(ctx, reason)
}

func (m *Modern) EnableCoverage() {
	m.setCoverage(true)
}

func (m *Modern) DisableCoverage() {
	m.setCoverage(false)
}

func (m *Modern) CoverageReportsDirectory() string {
	return m.coverageDir
}

func (m *Modern) InvalidateFile(file string) {
	m.invalidate(file)
}

func (m *Modern) Close(ctx context.Context) error {
	return m.close(ctx)
}

func taskPacks(modules []*protocol.Task) []protocol.TaskPack {
	var packs []protocol.TaskPack
	for _, module := range modules {
		module.Walk(func(t *protocol.Task) {
			if t.State == protocol.StateWaiting {
				return
			}
			packs = append(packs, protocol.TaskPack{
				ID:       t.ID,
				State:    t.State,
				Duration: t.Duration,
				Errors:   t.Errors,
			})
		})
	}
	return packs
}
