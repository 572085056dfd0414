package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/vitest-dev/vscode-sub001/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// report is the json reporter output, a superset of the jest result format.
type report struct {
	Success     bool         `json:"success"`
	TestResults []fileResult `json:"testResults"`
}

type fileResult struct {
	Name             string            `json:"name"`
	Status           string            `json:"status"`
	Message          string            `json:"message"`
	StartTime        int64             `json:"startTime"`
	EndTime          int64             `json:"endTime"`
	AssertionResults []assertionResult `json:"assertionResults"`
}

type assertionResult struct {
	AncestorTitles  []string           `json:"ancestorTitles"`
	Title           string             `json:"title"`
	FullName        string             `json:"fullName"`
	Status          string             `json:"status"`
	Duration        *float64           `json:"duration"`
	FailureMessages []string           `json:"failureMessages"`
	Location        *protocol.Location `json:"location"`
}

func parseReport(data []byte) (*report, error) {
	var r report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse runner report: %w", err)
	}
	return &r, nil
}

// modules converts the report into one module per specification found in
// it. Results for files outside specs are ignored.
func (r *report) modules(specs []protocol.Specification, relPath func(string) string) []*protocol.Task {
	bySpec := make(map[string]protocol.Specification, len(specs))
	for _, spec := range specs {
		bySpec[filepath.Clean(spec.File)] = spec
	}

	var modules []*protocol.Task
	for _, res := range r.TestResults {
		spec, ok := bySpec[filepath.Clean(res.Name)]
		if !ok {
			continue
		}
		modules = append(modules, res.module(spec, relPath(spec.File)))
	}
	return modules
}

func (res fileResult) module(spec protocol.Specification, relPath string) *protocol.Task {
	file := &protocol.Task{
		ID:      protocol.FileTaskID(spec.Project, relPath),
		Name:    relPath,
		Kind:    protocol.KindFile,
		Mode:    protocol.ModeRun,
		Project: spec.Project,
		File:    spec.File,
	}
	if res.EndTime > res.StartTime {
		file.Duration = float64(res.EndTime - res.StartTime)
	}

	b := newTreeBuilder(file)
	for _, a := range res.AssertionResults {
		parent := b.suite(a.AncestorTitles)
		test := b.add(parent, a.Title, protocol.KindTest)
		test.Mode, test.State = assertionState(a.Status)
		if a.Duration != nil {
			test.Duration = *a.Duration
		}
		if a.Location != nil {
			loc := *a.Location
			test.Location = &loc
		}
		for _, msg := range a.FailureMessages {
			test.Errors = append(test.Errors, taskError(msg))
		}
	}
	settleSuites(file)

	if msg := strings.TrimSpace(res.Message); msg != "" {
		// errors outside tests: failed import, syntax error, hook failure
		file.Errors = append(file.Errors, taskError(msg))
		file.State = protocol.StateFailed
	} else if res.Status == "failed" {
		file.State = protocol.StateFailed
	}
	return file
}

func assertionState(status string) (protocol.TaskMode, protocol.TaskState) {
	switch status {
	case "passed":
		return protocol.ModeRun, protocol.StatePassed
	case "failed":
		return protocol.ModeRun, protocol.StateFailed
	case "todo":
		return protocol.ModeTodo, protocol.StateSkipped
	case "skipped", "pending", "disabled":
		return protocol.ModeSkip, protocol.StateSkipped
	default:
		return protocol.ModeRun, protocol.StateWaiting
	}
}

// settleSuites derives the state of suites and the file from their children.
func settleSuites(t *protocol.Task) protocol.TaskState {
	if t.Kind == protocol.KindTest {
		return t.State
	}
	var failed, passed, skipped bool
	for _, child := range t.Tasks {
		switch settleSuites(child) {
		case protocol.StateFailed:
			failed = true
		case protocol.StatePassed:
			passed = true
		case protocol.StateSkipped:
			skipped = true
		}
	}
	switch {
	case failed:
		t.State = protocol.StateFailed
	case passed:
		t.State = protocol.StatePassed
	case skipped:
		t.State = protocol.StateSkipped
		t.Mode = protocol.ModeSkip
	default:
		t.State = protocol.StateWaiting
	}
	return t.State
}

// treeBuilder appends tasks under a file, assigning positional ids in the
// order tasks are first seen.
type treeBuilder struct {
	file   *protocol.Task
	suites map[string]*protocol.Task
}

func newTreeBuilder(file *protocol.Task) *treeBuilder {
	return &treeBuilder{file: file, suites: make(map[string]*protocol.Task)}
}

// suite returns the suite at path, creating missing ancestors.
func (b *treeBuilder) suite(path []string) *protocol.Task {
	parent := b.file
	for i, name := range path {
		key := strings.Join(path[:i+1], "\x00")
		s, ok := b.suites[key]
		if !ok {
			s = b.add(parent, name, protocol.KindSuite)
			b.suites[key] = s
		}
		parent = s
	}
	return parent
}

func (b *treeBuilder) add(parent *protocol.Task, name string, kind protocol.TaskKind) *protocol.Task {
	t := &protocol.Task{
		ID:       protocol.ChildTaskID(parent.ID, len(parent.Tasks)),
		Name:     name,
		Kind:     kind,
		Mode:     protocol.ModeRun,
		State:    protocol.StateWaiting,
		ParentID: parent.ID,
	}
	parent.Tasks = append(parent.Tasks, t)
	return t
}
