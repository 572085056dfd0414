// Package protocol holds the wire types exchanged between the explorer and the
// worker process, and the names of the remote methods and events.
package protocol

import (
	"strings"
)

// Specification identifies one collectible/runnable unit: a test module
// inside a named project, optionally pinned to a browser.
type Specification struct {
	Project string         `json:"project"`
	File    string         `json:"file"`
	Pool    string         `json:"pool,omitempty"`
	Browser *BrowserTarget `json:"browser,omitempty"`
}

// BrowserTarget is set for specifications executed by a browser provider.
type BrowserTarget struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
}

// Key returns a string that is unique for the specification within one
// runner session. The same file under two projects yields two keys.
func (s Specification) Key() string {
	var b strings.Builder
	b.WriteString(s.Project)
	b.WriteByte(0)
	b.WriteString(s.File)
	if s.Browser != nil {
		b.WriteByte(0)
		b.WriteString(s.Browser.Provider)
		b.WriteByte(0)
		b.WriteString(s.Browser.Name)
	}
	return b.String()
}

// Selection is the "specsOrDirs" argument of runTests, updateSnapshots and
// watchTests. An empty selection means every relevant specification.
type Selection struct {
	Dirs  []string        `json:"dirs,omitempty"`
	Specs []Specification `json:"specs,omitempty"`
}

// IsEmpty reports whether nothing was selected.
func (s *Selection) IsEmpty() bool {
	return s == nil || (len(s.Dirs) == 0 && len(s.Specs) == 0)
}

// TaskKind distinguishes files, suites and test cases.
type TaskKind string

const (
	KindFile  TaskKind = "file"
	KindSuite TaskKind = "suite"
	KindTest  TaskKind = "test"
)

// TaskMode is the declared mode of a task.
type TaskMode string

const (
	ModeRun  TaskMode = "run"
	ModeSkip TaskMode = "skip"
	ModeTodo TaskMode = "todo"
)

// TaskState is the execution state of a task.
type TaskState string

const (
	StateWaiting TaskState = "waiting"
	StateRunning TaskState = "running"
	StatePassed  TaskState = "passed"
	StateFailed  TaskState = "failed"
	StateSkipped TaskState = "skipped"
)

// Done reports whether the state is terminal for a run.
func (s TaskState) Done() bool {
	return s == StatePassed || s == StateFailed || s == StateSkipped
}

// Location is a 1-based source position.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// TaskError is an error attached to a task for inline display.
type TaskError struct {
	Name     string `json:"name,omitempty"`
	Message  string `json:"message"`
	Stack    string `json:"stack,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// Task is one runner-reported unit. IDs are assigned by the runner and are
// only stable within a single collection pass.
type Task struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Kind     TaskKind    `json:"kind"`
	Mode     TaskMode    `json:"mode"`
	State    TaskState   `json:"state"`
	ParentID string      `json:"parentId,omitempty"`
	Location *Location   `json:"location,omitempty"`
	Each     bool        `json:"each,omitempty"`
	Duration float64     `json:"duration,omitempty"`
	Errors   []TaskError `json:"errors,omitempty"`
	Tasks    []*Task     `json:"tasks,omitempty"`

	// File-level fields.
	Project string `json:"project,omitempty"`
	File    string `json:"file,omitempty"`
}

// Walk calls fn for t and every descendant, depth first.
func (t *Task) Walk(fn func(*Task)) {
	if t == nil {
		return
	}
	fn(t)
	for _, c := range t.Tasks {
		c.Walk(fn)
	}
}

// Spec returns the specification of a file task.
func (t *Task) Spec() Specification {
	return Specification{Project: t.Project, File: t.File}
}

// TaskPack is one entry of an onTaskUpdate batch.
type TaskPack struct {
	ID       string      `json:"id"`
	State    TaskState   `json:"state"`
	Duration float64     `json:"duration,omitempty"`
	Errors   []TaskError `json:"errors,omitempty"`
}

// ConsoleLog is console output captured while a task was running.
type ConsoleLog struct {
	Content string `json:"content"`
	Stream  string `json:"stream"`
	TaskID  string `json:"taskId,omitempty"`
	Time    int64  `json:"time"`
}

// ErrorSummary lists errors that happened outside of any test.
type ErrorSummary struct {
	Errors []TaskError `json:"errors,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// FileResult is the aggregate of a file reported on run end.
type FileResult struct {
	Project string    `json:"project"`
	File    string    `json:"file"`
	State   TaskState `json:"state"`
	Passed  int       `json:"passed"`
	Failed  int       `json:"failed"`
	Skipped int       `json:"skipped"`
}

// Aggregate counts the terminal states of a file task's test cases.
func Aggregate(file *Task) FileResult {
	res := FileResult{Project: file.Project, File: file.File, State: file.State}
	file.Walk(func(t *Task) {
		if t.Kind != KindTest {
			return
		}
		switch t.State {
		case StatePassed:
			res.Passed++
		case StateFailed:
			res.Failed++
		case StateSkipped:
			res.Skipped++
		}
	})
	if res.State == "" || res.State == StateRunning || res.State == StateWaiting {
		switch {
		case res.Failed > 0:
			res.State = StateFailed
		case res.Passed > 0:
			res.State = StatePassed
		case res.Skipped > 0:
			res.State = StateSkipped
		}
	}
	return res
}
