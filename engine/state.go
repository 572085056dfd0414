package engine

import (
	"sort"

	"github.com/vitest-dev/vscode-sub001/protocol"
)

// SessionStatus is the lifecycle of the worker session.
type SessionStatus int

const (
	// SessionStopped means no worker runs; the next call starts one.
	SessionStopped SessionStatus = iota
	SessionStarting
	SessionReady
	// SessionFailed means the worker failed to start or died. The next call
	// relaunches it.
	SessionFailed
)

func (s SessionStatus) String() string {
	switch s {
	case SessionStarting:
		return "starting"
	case SessionReady:
		return "ready"
	case SessionFailed:
		return "failed"
	default:
		return "stopped"
	}
}

// WatchMode mirrors the tracking mode requested from the worker.
type WatchMode int

const (
	WatchOff WatchMode = iota
	WatchSelected
	WatchAll
)

// RunSummary is the outcome of the last finished run.
type RunSummary struct {
	Files      []protocol.FileResult
	Errors     []protocol.TaskError
	Reason     string
	Collecting bool
}

// Totals sums the file results.
func (r RunSummary) Totals() (passed, failed, skipped int) {
	for _, f := range r.Files {
		passed += f.Passed
		failed += f.Failed
		skipped += f.Skipped
	}
	return passed, failed, skipped
}

const maxProcessLog = 500

// State is what the explorer shows besides the tree itself.
type State struct {
	Session    SessionStatus
	SessionErr error
	Ready      protocol.ReadyPayload

	Running    bool
	Collecting bool
	LastRun    *RunSummary

	Watch   WatchMode
	Watched map[string]struct{} // node ids

	Coverage    bool
	CoverageDir string

	Attach AttachStatus

	// Outputs holds console output per file node id. Output that belongs
	// to no test is kept under "".
	Outputs    map[string]string
	ProcessLog []string

	RootPath string
}

// NewState creates a new State instance.
func NewState(rootPath string) State {
	return State{
		RootPath: rootPath,
		Watched:  make(map[string]struct{}),
		Outputs:  make(map[string]string),
	}
}

func (s *State) appendProcessLog(line string) {
	s.ProcessLog = append(s.ProcessLog, line)
	if over := len(s.ProcessLog) - maxProcessLog; over > 0 {
		s.ProcessLog = append([]string(nil), s.ProcessLog[over:]...)
	}
}

// WatchedIDs returns the watched node ids, sorted for stable rendering.
func (s State) WatchedIDs() []string {
	result := make([]string, 0, len(s.Watched))
	for id := range s.Watched {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

func (s State) clone() State {
	c := s
	c.Watched = make(map[string]struct{}, len(s.Watched))
	for k := range s.Watched {
		c.Watched[k] = struct{}{}
	}
	c.Outputs = make(map[string]string, len(s.Outputs))
	for k, v := range s.Outputs {
		c.Outputs[k] = v
	}
	c.ProcessLog = append([]string(nil), s.ProcessLog...)
	if s.LastRun != nil {
		run := *s.LastRun
		c.LastRun = &run
	}
	return c
}
