package ui

import (
	"errors"
	"strings"
	"testing"

	"github.com/vitest-dev/vscode-sub001/engine"
	"github.com/vitest-dev/vscode-sub001/protocol"
	"github.com/vitest-dev/vscode-sub001/tree"
)

func TestVisibleRange(t *testing.T) {
	tests := []struct {
		cursor, total, height int
		start, end            int
	}{
		{0, 3, 10, 0, 3},
		{0, 20, 10, 0, 10},
		{12, 20, 10, 7, 17},
		{19, 20, 10, 10, 20},
		{5, 20, 0, 0, 0},
	}
	for _, tt := range tests {
		start, end := visibleRange(tt.cursor, tt.total, tt.height)
		if start != tt.start || end != tt.end {
			t.Errorf("visibleRange(%d, %d, %d) = %d, %d; want %d, %d",
				tt.cursor, tt.total, tt.height, start, end, tt.start, tt.end)
		}
		if tt.total > 0 && tt.height > 0 && (tt.cursor < start || tt.cursor >= end) {
			t.Errorf("cursor %d outside [%d, %d)", tt.cursor, start, end)
		}
	}
}

func TestNodeIcon(t *testing.T) {
	if got := nodeIcon(DisplayNode{}); got != "📁" {
		t.Errorf("directory icon = %q", got)
	}
	failed := &tree.Node{Kind: protocol.KindTest, State: protocol.StateFailed}
	if got := nodeIcon(DisplayNode{Node: failed}); got != "❌" {
		t.Errorf("failed icon = %q", got)
	}
	todo := &tree.Node{Kind: protocol.KindTest, Mode: protocol.ModeTodo, State: protocol.StateSkipped}
	if got := nodeIcon(DisplayNode{Node: todo}); got != "📝" {
		t.Errorf("todo icon = %q", got)
	}
}

func TestRenderOutput(t *testing.T) {
	state := engine.NewState("/work")
	state.Outputs["f"] = "console line\n"
	state.Outputs[""] = "Error: boom\n"
	state.ProcessLog = []string{"worker started"}

	test := &tree.Node{
		ID:    "t",
		Kind:  protocol.KindTest,
		State: protocol.StateFailed,
		Errors: []protocol.TaskError{{
			Name:     "AssertionError",
			Message:  "expected 1 to be 2",
			Expected: "2",
			Actual:   "1",
		}},
	}
	out := renderOutput(DisplayNode{Node: test, FileID: "f"}, state)
	for _, want := range []string{"AssertionError: expected 1 to be 2", "expected: 2", "actual:   1", "console line", "Error: boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q is missing %q", out, want)
		}
	}
	if strings.Contains(out, "worker started") {
		t.Error("test output should not include the worker log")
	}

	state.SessionErr = errors.New("exited")
	dir := renderOutput(DisplayNode{DisplayName: "src"}, state)
	if !strings.Contains(dir, "worker started") || !strings.Contains(dir, "exited") {
		t.Errorf("directory output %q should show the worker log and error", dir)
	}
}

func TestStatusLine(t *testing.T) {
	state := engine.NewState("/work")
	state.Session = engine.SessionReady
	state.Ready.RunnerVersion = "3.1.0"
	state.Watch = engine.WatchAll
	state.Coverage = true
	state.LastRun = &engine.RunSummary{Files: []protocol.FileResult{{Passed: 2, Failed: 1}}}

	line := statusLine(state)
	for _, want := range []string{"worker ready (vitest 3.1.0)", "2 passed", "1 failed", "watching all", "coverage on"} {
		if !strings.Contains(line, want) {
			t.Errorf("status %q is missing %q", line, want)
		}
	}

	state.Running = true
	if !strings.Contains(statusLine(state), "running...") {
		t.Error("expected running status")
	}
}
