//go:build !windows

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitest-dev/vscode-sub001/filesystem"
	"github.com/vitest-dev/vscode-sub001/protocol"
	"github.com/vitest-dev/vscode-sub001/transport"
	"github.com/vitest-dev/vscode-sub001/tree"
	"github.com/vitest-dev/vscode-sub001/worker"
)

const reportTemplate = `{"success":false,"testResults":[{"name":%q,"status":"failed","assertionResults":[
{"ancestorTitles":[],"title":"add","status":"passed","duration":1},
{"ancestorTitles":[],"title":"subtract","status":"failed","failureMessages":["AssertionError: expected 1 to be 2"]}]}]}`

// workspace creates a project with one test file whose runner is a shell
// script copying a fixed report and logging its arguments.
func workspace(t *testing.T) (root, tools string) {
	t.Helper()
	root = t.TempDir()
	tools = t.TempDir()

	file := filepath.Join(root, "math.test.ts")
	require.NoError(t, os.WriteFile(file, []byte("it('add', () => {})\nit('subtract', () => {})\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tools, "report.json"), []byte(fmt.Sprintf(reportTemplate, file)), 0o644))

	script := fmt.Sprintf(`#!/bin/sh
out=""
for arg in "$@"; do
  case "$arg" in
    --outputFile=*) out="${arg#--outputFile=}" ;;
  esac
done
echo "$*" >> %[1]s/calls.log
cp %[1]s/report.json "$out"
`, tools)
	scriptPath := filepath.Join(tools, "runner.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))

	config := fmt.Sprintf(`{"command": "sh %s"}`, scriptPath)
	require.NoError(t, os.WriteFile(filepath.Join(root, ".lazytest.json"), []byte(config), 0o644))
	return root, tools
}

// inProcess starts workers on a goroutine over an in-memory channel.
func inProcess(starts *atomic.Int32) StartFunc {
	return func(ctx context.Context, onLog func(stream, line string)) (Worker, error) {
		starts.Add(1)
		a, b := transport.Pipe()
		exited := make(chan struct{})
		s := worker.New(b, worker.Options{LogOutput: io.Discard})
		go func() {
			defer close(exited)
			_ = s.Run(context.Background())
		}()
		return Worker{Conn: a, Stop: func() { _ = b.Close() }, Exited: exited}, nil
	}
}

func startEngine(t *testing.T, root string, opts Options) (*Engine, *atomic.Int32) {
	t.Helper()
	starts := new(atomic.Int32)
	opts.Root = root
	opts.Logger = zerolog.Nop()
	opts.Start = inProcess(starts)
	if opts.Init.RunnerVersion == "" {
		opts.Init.RunnerVersion = "3.1.0"
	}
	e := New(opts)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e, starts
}

func readCalls(t *testing.T, tools string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(tools, "calls.log"))
	require.NoError(t, err)
	return string(b)
}

func fileNode(t *testing.T, e *Engine) *tree.Node {
	t.Helper()
	files := e.Tree().Files()
	require.Len(t, files, 1)
	return files[0]
}

func childNamed(t *testing.T, n *tree.Node, name string) *tree.Node {
	t.Helper()
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	require.Failf(t, "missing child", "%q has no child %q", n.Name, name)
	return nil
}

func TestStartLoadsSkeleton(t *testing.T) {
	root, _ := workspace(t)
	e, starts := startEngine(t, root, Options{})

	assert.Equal(t, int32(1), starts.Load())
	state := e.Snapshot()
	assert.Equal(t, SessionReady, state.Session)
	assert.Equal(t, "3.1.0", state.Ready.RunnerVersion)

	f := fileNode(t, e)
	assert.Equal(t, filepath.Join(root, "math.test.ts"), f.File)
	require.Len(t, f.Children, 2)
	assert.Equal(t, protocol.StateWaiting, childNamed(t, f, "add").State)
}

func TestRunUpdatesTree(t *testing.T) {
	root, _ := workspace(t)
	e, _ := startEngine(t, root, Options{})
	before := childNamed(t, fileNode(t, e), "add")

	require.NoError(t, e.Run(context.Background(), nil))

	f := fileNode(t, e)
	add := childNamed(t, f, "add")
	assert.Equal(t, before.ID, add.ID, "the skeleton node keeps its identity")
	assert.Equal(t, protocol.StatePassed, add.State)
	sub := childNamed(t, f, "subtract")
	assert.Equal(t, protocol.StateFailed, sub.State)
	require.Len(t, sub.Errors, 1)
	assert.Equal(t, protocol.StateFailed, f.State)

	state := e.Snapshot()
	assert.False(t, state.Running)
	require.NotNil(t, state.LastRun)
	passed, failed, _ := state.LastRun.Totals()
	assert.Equal(t, 1, passed)
	assert.Equal(t, 1, failed)
}

func TestRunSelectsByName(t *testing.T) {
	root, tools := workspace(t)
	e, _ := startEngine(t, root, Options{})

	add := childNamed(t, fileNode(t, e), "add")
	require.NoError(t, e.Run(context.Background(), []string{add.ID}))
	assert.Contains(t, readCalls(t, tools), "--testNamePattern=^add$")

	require.NoError(t, os.Remove(filepath.Join(tools, "calls.log")))
	require.NoError(t, e.RerunLast(context.Background()))
	assert.Contains(t, readCalls(t, tools), "--testNamePattern=^add$")

	err := e.Run(context.Background(), []string{"missing"})
	assert.Error(t, err)
}

func TestRelaunchAfterWorkerDeath(t *testing.T) {
	root, _ := workspace(t)
	e, starts := startEngine(t, root, Options{})

	s := e.current()
	require.NotNil(t, s)
	require.NoError(t, s.bridge.Close())

	require.Eventually(t, func() bool {
		return e.Snapshot().Session == SessionFailed
	}, 5*time.Second, 10*time.Millisecond)
	assert.Error(t, e.Snapshot().SessionErr)

	require.NoError(t, e.Run(context.Background(), nil))
	assert.Equal(t, int32(2), starts.Load())
	assert.Equal(t, SessionReady, e.Snapshot().Session)
}

func TestStartFailure(t *testing.T) {
	root, _ := workspace(t)
	starts := new(atomic.Int32)
	e := New(Options{
		Root:   root,
		Logger: zerolog.Nop(),
		Start:  inProcess(starts),
		Init:   protocol.InitPayload{RunnerVersion: "0.9.0"},
	})
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	err := e.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported runner version")

	state := e.Snapshot()
	assert.Equal(t, SessionFailed, state.Session)
	assert.Error(t, state.SessionErr)
}

func TestToggleWatch(t *testing.T) {
	root, _ := workspace(t)
	e, _ := startEngine(t, root, Options{})
	ctx := context.Background()
	f := fileNode(t, e)

	require.NoError(t, e.ToggleWatch(ctx, f.ID))
	state := e.Snapshot()
	assert.Equal(t, WatchSelected, state.Watch)
	assert.Equal(t, []string{f.ID}, state.WatchedIDs())

	require.NoError(t, e.ToggleWatch(ctx, f.ID))
	assert.Equal(t, WatchOff, e.Snapshot().Watch)

	require.NoError(t, e.WatchAll(ctx))
	assert.Equal(t, WatchAll, e.Snapshot().Watch)
	require.NoError(t, e.Unwatch(ctx))
	assert.Equal(t, WatchOff, e.Snapshot().Watch)
}

func TestConfigChangeRestartsWorker(t *testing.T) {
	root, _ := workspace(t)
	e, starts := startEngine(t, root, Options{})

	err := e.filesChanged(context.Background(), filesystem.Batch{Changed: []string{filepath.Join(root, ".lazytest.json")}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), starts.Load())
	assert.Equal(t, SessionReady, e.Snapshot().Session)
}

func TestTreeIsSavedOnClose(t *testing.T) {
	root, _ := workspace(t)
	storePath := filepath.Join(t.TempDir(), "tree.db")
	starts := new(atomic.Int32)
	e := New(Options{
		Root:      root,
		Logger:    zerolog.Nop(),
		Start:     inProcess(starts),
		Init:      protocol.InitPayload{RunnerVersion: "3.1.0"},
		StorePath: storePath,
	})
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Run(ctx, nil))
	require.NoError(t, e.Close(ctx))
	assert.Equal(t, SessionStopped, e.Snapshot().Session)

	store, err := tree.Open(ctx, storePath)
	require.NoError(t, err)
	defer store.Close()
	loaded := tree.New(root, zerolog.Nop())
	require.NoError(t, store.Load(ctx, loaded))

	files := loaded.Files()
	require.Len(t, files, 1)
	assert.Equal(t, protocol.StatePassed, childNamed(t, files[0], "add").State)
}

type fakeDebugger struct {
	err   error
	calls atomic.Int32
}

func (d *fakeDebugger) Attach(ctx context.Context, addr string) error {
	d.calls.Add(1)
	return d.err
}

func TestDebug(t *testing.T) {
	root, tools := workspace(t)
	dbg := &fakeDebugger{}
	e, starts := startEngine(t, root, Options{Debugger: dbg, InspectAddr: "127.0.0.1:9339"})

	require.NoError(t, e.Debug(context.Background(), nil))
	assert.Equal(t, int32(1), dbg.calls.Load())
	assert.Equal(t, int32(2), starts.Load(), "debug runs get their own worker")
	assert.Equal(t, Attached, e.Snapshot().Attach)
	assert.Contains(t, readCalls(t, tools), "--inspect=127.0.0.1:9339")

	// results of the debug run land in the same tree
	assert.Equal(t, protocol.StatePassed, childNamed(t, fileNode(t, e), "add").State)
	assert.Equal(t, SessionReady, e.Snapshot().Session, "the main worker is untouched")
}

func TestDebugAttachFailure(t *testing.T) {
	root, _ := workspace(t)
	dbg := &fakeDebugger{err: errors.New("refused")}
	e, _ := startEngine(t, root, Options{Debugger: dbg})

	err := e.Debug(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttachFailed)
	assert.Equal(t, AttachFailed, e.Snapshot().Attach)
}

func TestConsoleLogGoesToFile(t *testing.T) {
	e := New(Options{Root: "/work", Logger: zerolog.Nop()})
	e.OnTestRunStart(nil, false)
	e.OnCollected(&protocol.Task{
		ID: "f", Kind: protocol.KindFile, File: "/work/a.test.ts", State: protocol.StateRunning,
		Tasks: []*protocol.Task{{ID: "t1", Name: "logs", Kind: protocol.KindTest, State: protocol.StateRunning}},
	}, false)

	e.OnConsoleLog(protocol.ConsoleLog{Content: "hello", TaskID: "t1"})
	e.OnConsoleLog(protocol.ConsoleLog{Content: "stray\n"})
	e.OnProcessLog("stderr", "worker says hi")

	files := e.Tree().Files()
	require.Len(t, files, 1)
	state := e.Snapshot()
	assert.Equal(t, "hello\n", state.Outputs[files[0].ID])
	assert.Equal(t, "stray\n", state.Outputs[""])
	assert.Equal(t, []string{"worker says hi"}, state.ProcessLog)
	assert.True(t, state.Running)

	e.OnTestRunEnd(nil, protocol.ErrorSummary{Errors: []protocol.TaskError{{Name: "Error", Message: "boom"}}}, false)
	state = e.Snapshot()
	assert.False(t, state.Running)
	assert.Contains(t, state.Outputs[""], "Error: boom")
}

func TestWatchReRunsChangedFile(t *testing.T) {
	root, tools := workspace(t)
	e, _ := startEngine(t, root, Options{Watch: true, Debounce: 20 * time.Millisecond})
	require.NoError(t, e.WatchAll(context.Background()))

	// let the watcher settle before touching the file
	time.Sleep(100 * time.Millisecond)
	file := filepath.Join(root, "math.test.ts")
	require.NoError(t, os.WriteFile(file, []byte("it('add', () => {})\n"), 0o644))

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(tools, "calls.log"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, readCalls(t, tools), file)
}

func TestRemovedImportReRunsDependents(t *testing.T) {
	root, tools := workspace(t)
	file := filepath.Join(root, "math.test.ts")
	cases := filepath.Join(root, "cases.ts")
	require.NoError(t, os.WriteFile(cases, []byte("export const rows = [[1, 1]];\n"), 0o644))
	require.NoError(t, os.WriteFile(file, []byte("import { rows } from './cases';\nit('add', () => {})\nit('subtract', () => {})\n"), 0o644))

	e, _ := startEngine(t, root, Options{})
	ctx := context.Background()
	require.NoError(t, e.WatchAll(ctx))

	require.NoError(t, os.Remove(cases))
	require.NoError(t, e.filesChanged(ctx, filesystem.Batch{Removed: []string{cases}}))

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(tools, "calls.log"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, readCalls(t, tools), file)
}
