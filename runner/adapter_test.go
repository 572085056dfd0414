package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitest-dev/vscode-sub001/analysis"
	"github.com/vitest-dev/vscode-sub001/protocol"
	"github.com/vitest-dev/vscode-sub001/watch"
)

var (
	mathSpec   = protocol.Specification{Project: "project-a", File: "/repo/src/math.test.ts"}
	stringSpec = protocol.Specification{Project: "project-a", File: "/repo/lib/string.test.ts"}
)

func newModernAdapter(t *testing.T, opts AdapterOptions) (*Adapter, *fakeModern) {
	t.Helper()
	api := newFakeModern(mathSpec, stringSpec)
	strategy, err := SelectStrategy(context.Background(), "3.0.4", &fakeOpener{modern: api}, opts.Settings)
	require.NoError(t, err)
	opts.Logger = zerolog.Nop()
	return NewAdapter(strategy, opts), api
}

func TestSelectStrategy(t *testing.T) {
	tests := []struct {
		version string
		want    Generation
		wantErr bool
	}{
		{"3.0.0", GenerationModern, false},
		{"3.2.0-beta.1", GenerationModern, false},
		{"v4.0.1", GenerationModern, false},
		{"2.1.9", GenerationLegacy, false},
		{"1.6.0", GenerationLegacy, false},
		{"0.34.6", "", true},
		{"not-a-version", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			opener := &fakeOpener{legacy: &fakeLegacy{}, modern: newFakeModern()}
			strategy, err := SelectStrategy(context.Background(), tt.version, opener, Settings{})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedVersion)
				assert.Empty(t, opener.opened)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, strategy.Generation())
			assert.Equal(t, tt.want, opener.opened)
		})
	}
}

func TestGetFilesInvalidatesCache(t *testing.T) {
	a, api := newModernAdapter(t, AdapterOptions{})

	specs, err := a.GetFiles(context.Background())
	require.NoError(t, err)
	assert.Len(t, specs, 2)
	assert.Equal(t, 1, api.cacheClears)

	_, err = a.GetFiles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, api.cacheClears)
}

func TestRunSelection(t *testing.T) {
	a, api := newModernAdapter(t, AdapterOptions{})
	ctx := context.Background()

	require.NoError(t, a.RunTests(ctx, protocol.Selection{}, ""))
	require.NoError(t, a.RunTests(ctx, protocol.Selection{Dirs: []string{"/repo/lib/"}}, ""))
	require.NoError(t, a.RunTests(ctx, protocol.Selection{Specs: []protocol.Specification{mathSpec}}, ""))

	require.Len(t, api.runs, 3)
	assert.Len(t, api.runs[0], 2)
	assert.Equal(t, []protocol.Specification{stringSpec}, api.runs[1])
	assert.Equal(t, []protocol.Specification{mathSpec}, api.runs[2])
}

func TestNamePatternIsRestored(t *testing.T) {
	ctx := context.Background()

	t.Run("modern success", func(t *testing.T) {
		a, api := newModernAdapter(t, AdapterOptions{})
		api.SetGlobalTestNamePattern("bar")

		require.NoError(t, a.RunTests(ctx, protocol.Selection{}, "foo"))
		assert.Equal(t, []string{"foo"}, api.runPatterns)
		assert.Equal(t, "bar", api.GlobalTestNamePattern())
	})

	t.Run("modern failure", func(t *testing.T) {
		a, api := newModernAdapter(t, AdapterOptions{})
		api.SetGlobalTestNamePattern("bar")
		api.runErr = errors.New("suite exploded")

		err := a.RunTests(ctx, protocol.Selection{}, "foo")
		assert.Error(t, err)
		assert.Equal(t, "bar", api.GlobalTestNamePattern())
	})

	t.Run("legacy failure", func(t *testing.T) {
		api := &fakeLegacy{files: []protocol.Specification{mathSpec}, pattern: "bar"}
		strategy, err := SelectStrategy(ctx, "2.1.0", &fakeOpener{legacy: api}, Settings{})
		require.NoError(t, err)
		a := NewAdapter(strategy, AdapterOptions{Logger: zerolog.Nop()})

		assert.Error(t, a.RunTests(ctx, protocol.Selection{}, "boom"))
		assert.Equal(t, "bar", api.pattern)
	})

	t.Run("unrelated run does not inherit pattern", func(t *testing.T) {
		a, api := newModernAdapter(t, AdapterOptions{})
		api.SetGlobalTestNamePattern("bar")

		require.NoError(t, a.RunTests(ctx, protocol.Selection{}, ""))
		assert.Equal(t, []string{""}, api.runPatterns)
		assert.Equal(t, "bar", api.GlobalTestNamePattern())
	})
}

func TestUpdateSnapshotsResetsFlag(t *testing.T) {
	a, api := newModernAdapter(t, AdapterOptions{})
	api.runErr = errors.New("snapshot mismatch")

	err := a.UpdateSnapshots(context.Background(), protocol.Selection{Specs: []protocol.Specification{mathSpec}}, "")
	assert.Error(t, err)
	assert.Equal(t, []bool{true}, api.runUpdates)
	assert.False(t, api.update)
}

func TestCollectMarksPass(t *testing.T) {
	observer := &observerRecorder{}
	a, api := newModernAdapter(t, AdapterOptions{Observer: observer})

	require.NoError(t, a.CollectTests(context.Background(), []protocol.Specification{mathSpec}))
	assert.Len(t, api.collected, 1)
	assert.Equal(t, []bool{true, false}, observer.values)
}

func TestCancelRun(t *testing.T) {
	t.Run("honored", func(t *testing.T) {
		a, api := newModernAdapter(t, AdapterOptions{})
		api.block = make(chan struct{})

		done := make(chan error, 1)
		go func() { done <- a.RunTests(context.Background(), protocol.Selection{}, "") }()
		require.Eventually(t, func() bool { return api.runCount() == 1 }, time.Second, 5*time.Millisecond)

		require.NoError(t, a.CancelRun(context.Background()))
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("run did not stop after cancel")
		}
	})

	t.Run("bounded", func(t *testing.T) {
		a, api := newModernAdapter(t, AdapterOptions{CancelTimeout: 20 * time.Millisecond})
		api.ignoreCancel = true

		start := time.Now()
		require.NoError(t, a.CancelRun(context.Background()))
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestWatchAndContinuousRun(t *testing.T) {
	root := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}
	utils := write("src/utils.ts", "export const add = (a, b) => a + b;")
	mathFile := write("src/math.test.ts", "import { add } from './utils';")
	otherFile := write("other/other.test.ts", "it('x', () => {})")

	graph := analysis.NewGraph()
	require.NoError(t, graph.Build(root))

	math := protocol.Specification{Project: "", File: mathFile}
	other := protocol.Specification{Project: "", File: otherFile}
	api := newFakeModern(math, other)
	strategy, err := SelectStrategy(context.Background(), "3.1.0", &fakeOpener{modern: api}, Settings{})
	require.NoError(t, err)
	a := NewAdapter(strategy, AdapterOptions{Logger: zerolog.Nop(), Graph: graph, Debounce: 10 * time.Millisecond})
	ctx := context.Background()

	_, err = a.GetFiles(ctx)
	require.NoError(t, err)

	// not watching: nothing runs
	require.NoError(t, a.OnFilesChanged(ctx, []string{utils}))
	assert.Equal(t, 0, api.runCount())

	require.NoError(t, a.WatchTests(ctx, protocol.Selection{Dirs: []string{filepath.Join(root, "src")}}, "adds"))
	assert.Equal(t, watch.TrackSelected, a.Filter().Mode())

	require.NoError(t, a.OnFilesChanged(ctx, []string{utils}))
	require.Equal(t, 1, api.runCount())
	assert.Equal(t, []protocol.Specification{math}, api.runs[0])
	assert.Equal(t, "adds", api.runPatterns[0])
	assert.Contains(t, api.invalidated, utils)

	// a rejected test file that changed is collected instead
	require.NoError(t, a.OnFilesChanged(ctx, []string{otherFile}))
	assert.Equal(t, 1, api.runCount())
	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.collected) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.UnwatchTests(ctx))
	assert.Equal(t, watch.Disabled, a.Filter().Mode())
}

func TestDebugSession(t *testing.T) {
	debugDone := make(chan struct{})
	settings := SettingsFor(&protocol.DebugOptions{InspectAddr: "127.0.0.1:9339"})
	assert.False(t, settings.FileParallelism)
	assert.Equal(t, 1, settings.MaxWorkers)
	assert.True(t, settings.DisableTimeouts)

	a, api := newModernAdapter(t, AdapterOptions{
		Settings:    settings,
		OnDebugDone: func() { close(debugDone) },
	})
	ctx := context.Background()

	assert.ErrorIs(t, a.WatchTests(ctx, protocol.Selection{}, ""), ErrDebugSession)

	require.NoError(t, a.RunTests(ctx, protocol.Selection{Specs: []protocol.Specification{mathSpec}}, ""))
	select {
	case <-debugDone:
	default:
		t.Fatal("debug session was not terminated after its run")
	}
	assert.True(t, api.closed)
	assert.ErrorIs(t, a.RunTests(ctx, protocol.Selection{}, ""), ErrDisposed)
}

func TestDisposeIsTerminal(t *testing.T) {
	a, api := newModernAdapter(t, AdapterOptions{})
	ctx := context.Background()

	require.NoError(t, a.EnableCoverage())
	assert.True(t, api.coverage)
	require.NoError(t, a.WatchTests(ctx, protocol.Selection{}, ""))

	require.NoError(t, a.Dispose(ctx))
	assert.True(t, api.closed)
	assert.False(t, api.coverage)
	assert.Equal(t, watch.Disabled, a.Filter().Mode())

	assert.ErrorIs(t, a.Dispose(ctx), ErrDisposed)
	_, err := a.GetFiles(ctx)
	assert.ErrorIs(t, err, ErrDisposed)
	assert.ErrorIs(t, a.CollectTests(ctx, []protocol.Specification{mathSpec}), ErrDisposed)
}

func TestWaitForCoverageDisabled(t *testing.T) {
	a, _ := newModernAdapter(t, AdapterOptions{})
	dir, ok, err := a.WaitForCoverageReport(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, dir)
}

func TestOnFilesChangedInvalidatesImporters(t *testing.T) {
	root := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(root, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}
	cases := write("cases.ts", "export const rows = [[1, 2, 3]];")
	mathFile := write("math.test.ts", "import { rows } from './cases';")

	graph := analysis.NewGraph()
	require.NoError(t, graph.Build(root))

	math := protocol.Specification{File: mathFile}
	api := newFakeModern(math)
	strategy, err := SelectStrategy(context.Background(), "3.1.0", &fakeOpener{modern: api}, Settings{})
	require.NoError(t, err)
	a := NewAdapter(strategy, AdapterOptions{Logger: zerolog.Nop(), Graph: graph, Debounce: 10 * time.Millisecond})
	ctx := context.Background()
	_, err = a.GetFiles(ctx)
	require.NoError(t, err)

	require.NoError(t, a.OnFilesChanged(ctx, []string{cases}))
	assert.ElementsMatch(t, []string{cases, mathFile}, api.invalidated)

	// a deleted import still reaches its importers, then leaves the graph
	api.invalidated = nil
	require.NoError(t, os.Remove(cases))
	require.NoError(t, a.OnFilesChanged(ctx, []string{cases}))
	assert.ElementsMatch(t, []string{cases, mathFile}, api.invalidated)
	assert.Empty(t, graph.GetDependents(cases))
	assert.Contains(t, graph.PendingImports[filepath.Join(root, "cases")], mathFile)
	assert.Equal(t, 0, api.runCount())
}
