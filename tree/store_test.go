package tree

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitest-dev/vscode-sub001/protocol"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "state", "tree.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	tr := New(root, zerolog.Nop())
	tr.Reconcile(tableModule(protocol.StateWaiting, true, 1, 2), Collect)
	tr.Reconcile(fileTask("", "table.test.ts", protocol.StateFailed,
		suiteTask("s", "math", protocol.StateFailed,
			testTask("c0", "adds 1 + 1", protocol.StatePassed),
			&protocol.Task{ID: "c1", Name: "adds 2 + 2", Kind: protocol.KindTest, State: protocol.StateFailed,
				Errors: []protocol.TaskError{{Name: "AssertionError", Message: "expected 4 to be 5"}}},
		)), Run)
	tr.Reconcile(fileTask("web", "b.test.ts", protocol.StateWaiting, testTask("1", "renders", protocol.StateWaiting)), Collect)
	require.NoError(t, s.Save(ctx, tr))

	loaded := New(root, zerolog.Nop())
	require.NoError(t, s.Load(ctx, loaded))
	assert.Equal(t, flatten(tr.Files()), flatten(loaded.Files()))

	math := suiteOf(t, loaded)
	failed := child(t, math, "adds 2 + 2")
	require.Len(t, failed.Errors, 1)
	assert.Equal(t, "expected 4 to be 5", failed.Errors[0].Message)
	ps := patterns(math)
	require.Len(t, ps, 1)
	assert.Equal(t, ps[0].ID, failed.PatternID)

	spec, ok := loaded.FileOf(failed.ID)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "table.test.ts"), spec.File)

	// file ids are known before the next pass
	fileID := protocol.FileTaskID("web", "b.test.ts")
	assert.Zero(t, loaded.ApplyPacks([]protocol.TaskPack{{ID: fileID, State: protocol.StateRunning}}))
}

func TestStoreDropsRunningState(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	tr := New(root, zerolog.Nop())
	tr.Reconcile(fileTask("", "a.test.ts", protocol.StateWaiting, testTask("1", "slow", protocol.StateWaiting)), Collect)
	tr.ApplyPacks([]protocol.TaskPack{{ID: "1", State: protocol.StateRunning}})
	require.NoError(t, s.Save(ctx, tr))

	// saving again replaces the snapshot
	require.NoError(t, s.Save(ctx, tr))

	loaded := New(root, zerolog.Nop())
	require.NoError(t, s.Load(ctx, loaded))
	files := loaded.Files()
	require.Len(t, files, 1)
	require.Len(t, files[0].Children, 1)
	assert.Equal(t, protocol.StateWaiting, files[0].Children[0].State)
}
