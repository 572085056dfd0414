package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitest-dev/vscode-sub001/transport"
)

func newPair(t *testing.T) (*Bridge, *Bridge) {
	t.Helper()
	a, b := transport.Pipe()
	left := New(transport.New(a, zerolog.Nop()), zerolog.Nop())
	right := New(transport.New(b, zerolog.Nop()), zerolog.Nop())
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})
	return left, right
}

func start(bridges ...*Bridge) {
	for _, b := range bridges {
		b.Transport().Start()
	}
}

func TestCallReturnsResult(t *testing.T) {
	editor, worker := newPair(t)
	worker.Handle("add", func(ctx context.Context, args []json.RawMessage) (any, error) {
		var x, y int
		require.NoError(t, Arg(args, 0, &x))
		require.NoError(t, Arg(args, 1, &y))
		return x + y, nil
	})
	start(editor, worker)

	var sum int
	require.NoError(t, editor.Call(context.Background(), "add", &sum, 2, 3))
	assert.Equal(t, 5, sum)
	assert.Equal(t, 0, editor.Pending())
}

func TestResponsesMatchOutOfOrder(t *testing.T) {
	editor, worker := newPair(t)
	release := make(chan struct{})
	worker.Handle("slow", func(ctx context.Context, args []json.RawMessage) (any, error) {
		<-release
		return "slow", nil
	})
	worker.Handle("fast", func(ctx context.Context, args []json.RawMessage) (any, error) {
		return "fast", nil
	})
	start(editor, worker)

	slowDone := make(chan string, 1)
	go func() {
		var out string
		_ = editor.Call(context.Background(), "slow", &out)
		slowDone <- out
	}()

	// the slow handler must not block the fast one
	var fast string
	require.NoError(t, editor.Call(context.Background(), "fast", &fast))
	assert.Equal(t, "fast", fast)

	close(release)
	select {
	case out := <-slowDone:
		assert.Equal(t, "slow", out)
	case <-time.After(time.Second):
		t.Fatal("slow call never completed")
	}
}

func TestHandlerErrorBecomesRemoteError(t *testing.T) {
	editor, worker := newPair(t)
	worker.Handle("collectTests", func(ctx context.Context, args []json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})
	start(editor, worker)

	err := editor.Call(context.Background(), "collectTests", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "boom", remote.Message)
	assert.Equal(t, "collectTests", remote.Method)
}

func TestHandlerPanicIsReported(t *testing.T) {
	editor, worker := newPair(t)
	worker.Handle("explode", func(ctx context.Context, args []json.RawMessage) (any, error) {
		panic("kaboom")
	})
	start(editor, worker)

	err := editor.Call(context.Background(), "explode", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "Panic", remote.Name)
	assert.Contains(t, remote.Message, "kaboom")
	assert.NotEmpty(t, remote.Stack)

	// channel survives the panic
	worker.Handle("ping", func(ctx context.Context, args []json.RawMessage) (any, error) { return "pong", nil })
	var out string
	require.NoError(t, editor.Call(context.Background(), "ping", &out))
	assert.Equal(t, "pong", out)
}

func TestUnknownMethod(t *testing.T) {
	editor, worker := newPair(t)
	start(editor, worker)

	err := editor.Call(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrMethodNotFound)
}

func TestCloseRejectsAllPendingCalls(t *testing.T) {
	editor, worker := newPair(t)
	entered := make(chan struct{}, 2)
	worker.Handle("runTests", func(ctx context.Context, args []json.RawMessage) (any, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	start(editor, worker)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = editor.Call(context.Background(), "runTests", nil)
		}(i)
	}
	<-entered
	<-entered

	require.NoError(t, worker.Close())
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrChannelClosed)
	}
	assert.Equal(t, 0, editor.Pending())

	assert.ErrorIs(t, editor.Call(context.Background(), "runTests", nil), ErrChannelClosed)
}

func TestCallHonorsContext(t *testing.T) {
	editor, worker := newPair(t)
	worker.Handle("hang", func(ctx context.Context, args []json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, nil
	})
	start(editor, worker)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := editor.Call(ctx, "hang", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, editor.Pending())
}

func TestEventsArriveInOrder(t *testing.T) {
	editor, worker := newPair(t)
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	editor.On("onTaskUpdate", func(args []json.RawMessage) {
		var n int
		require.NoError(t, Arg(args, 0, &n))
		mu.Lock()
		got = append(got, n)
		if len(got) == 50 {
			close(done)
		}
		mu.Unlock()
	})
	start(editor, worker)

	for i := 0; i < 50; i++ {
		require.NoError(t, worker.Emit("onTaskUpdate", i))
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("events not delivered")
	}
	for i, n := range got {
		assert.Equal(t, i, n)
	}
}

func TestArgLeavesMissingUntouched(t *testing.T) {
	pattern := "keep"
	require.NoError(t, Arg(nil, 0, &pattern))
	require.NoError(t, Arg([]json.RawMessage{json.RawMessage("null")}, 0, &pattern))
	assert.Equal(t, "keep", pattern)
}

func TestCloseWhenIdleAnswersFirst(t *testing.T) {
	editor, worker := newPair(t)
	worker.Handle("finish", func(ctx context.Context, args []json.RawMessage) (any, error) {
		worker.CloseWhenIdle()
		return "done", nil
	})
	start(editor, worker)

	var result string
	require.NoError(t, editor.Call(context.Background(), "finish", &result))
	assert.Equal(t, "done", result)

	select {
	case <-worker.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel was not closed")
	}
}
