package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachState(t *testing.T) {
	a := NewAttachState()
	assert.Equal(t, AttachUnknown, a.Status())

	result := make(chan AttachStatus, 1)
	go func() {
		status, _ := a.Wait(context.Background())
		result <- status
	}()

	assert.True(t, a.Resolve(true))
	assert.False(t, a.Resolve(false), "only the first outcome counts")

	select {
	case status := <-result:
		assert.Equal(t, Attached, status)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return")
	}

	status, err := a.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Attached, status)
	assert.Equal(t, "attached", status.String())
}

func TestAttachStateWaitTimeout(t *testing.T) {
	a := NewAttachState()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	status, err := a.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, AttachUnknown, status)

	a.Resolve(false)
	assert.Equal(t, AttachFailed, a.Status())
}

func TestInspectorProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	probe := InspectorProbe{Timeout: time.Second}
	assert.NoError(t, probe.Attach(context.Background(), ln.Addr().String()))
}

func TestInspectorProbeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	probe := InspectorProbe{Timeout: 200 * time.Millisecond}
	start := time.Now()
	assert.Error(t, probe.Attach(context.Background(), addr))
	assert.Less(t, time.Since(start), 5*time.Second)
}
