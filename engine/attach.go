package engine

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"gopkg.in/cenkalti/backoff.v1"
)

// ErrAttachFailed is returned by debug runs whose debugger never attached.
var ErrAttachFailed = errors.New("debugger failed to attach")

// AttachStatus is the outcome of a debugger attach.
type AttachStatus int

const (
	AttachUnknown AttachStatus = iota
	Attached
	AttachFailed
)

func (s AttachStatus) String() string {
	switch s {
	case Attached:
		return "attached"
	case AttachFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AttachState records whether the debugger of one debug session attached.
// It is resolved once; Wait returns the outcome whether it is called before
// or after that.
type AttachState struct {
	mu     sync.Mutex
	status AttachStatus
	done   chan struct{}
}

// NewAttachState creates an unresolved state.
func NewAttachState() *AttachState {
	return &AttachState{done: make(chan struct{})}
}

// Resolve sets the outcome. Only the first call has an effect; it reports
// whether this call was it.
func (a *AttachState) Resolve(attached bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != AttachUnknown {
		return false
	}
	a.status = AttachFailed
	if attached {
		a.status = Attached
	}
	close(a.done)
	return true
}

// Status returns the current outcome without waiting.
func (a *AttachState) Status() AttachStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Wait blocks until the state is resolved or ctx is done.
func (a *AttachState) Wait(ctx context.Context) (AttachStatus, error) {
	select {
	case <-a.done:
		return a.Status(), nil
	case <-ctx.Done():
		return AttachUnknown, ctx.Err()
	}
}

// Debugger attaches to the inspector of a debug run.
type Debugger interface {
	Attach(ctx context.Context, addr string) error
}

// InspectorProbe is the default Debugger: it reports an attach once the
// inspector accepts connections. An editor integration attaches for real.
type InspectorProbe struct {
	// Timeout bounds the wait for the inspector. Defaults to 30s.
	Timeout time.Duration
}

func (p InspectorProbe) Attach(ctx context.Context, addr string) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = timeout

	var dialer net.Dialer
	return backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}, b)
}
