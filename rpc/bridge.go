// Package rpc multiplexes remote calls and events over one transport.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/vitest-dev/vscode-sub001/protocol"
	"github.com/vitest-dev/vscode-sub001/transport"
)

var (
	// ErrChannelClosed rejects calls that were pending when the channel closed
	// and calls issued after it closed.
	ErrChannelClosed = errors.New("rpc: channel closed")
	// ErrMethodNotFound is answered for calls to unregistered methods.
	ErrMethodNotFound = errors.New("rpc: method not found")
)

// RemoteError is an error raised by the handler on the other side.
type RemoteError struct {
	Method  string
	Name    string
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	if e.Method == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// Is reports a remote "method not found" as ErrMethodNotFound.
func (e *RemoteError) Is(target error) bool {
	return target == ErrMethodNotFound && e.Name == "MethodNotFound"
}

// Handler answers one remote call. Args holds the raw encoded arguments in
// call order.
type Handler func(ctx context.Context, args []json.RawMessage) (any, error)

// EventHandler receives one remote event.
type EventHandler func(args []json.RawMessage)

type response struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	method string
	ch     chan response
}

// Bridge is one side of the bidirectional call/event interface.
//
// Calls are answered out of order: each incoming call runs in its own
// goroutine. Events are delivered in arrival order on the transport's read
// goroutine, so event handlers must not block on calls over the same bridge.
type Bridge struct {
	tr     *transport.Transport
	logger zerolog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingCall
	methods  map[string]Handler
	events   map[string][]EventHandler
	other    []func(transport.Message)
	closed   bool
	closeErr error

	// serving counts calls whose response is not sent yet
	serving   int
	closeIdle bool

	// handler contexts are cancelled when the channel closes
	ctx    context.Context
	cancel context.CancelFunc
}

// New attaches a bridge to tr. Register handlers before calling tr.Start.
func New(tr *transport.Transport, logger zerolog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		tr:      tr,
		logger:  logger.With().Str("component", "rpc").Logger(),
		pending: make(map[string]*pendingCall),
		methods: make(map[string]Handler),
		events:  make(map[string][]EventHandler),
		ctx:     ctx,
		cancel:  cancel,
	}
	tr.OnMessage(b.dispatch)
	tr.OnClose(b.rejectAll)
	return b
}

// Transport returns the underlying transport.
func (b *Bridge) Transport() *transport.Transport {
	return b.tr
}

// Handle registers the handler for method, replacing any previous one.
func (b *Bridge) Handle(method string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.methods[method] = h
}

// On registers an event handler.
func (b *Bridge) On(event string, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event] = append(b.events[event], h)
}

// OnOther receives messages that are not rpc frames (init, ready, error).
func (b *Bridge) OnOther(fn func(transport.Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.other = append(b.other, fn)
}

// Call invokes method on the other side and decodes the result into result,
// which may be nil. Call returns when the matching response arrives, ctx is
// done, or the channel closes.
func (b *Bridge) Call(ctx context.Context, method string, result any, args ...any) error {
	raw, err := encodeArgs(args)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	id := ulid.Make().String()
	call := &pendingCall{method: method, ch: make(chan response, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", method, ErrChannelClosed)
	}
	b.pending[id] = call
	b.mu.Unlock()

	if err := b.tr.Send(transport.Message{Type: transport.TypeCall, ID: id, Method: method, Args: raw}); err != nil {
		b.forget(id)
		if errors.Is(err, transport.ErrClosed) {
			return fmt.Errorf("%s: %w", method, ErrChannelClosed)
		}
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case resp := <-call.ch:
		if resp.err != nil {
			return resp.err
		}
		if result == nil || len(resp.result) == 0 {
			return nil
		}
		if err := transport.Unmarshal(resp.result, result); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		b.forget(id)
		return ctx.Err()
	}
}

// Emit sends an event. No response is expected.
func (b *Bridge) Emit(event string, args ...any) error {
	raw, err := encodeArgs(args)
	if err != nil {
		return fmt.Errorf("%s: %w", event, err)
	}
	if err := b.tr.Send(transport.Message{Type: transport.TypeEvent, Name: event, Args: raw}); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return fmt.Errorf("%s: %w", event, ErrChannelClosed)
		}
		return err
	}
	return nil
}

// Pending returns the number of calls waiting for a response.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close closes the underlying transport, rejecting pending calls.
func (b *Bridge) Close() error {
	return b.tr.Close()
}

// CloseWhenIdle closes the channel once every call being served has been
// answered. A handler may call it to have its own response delivered first.
func (b *Bridge) CloseWhenIdle() {
	b.mu.Lock()
	b.closeIdle = true
	idle := b.serving == 0
	b.mu.Unlock()
	if idle {
		b.Close() //nolint:errcheck
	}
}

// Done is closed when the channel has terminated.
func (b *Bridge) Done() <-chan struct{} {
	return b.tr.Done()
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
}

func (b *Bridge) dispatch(msg transport.Message) {
	switch msg.Type {
	case transport.TypeCall:
		b.serve(msg)
	case transport.TypeResponse:
		b.resolve(msg)
	case transport.TypeEvent:
		b.mu.Lock()
		handlers := append([]EventHandler(nil), b.events[msg.Name]...)
		b.mu.Unlock()
		if len(handlers) == 0 {
			b.logger.Debug().Str("event", msg.Name).Msg("no handler for event")
		}
		for _, h := range handlers {
			b.runEvent(msg.Name, h, msg.Args)
		}
	default:
		b.mu.Lock()
		others := append([]func(transport.Message){}, b.other...)
		b.mu.Unlock()
		for _, fn := range others {
			fn(msg)
		}
	}
}

func (b *Bridge) runEvent(name string, h EventHandler, args []json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Str("event", name).Interface("panic", r).Msg("event handler panicked")
		}
	}()
	h(args)
}

func (b *Bridge) resolve(msg transport.Message) {
	b.mu.Lock()
	call, ok := b.pending[msg.ID]
	delete(b.pending, msg.ID)
	b.mu.Unlock()

	if !ok {
		b.logger.Warn().Str("id", msg.ID).Msg("response for unknown call")
		return
	}
	if msg.Error != nil {
		call.ch <- response{err: &RemoteError{
			Method:  call.method,
			Name:    msg.Error.Name,
			Message: msg.Error.Message,
			Stack:   msg.Error.Stack,
		}}
		return
	}
	call.ch <- response{result: msg.Result}
}

func (b *Bridge) serve(msg transport.Message) {
	b.mu.Lock()
	h, ok := b.methods[msg.Method]
	b.mu.Unlock()

	if !ok {
		b.reply(msg.ID, nil, fmt.Errorf("%w: %s", ErrMethodNotFound, msg.Method))
		return
	}

	b.mu.Lock()
	b.serving++
	b.mu.Unlock()

	go func() {
		result, err := b.invoke(h, msg)
		b.reply(msg.ID, result, err)

		b.mu.Lock()
		b.serving--
		idle := b.closeIdle && b.serving == 0
		b.mu.Unlock()
		if idle {
			b.Close() //nolint:errcheck
		}
	}()
}

func (b *Bridge) invoke(h Handler, msg transport.Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Str("method", msg.Method).Interface("panic", r).Msg("handler panicked")
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return h(b.ctx, msg.Args)
}

func (b *Bridge) reply(id string, result any, err error) {
	resp := transport.Message{Type: transport.TypeResponse, ID: id}
	if err != nil {
		resp.Error = errorPayload(err)
	} else if result != nil {
		raw, merr := transport.Marshal(result)
		if merr != nil {
			resp.Error = errorPayload(fmt.Errorf("encode result: %w", merr))
		} else {
			resp.Result = raw
		}
	}
	if serr := b.tr.Send(resp); serr != nil {
		b.logger.Debug().Err(serr).Str("id", id).Msg("could not send response")
	}
}

func (b *Bridge) rejectAll(cause error) {
	b.cancel()

	b.mu.Lock()
	b.closed = true
	b.closeErr = cause
	pending := b.pending
	b.pending = make(map[string]*pendingCall)
	b.mu.Unlock()

	err := ErrChannelClosed
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrChannelClosed, cause)
	}
	for _, call := range pending {
		call.ch <- response{err: fmt.Errorf("%s: %w", call.method, err)}
	}
	if len(pending) > 0 {
		b.logger.Warn().Int("calls", len(pending)).Msg("rejected pending calls on close")
	}
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

func errorPayload(err error) *protocol.ErrorPayload {
	payload := protocol.NewErrorPayload(err)
	var remote *RemoteError
	var p *panicError
	switch {
	case errors.As(err, &p):
		payload.Name = "Panic"
		payload.Stack = p.stack
	case errors.As(err, &remote):
		payload.Name = remote.Name
		payload.Stack = remote.Stack
	case errors.Is(err, ErrMethodNotFound):
		payload.Name = "MethodNotFound"
	}
	return payload
}

func encodeArgs(args []any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	raw := make([]json.RawMessage, len(args))
	for i, arg := range args {
		data, err := transport.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		raw[i] = data
	}
	return raw, nil
}

// Arg decodes the i-th argument into v. Missing or null arguments leave v
// untouched.
func Arg(args []json.RawMessage, i int, v any) error {
	if i >= len(args) || len(args[i]) == 0 || string(args[i]) == "null" {
		return nil
	}
	if err := transport.Unmarshal(args[i], v); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}
