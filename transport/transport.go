package transport

import (
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Transport turns a Conn into an ordered stream of Messages with lifecycle
// listeners. Messages are delivered to listeners in the order they were
// received, from a single goroutine.
type Transport struct {
	conn   Conn
	logger zerolog.Logger

	mu        sync.Mutex
	onMessage []func(Message)
	onError   []func(error)
	onClose   []func(error)
	started   bool

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

// New wraps conn. Call Start once listeners are registered.
func New(conn Conn, logger zerolog.Logger) *Transport {
	return &Transport{
		conn:   conn,
		logger: logger.With().Str("component", "transport").Logger(),
		done:   make(chan struct{}),
	}
}

// OnMessage registers a listener for decoded messages.
func (t *Transport) OnMessage(fn func(Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = append(t.onMessage, fn)
}

// OnError registers a listener for frames that could not be decoded. The
// channel stays open after such errors.
func (t *Transport) OnError(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = append(t.onError, fn)
}

// OnClose registers a listener called once when the channel terminates. The
// argument is nil for a local Close or a clean EOF. Registering after the
// channel closed calls fn immediately.
func (t *Transport) OnClose(fn func(error)) {
	t.mu.Lock()
	select {
	case <-t.done:
		err := t.closeErr
		t.mu.Unlock()
		fn(err)
		return
	default:
	}
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}

// Start launches the read loop. Calling it more than once has no effect.
func (t *Transport) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	go t.readLoop()
}

func (t *Transport) readLoop() {
	for {
		frame, err := t.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) {
				err = nil
			}
			t.shutdown(err)
			return
		}

		msg, err := Decode(frame)
		if err != nil {
			t.logger.Warn().Err(err).Msg("dropping undecodable frame")
			for _, fn := range t.errorListeners() {
				fn(err)
			}
			continue
		}

		t.logger.Debug().Str("type", string(msg.Type)).Str("id", msg.ID).Str("method", msg.Method).Str("name", msg.Name).Msg("recv")
		for _, fn := range t.messageListeners() {
			fn(msg)
		}
	}
}

// Send writes one message. It never retries.
func (t *Transport) Send(msg Message) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	t.logger.Debug().Str("type", string(msg.Type)).Str("id", msg.ID).Str("method", msg.Method).Str("name", msg.Name).Msg("send")
	if err := t.conn.WriteMessage(frame); err != nil {
		if errors.Is(err, ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Close terminates the channel from this side. It is idempotent.
func (t *Transport) Close() error {
	t.shutdown(nil)
	return nil
}

// Done is closed once the channel has terminated.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Err returns the reason the channel terminated, nil if it is still open or
// was closed cleanly.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeErr
}

func (t *Transport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		if err := t.conn.Close(); err != nil {
			t.logger.Debug().Err(err).Msg("close conn")
		}

		t.mu.Lock()
		t.closeErr = cause
		close(t.done)
		listeners := t.onClose
		t.onClose = nil
		t.mu.Unlock()

		if cause != nil {
			t.logger.Error().Err(cause).Msg("channel closed")
		} else {
			t.logger.Debug().Msg("channel closed")
		}
		for _, fn := range listeners {
			fn(cause)
		}
	})
}

func (t *Transport) messageListeners() []func(Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]func(Message){}, t.onMessage...)
}

func (t *Transport) errorListeners() []func(error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]func(error){}, t.onError...)
}
