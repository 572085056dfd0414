package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vitest-dev/vscode-sub001/protocol"
	"github.com/vitest-dev/vscode-sub001/rpc"
	"github.com/vitest-dev/vscode-sub001/runner"
	"github.com/vitest-dev/vscode-sub001/transport"
)

// ErrWorkerExited is returned when the channel closes before the worker is
// ready.
var ErrWorkerExited = errors.New("worker exited before ready")

const closeTimeout = 5 * time.Second

// Listener receives the events a worker emits. Methods run on the channel's
// read goroutine and must not call back into the worker.
type Listener interface {
	OnTestRunStart(specs []protocol.Specification, collecting bool)
	OnCollected(file *protocol.Task, partial bool)
	OnTaskUpdate(packs []protocol.TaskPack)
	OnTestRunEnd(files []protocol.FileResult, summary protocol.ErrorSummary, collecting bool)
	OnConsoleLog(log protocol.ConsoleLog)
	OnProcessLog(stream, line string)
}

// Worker is a started worker: the channel to it and a way to stop it.
type Worker struct {
	Conn transport.Conn
	// Stop kills the worker. May be nil.
	Stop func()
	// Exited is closed when the worker process has exited. May be nil.
	Exited <-chan struct{}
}

// StartFunc starts a worker. Its log lines go to onLog.
type StartFunc func(ctx context.Context, onLog func(stream, line string)) (Worker, error)

// ProcessStarter starts workers as child processes speaking the framed
// stdio binding.
func ProcessStarter(launcher *runner.Launcher, cmd runner.Command) StartFunc {
	return func(ctx context.Context, onLog func(stream, line string)) (Worker, error) {
		cmd.Stdio = true
		proc, err := launcher.Start(ctx, cmd, func(stream runner.Stream, line string) {
			onLog(string(stream), line)
		})
		if err != nil {
			return Worker{}, err
		}
		return Worker{
			Conn:   transport.NewStreamConn(proc.Conn()),
			Stop:   proc.Kill,
			Exited: proc.Done(),
		}, nil
	}
}

// Session is one live worker: a client for its methods plus what it
// answered to init.
type Session struct {
	*Client
	Ready protocol.ReadyPayload

	bridge *rpc.Bridge
	worker Worker
	logger zerolog.Logger
}

// Connect performs the init handshake over a started worker. Events are
// delivered to l from the moment the channel starts.
func Connect(ctx context.Context, w Worker, init protocol.InitPayload, l Listener, logger zerolog.Logger) (*Session, error) {
	logger = logger.With().Str("component", "session").Logger()
	bridge := rpc.New(transport.New(w.Conn, logger), logger)
	listen(bridge, l, logger)

	ready := make(chan protocol.ReadyPayload, 1)
	failed := make(chan error, 1)
	// only the first handshake answer counts; later ones must not block
	// the read loop
	fail := func(err error) {
		select {
		case failed <- err:
		default:
			logger.Warn().Err(err).Msg("worker error after handshake")
		}
	}
	bridge.OnOther(func(msg transport.Message) {
		switch msg.Type {
		case transport.TypeReady:
			var payload protocol.ReadyPayload
			if err := transport.Unmarshal(msg.Payload, &payload); err != nil {
				fail(fmt.Errorf("decode ready: %w", err))
				return
			}
			select {
			case ready <- payload:
			default:
				logger.Warn().Msg("duplicate ready message")
			}
		case transport.TypeError:
			e := &rpc.RemoteError{Message: "worker failed to start"}
			if msg.Error != nil {
				e.Name, e.Message, e.Stack = msg.Error.Name, msg.Error.Message, msg.Error.Stack
			}
			fail(e)
		default:
			logger.Warn().Str("type", string(msg.Type)).Msg("unexpected message")
		}
	})
	bridge.Transport().Start()

	s := &Session{Client: NewClient(bridge), bridge: bridge, worker: w, logger: logger}
	msg, err := transport.NewPayloadMessage(transport.TypeInit, init)
	if err == nil {
		err = bridge.Transport().Send(msg)
	}
	if err != nil {
		s.kill()
		return nil, fmt.Errorf("send init: %w", err)
	}

	select {
	case s.Ready = <-ready:
		logger.Info().Str("runner", s.Ready.RunnerVersion).Bool("multiProject", s.Ready.MultiProject).Msg("worker ready")
		return s, nil
	case err := <-failed:
		s.kill()
		return nil, err
	case <-bridge.Done():
		s.kill()
		if err := bridge.Transport().Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrWorkerExited, err)
		}
		return nil, ErrWorkerExited
	case <-ctx.Done():
		s.kill()
		return nil, ctx.Err()
	}
}

func listen(b *rpc.Bridge, l Listener, logger zerolog.Logger) {
	decode := func(event string, args []json.RawMessage, into ...any) bool {
		for i, v := range into {
			if err := rpc.Arg(args, i, v); err != nil {
				logger.Warn().Err(err).Str("event", event).Msg("malformed event")
				return false
			}
		}
		return true
	}

	b.On(protocol.EventTestRunStart, func(args []json.RawMessage) {
		var specs []protocol.Specification
		var collecting bool
		if decode(protocol.EventTestRunStart, args, &specs, &collecting) {
			l.OnTestRunStart(specs, collecting)
		}
	})
	b.On(protocol.EventCollected, func(args []json.RawMessage) {
		var file protocol.Task
		var partial bool
		if decode(protocol.EventCollected, args, &file, &partial) {
			l.OnCollected(&file, partial)
		}
	})
	b.On(protocol.EventTaskUpdate, func(args []json.RawMessage) {
		var packs []protocol.TaskPack
		if decode(protocol.EventTaskUpdate, args, &packs) {
			l.OnTaskUpdate(packs)
		}
	})
	b.On(protocol.EventTestRunEnd, func(args []json.RawMessage) {
		var files []protocol.FileResult
		var summary protocol.ErrorSummary
		var collecting bool
		if decode(protocol.EventTestRunEnd, args, &files, &summary, &collecting) {
			l.OnTestRunEnd(files, summary, collecting)
		}
	})
	b.On(protocol.EventConsoleLog, func(args []json.RawMessage) {
		var log protocol.ConsoleLog
		if decode(protocol.EventConsoleLog, args, &log) {
			l.OnConsoleLog(log)
		}
	})
	b.On(protocol.EventProcessLog, func(args []json.RawMessage) {
		var stream, line string
		if decode(protocol.EventProcessLog, args, &stream, &line) {
			l.OnProcessLog(stream, line)
		}
	})
}

// Done is closed when the channel to the worker has closed.
func (s *Session) Done() <-chan struct{} {
	return s.bridge.Done()
}

// Err is the reason the channel closed, nil for a clean close.
func (s *Session) Err() error {
	return s.bridge.Transport().Err()
}

// Close disposes the worker and waits for it to close the channel. A worker
// that does not is killed.
func (s *Session) Close(ctx context.Context) error {
	select {
	case <-s.Done():
		s.kill()
		return nil
	default:
	}
	ctx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()

	err := s.Dispose(ctx)
	if errors.Is(err, rpc.ErrChannelClosed) {
		err = nil
	}
	select {
	case <-s.Done():
	case <-ctx.Done():
		s.logger.Warn().Msg("worker did not close the channel")
	}
	s.kill()
	return err
}

func (s *Session) kill() {
	s.bridge.Close() //nolint:errcheck
	if s.worker.Stop == nil {
		return
	}
	if s.worker.Exited != nil {
		select {
		case <-s.worker.Exited:
			return
		case <-time.After(closeTimeout):
		}
	}
	s.worker.Stop()
}
