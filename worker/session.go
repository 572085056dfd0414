// Package worker runs the worker side of the explorer channel: it waits for
// the init message, loads the runner and serves the explorer's calls until
// the channel closes.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vitest-dev/vscode-sub001/analysis"
	"github.com/vitest-dev/vscode-sub001/protocol"
	"github.com/vitest-dev/vscode-sub001/reporter"
	"github.com/vitest-dev/vscode-sub001/rpc"
	"github.com/vitest-dev/vscode-sub001/runner"
	"github.com/vitest-dev/vscode-sub001/runner/cli"
	"github.com/vitest-dev/vscode-sub001/transport"
)

// ErrNotInitialized is returned by calls that arrive before init when the
// session stops waiting for it.
var ErrNotInitialized = errors.New("worker not initialized")

const disposeTimeout = 5 * time.Second

// Options configures a Session.
type Options struct {
	// LogOutput receives the worker's logs. Defaults to stderr.
	LogOutput io.Writer
	LogLevel  zerolog.Level
	// ForwardLogs also sends component logs to the explorer as process
	// log events, for channels that do not carry the worker's stderr.
	ForwardLogs bool

	Launcher      *runner.Launcher
	CancelTimeout time.Duration
}

// Session is the state of one worker process: the channel, and the runner
// adapter once init has been handled. Watch tracking and coverage live in
// the adapter, so they are scoped to the session.
type Session struct {
	tr     *transport.Transport
	bridge *rpc.Bridge
	logger zerolog.Logger
	opts   Options

	initOnce sync.Once
	ready    chan struct{}
	adapter  *runner.Adapter
	initErr  error
}

// New creates a session over conn. Call Run to serve it.
func New(conn transport.Conn, opts Options) *Session {
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}
	// the channel's own logs never go through the channel
	wire := zerolog.New(opts.LogOutput).Level(opts.LogLevel).With().Timestamp().Logger()
	tr := transport.New(conn, wire)
	bridge := rpc.New(tr, wire)

	logger := wire
	if opts.ForwardLogs {
		out := zerolog.MultiLevelWriter(opts.LogOutput, reporter.NewProcessLog(bridge, "stderr"))
		logger = zerolog.New(out).Level(opts.LogLevel).With().Timestamp().Logger()
	}
	if opts.Launcher == nil {
		opts.Launcher = runner.NewLauncher(logger)
	}

	s := &Session{
		tr:     tr,
		bridge: bridge,
		logger: logger.With().Str("component", "worker").Logger(),
		opts:   opts,
		ready:  make(chan struct{}),
	}
	bridge.OnOther(s.onMessage)
	s.register()
	return s
}

// Run serves the channel until it closes or ctx is done, then disposes the
// runner.
func (s *Session) Run(ctx context.Context) error {
	s.tr.Start()
	select {
	case <-s.tr.Done():
	case <-ctx.Done():
		s.tr.Close() //nolint:errcheck
	}
	s.teardown()
	return s.tr.Err()
}

func (s *Session) teardown() {
	select {
	case <-s.ready:
	default:
		return
	}
	if s.adapter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
	defer cancel()
	if err := s.adapter.Dispose(ctx); err != nil && !errors.Is(err, runner.ErrDisposed) {
		s.logger.Warn().Err(err).Msg("dispose on close")
	}
}

func (s *Session) onMessage(msg transport.Message) {
	if msg.Type != transport.TypeInit {
		s.logger.Warn().Str("type", string(msg.Type)).Msg("unexpected message")
		return
	}
	first := false
	s.initOnce.Do(func() { first = true })
	if !first {
		s.logger.Warn().Msg("init received twice")
		return
	}
	go s.initialize(msg.Payload)
}

func (s *Session) initialize(raw []byte) {
	ready, err := s.setup(raw)
	if err != nil {
		s.initErr = err
		close(s.ready)
		s.logger.Error().Err(err).Msg("init failed")
		if err := s.tr.Send(transport.Message{Type: transport.TypeError, Error: protocol.NewErrorPayload(err)}); err != nil {
			s.logger.Debug().Err(err).Msg("could not report init failure")
		}
		return
	}
	close(s.ready)

	msg, err := transport.NewPayloadMessage(transport.TypeReady, ready)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode ready")
		return
	}
	if err := s.tr.Send(msg); err != nil {
		s.logger.Warn().Err(err).Msg("send ready")
		return
	}
	s.logger.Info().Str("runner", ready.RunnerVersion).Bool("multiProject", ready.MultiProject).Msg("ready")
}

func (s *Session) setup(raw []byte) (protocol.ReadyPayload, error) {
	var payload protocol.InitPayload
	if err := transport.Unmarshal(raw, &payload); err != nil {
		return protocol.ReadyPayload{}, fmt.Errorf("decode init: %w", err)
	}
	if payload.Workspace == "" {
		return protocol.ReadyPayload{}, errors.New("init: no workspace")
	}
	root, err := filepath.Abs(payload.Workspace)
	if err != nil {
		return protocol.ReadyPayload{}, fmt.Errorf("init: %w", err)
	}

	config := runner.LoadConfig(root)
	configFiles := []string{}
	if payload.ConfigFile != "" {
		configFiles = append(configFiles, payload.ConfigFile)
	} else if path, ok := runner.ConfigPath(root); ok {
		configFiles = append(configFiles, path)
	}
	if payload.RunnerModule != "" {
		config.Command = "node " + payload.RunnerModule
	}
	if payload.RunnerVersion != "" {
		config.RunnerVersion = payload.RunnerVersion
	}
	config.Projects = selectProjects(config.Projects, payload.Projects)

	version, err := runner.DetectVersion(root, config)
	if err != nil {
		return protocol.ReadyPayload{}, err
	}

	settings := runner.SettingsFor(payload.Debug)
	rep := reporter.New(s.bridge, s.logger)
	opener := cli.NewOpener(cli.Options{
		Root:        root,
		Config:      config,
		Launcher:    s.opts.Launcher,
		Logger:      s.logger,
		Env:         environ(payload.Env),
		CoverageDir: payload.CoverageDir,
	}, rep.Legacy(), rep)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.tr.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	strategy, err := runner.SelectStrategy(ctx, version, opener, settings)
	if err != nil {
		return protocol.ReadyPayload{}, err
	}

	graph := analysis.NewGraph()
	if err := graph.Build(root); err != nil {
		s.logger.Warn().Err(err).Msg("dependency graph unavailable")
		graph = nil
	}

	s.adapter = runner.NewAdapter(strategy, runner.AdapterOptions{
		Logger:        s.logger,
		Observer:      rep,
		Graph:         graph,
		Settings:      settings,
		CancelTimeout: s.opts.CancelTimeout,
		Debounce:      config.Debounce(),
		OnDebugDone:   s.bridge.CloseWhenIdle,
	})

	return protocol.ReadyPayload{
		ConfigFiles:   configFiles,
		MultiProject:  len(config.Projects) > 1,
		RunnerVersion: strategy.Version(),
	}, nil
}

// selectProjects keeps the configured projects named in names, or all of
// them when names is empty.
func selectProjects(projects []runner.Project, names []string) []runner.Project {
	if len(names) == 0 {
		return projects
	}
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	var out []runner.Project
	for _, p := range projects {
		if wanted[p.Name] {
			out = append(out, p)
		}
	}
	return out
}

func environ(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// await blocks until init has been handled.
func (s *Session) await(ctx context.Context) (*runner.Adapter, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrNotInitialized, ctx.Err())
	}
	if s.initErr != nil {
		return nil, s.initErr
	}
	return s.adapter, nil
}

type handlerFunc func(ctx context.Context, a *runner.Adapter, args []json.RawMessage) (any, error)

func (s *Session) handle(method string, fn handlerFunc) {
	s.bridge.Handle(method, func(ctx context.Context, args []json.RawMessage) (any, error) {
		a, err := s.await(ctx)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a, args)
	})
}

func (s *Session) register() {
	s.handle(protocol.MethodGetFiles, func(ctx context.Context, a *runner.Adapter, _ []json.RawMessage) (any, error) {
		return a.GetFiles(ctx)
	})
	s.handle(protocol.MethodCollectTests, func(ctx context.Context, a *runner.Adapter, args []json.RawMessage) (any, error) {
		var specs []protocol.Specification
		if err := rpc.Arg(args, 0, &specs); err != nil {
			return nil, err
		}
		return nil, a.CollectTests(ctx, specs)
	})
	s.handle(protocol.MethodRunTests, func(ctx context.Context, a *runner.Adapter, args []json.RawMessage) (any, error) {
		sel, pattern, err := selectionArgs(args)
		if err != nil {
			return nil, err
		}
		return nil, a.RunTests(ctx, sel, pattern)
	})
	s.handle(protocol.MethodUpdateSnapshots, func(ctx context.Context, a *runner.Adapter, args []json.RawMessage) (any, error) {
		sel, pattern, err := selectionArgs(args)
		if err != nil {
			return nil, err
		}
		return nil, a.UpdateSnapshots(ctx, sel, pattern)
	})
	s.handle(protocol.MethodCancelRun, func(ctx context.Context, a *runner.Adapter, _ []json.RawMessage) (any, error) {
		return nil, a.CancelRun(ctx)
	})
	s.handle(protocol.MethodWatchTests, func(ctx context.Context, a *runner.Adapter, args []json.RawMessage) (any, error) {
		sel, pattern, err := selectionArgs(args)
		if err != nil {
			return nil, err
		}
		return nil, a.WatchTests(ctx, sel, pattern)
	})
	s.handle(protocol.MethodUnwatchTests, func(ctx context.Context, a *runner.Adapter, _ []json.RawMessage) (any, error) {
		return nil, a.UnwatchTests(ctx)
	})
	s.handle(protocol.MethodEnableCoverage, func(ctx context.Context, a *runner.Adapter, _ []json.RawMessage) (any, error) {
		return nil, a.EnableCoverage()
	})
	s.handle(protocol.MethodDisableCoverage, func(ctx context.Context, a *runner.Adapter, _ []json.RawMessage) (any, error) {
		return nil, a.DisableCoverage()
	})
	s.handle(protocol.MethodWaitForCoverageReport, func(ctx context.Context, a *runner.Adapter, _ []json.RawMessage) (any, error) {
		dir, ok, err := a.WaitForCoverageReport(ctx)
		if err != nil || !ok {
			return nil, err
		}
		return dir, nil
	})
	s.handle(protocol.MethodOnFilesChanged, func(ctx context.Context, a *runner.Adapter, args []json.RawMessage) (any, error) {
		var paths []string
		if err := rpc.Arg(args, 0, &paths); err != nil {
			return nil, err
		}
		return nil, a.OnFilesChanged(ctx, paths)
	})
	s.handle(protocol.MethodOnFilesCreated, func(ctx context.Context, a *runner.Adapter, args []json.RawMessage) (any, error) {
		var paths []string
		if err := rpc.Arg(args, 0, &paths); err != nil {
			return nil, err
		}
		return nil, a.OnFilesCreated(ctx, paths)
	})
	s.handle(protocol.MethodDispose, func(ctx context.Context, a *runner.Adapter, _ []json.RawMessage) (any, error) {
		err := a.Dispose(ctx)
		s.bridge.CloseWhenIdle()
		if errors.Is(err, runner.ErrDisposed) {
			return nil, nil
		}
		return nil, err
	})
}

func selectionArgs(args []json.RawMessage) (protocol.Selection, string, error) {
	var sel protocol.Selection
	var pattern string
	if err := rpc.Arg(args, 0, &sel); err != nil {
		return sel, "", err
	}
	if err := rpc.Arg(args, 1, &pattern); err != nil {
		return sel, "", err
	}
	return sel, pattern, nil
}
