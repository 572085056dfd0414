package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
)

// Stream names an output stream of a child process.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// LineFunc receives one line of child process output.
type LineFunc func(stream Stream, line string)

// Command describes a child process to start.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string

	// Stdio keeps stdin and stdout for a framed channel instead of streaming
	// stdout as lines. Stderr is always streamed.
	Stdio bool
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Name, c.Args)
}

// Launcher starts child processes in their own process group, so cancelling
// one kills everything it spawned.
type Launcher struct {
	logger zerolog.Logger
}

// NewLauncher creates a Launcher.
func NewLauncher(logger zerolog.Logger) *Launcher {
	return &Launcher{logger: logger.With().Str("component", "launcher").Logger()}
}

// Process is a started child.
type Process struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stdout io.ReadCloser

	done chan struct{}
	err  error
}

// Start launches cmd. Output lines are passed to onLine until the process
// exits; onLine may be nil. Cancelling ctx or calling Kill terminates the
// process group.
func (l *Launcher) Start(ctx context.Context, c Command, onLine LineFunc) (*Process, error) {
	ctx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	prepareCommand(cmd)

	p := &Process{cmd: cmd, cancel: cancel, done: make(chan struct{})}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if c.Stdio {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		p.stdin = stdin
		p.stdout = stdout
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", c.Name, err)
	}
	l.logger.Debug().Str("cmd", c.String()).Str("dir", c.Dir).Int("pid", cmd.Process.Pid).Msg("started")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		streamLines(stderr, Stderr, onLine)
	}()
	if !c.Stdio {
		wg.Add(1)
		go func() {
			defer wg.Done()
			streamLines(stdout, Stdout, onLine)
		}()
	}

	go func() {
		// all pipe reads must finish before Wait closes them
		wg.Wait()
		err := cmd.Wait()
		cancel()

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			l.logger.Debug().Str("cmd", c.Name).Int("code", exitErr.ExitCode()).Msg("exited")
		}
		p.err = err
		close(p.done)
	}()

	return p, nil
}

func streamLines(r io.Reader, stream Stream, onLine LineFunc) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if onLine != nil {
			onLine(stream, scanner.Text())
		}
	}
}

// Conn returns the process stdio as one stream. It is nil unless the command
// was started with Stdio.
func (p *Process) Conn() io.ReadWriteCloser {
	if p.stdin == nil {
		return nil
	}
	return stdioConn{ReadCloser: p.stdout, WriteCloser: p.stdin}
}

type stdioConn struct {
	io.ReadCloser
	io.WriteCloser
}

func (c stdioConn) Close() error {
	// closing stdin lets the child see EOF and exit on its own
	return c.WriteCloser.Close()
}

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// Kill terminates the process group.
func (p *Process) Kill() {
	p.cancel()
}
