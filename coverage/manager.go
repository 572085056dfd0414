// Package coverage toggles coverage collection and waits for its report.
package coverage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/cenkalti/backoff.v1"
)

// Runner is the part of the runner the manager drives.
type Runner interface {
	SetCoverage(enabled bool)
	ReportsDirectory() string
}

// Poll bounds how long WaitForReport looks for the report directory.
type Poll struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultPoll is used when a Manager is created without one.
var DefaultPoll = Poll{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     time.Second,
	MaxElapsed:      10 * time.Second,
}

var errNoReport = errors.New("coverage report not found")

// Manager owns the coverage session of one worker.
type Manager struct {
	runner Runner
	logger zerolog.Logger
	poll   Poll
	stat   func(string) (os.FileInfo, error)

	mu      sync.Mutex
	enabled bool
}

// New creates a disabled manager. A zero poll uses DefaultPoll.
func New(r Runner, poll Poll, logger zerolog.Logger) *Manager {
	if poll == (Poll{}) {
		poll = DefaultPoll
	}
	return &Manager{
		runner: r,
		logger: logger.With().Str("component", "coverage").Logger(),
		poll:   poll,
		stat:   os.Stat,
	}
}

// Enable turns coverage collection on for the following runs.
func (m *Manager) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled {
		return
	}
	m.enabled = true
	m.runner.SetCoverage(true)
	m.logger.Info().Msg("coverage enabled")
}

// Disable turns coverage collection off.
func (m *Manager) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return
	}
	m.enabled = false
	m.runner.SetCoverage(false)
	m.logger.Info().Msg("coverage disabled")
}

// Enabled reports whether coverage is being collected.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// WaitForReport waits for the current run through runDone, then polls for the
// report directory. It returns ok == false without touching the file system
// when coverage is disabled, and when no report appeared in time.
func (m *Manager) WaitForReport(ctx context.Context, runDone func(context.Context) error) (dir string, ok bool, err error) {
	if !m.Enabled() {
		return "", false, nil
	}

	if runDone != nil {
		if err := runDone(ctx); err != nil {
			return "", false, fmt.Errorf("wait for run: %w", err)
		}
	}

	dir = m.runner.ReportsDirectory()
	if dir == "" {
		return "", false, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.poll.InitialInterval
	b.MaxInterval = m.poll.MaxInterval
	b.MaxElapsedTime = m.poll.MaxElapsed

	err = backoff.Retry(func() error {
		info, err := m.stat(dir)
		if err != nil {
			return errNoReport
		}
		if !info.IsDir() {
			return backoff.Permanent(fmt.Errorf("%s is not a directory", dir))
		}
		return nil
	}, backoff.WithContext(b, ctx))

	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", false, ctxErr
	}
	if err != nil {
		m.logger.Warn().Str("dir", dir).Err(err).Msg("no coverage report")
		return "", false, nil
	}
	return dir, true, nil
}
