package coverage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	enabled bool
	dir     string
	asked   int
}

func (r *fakeRunner) SetCoverage(enabled bool) { r.enabled = enabled }

func (r *fakeRunner) ReportsDirectory() string {
	r.asked++
	return r.dir
}

var fastPoll = Poll{InitialInterval: 5 * time.Millisecond, MaxInterval: 10 * time.Millisecond, MaxElapsed: 60 * time.Millisecond}

func TestDisabledReturnsNoResultWithoutFileSystem(t *testing.T) {
	r := &fakeRunner{dir: t.TempDir()}
	m := New(r, fastPoll, zerolog.Nop())
	m.stat = func(string) (os.FileInfo, error) {
		t.Fatal("file system must not be checked while disabled")
		return nil, nil
	}

	waited := false
	dir, ok, err := m.WaitForReport(context.Background(), func(context.Context) error {
		waited = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, dir)
	assert.False(t, waited)
	assert.Zero(t, r.asked)
}

func TestReportFound(t *testing.T) {
	r := &fakeRunner{dir: t.TempDir()}
	m := New(r, fastPoll, zerolog.Nop())
	m.Enable()
	assert.True(t, r.enabled)

	dir, ok, err := m.WaitForReport(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, r.dir, dir)
}

func TestReportAppearsLate(t *testing.T) {
	r := &fakeRunner{dir: filepath.Join(t.TempDir(), "coverage")}
	m := New(r, Poll{InitialInterval: 5 * time.Millisecond, MaxInterval: 10 * time.Millisecond, MaxElapsed: time.Second}, zerolog.Nop())
	m.Enable()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = os.MkdirAll(r.dir, 0o755)
	}()

	dir, ok, err := m.WaitForReport(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, r.dir, dir)
}

func TestMissingReportIsNotAnError(t *testing.T) {
	r := &fakeRunner{dir: filepath.Join(t.TempDir(), "never")}
	m := New(r, fastPoll, zerolog.Nop())
	m.Enable()

	dir, ok, err := m.WaitForReport(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, dir)
}

func TestWaitsForRunFirst(t *testing.T) {
	r := &fakeRunner{dir: t.TempDir()}
	m := New(r, fastPoll, zerolog.Nop())
	m.Enable()

	boom := errors.New("run never finished")
	_, ok, err := m.WaitForReport(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, ok)
}

func TestDisableFlipsRunner(t *testing.T) {
	r := &fakeRunner{}
	m := New(r, Poll{}, zerolog.Nop())
	m.Enable()
	m.Disable()
	assert.False(t, r.enabled)
	assert.False(t, m.Enabled())
}
