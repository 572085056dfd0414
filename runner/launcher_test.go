//go:build !windows

package runner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type lineRecorder struct {
	mu    sync.Mutex
	lines map[Stream][]string
}

func (r *lineRecorder) record(stream Stream, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lines == nil {
		r.lines = make(map[Stream][]string)
	}
	r.lines[stream] = append(r.lines[stream], line)
}

func (r *lineRecorder) get(stream Stream) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines[stream]...)
}

func TestLauncher(t *testing.T) {
	l := NewLauncher(zerolog.Nop())

	t.Run("Success", func(t *testing.T) {
		rec := &lineRecorder{}
		p, err := l.Start(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo hello; echo oops >&2"}}, rec.record)
		if err != nil {
			t.Fatal(err)
		}
		if err := p.Wait(); err != nil {
			t.Errorf("Expected nil error, got %v", err)
		}
		if got := strings.Join(rec.get(Stdout), ""); got != "hello" {
			t.Errorf("Expected stdout 'hello', got %q", got)
		}
		if got := strings.Join(rec.get(Stderr), ""); got != "oops" {
			t.Errorf("Expected stderr 'oops', got %q", got)
		}
	})

	t.Run("Failure", func(t *testing.T) {
		p, err := l.Start(context.Background(), Command{Name: "sh", Args: []string{"-c", "exit 1"}}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := p.Wait(); err == nil {
			t.Error("Expected error, got nil")
		}
	})

	t.Run("Kill", func(t *testing.T) {
		p, err := l.Start(context.Background(), Command{Name: "sh", Args: []string{"-c", "sleep 5 & sleep 5"}}, nil)
		if err != nil {
			t.Fatal(err)
		}
		time.Sleep(50 * time.Millisecond)
		p.Kill()

		select {
		case <-p.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("process group survived Kill")
		}
		if p.Wait() == nil {
			t.Error("Expected a kill error")
		}
	})

	t.Run("Stdio", func(t *testing.T) {
		p, err := l.Start(context.Background(), Command{Name: "cat", Stdio: true}, nil)
		if err != nil {
			t.Fatal(err)
		}
		conn := p.Conn()
		if conn == nil {
			t.Fatal("Expected a stdio conn")
		}
		if _, err := conn.Write([]byte("ping\n")); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 5)
		if _, err := conn.Read(buf); err != nil {
			t.Fatal(err)
		}
		if string(buf) != "ping\n" {
			t.Errorf("Expected echo, got %q", buf)
		}
		conn.Close()
		if err := p.Wait(); err != nil {
			t.Errorf("Expected clean exit after stdin close, got %v", err)
		}
	})
}
