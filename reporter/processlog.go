package reporter

import (
	"bytes"
	"sync"

	"github.com/vitest-dev/vscode-sub001/protocol"
)

// ProcessLog is an io.Writer that emits every complete line written to it as
// an onProcessLog event. The worker points its logger at one so the explorer
// sees worker logs whichever transport binding is in use.
type ProcessLog struct {
	emitter Emitter
	stream  string

	mu  sync.Mutex
	buf []byte
}

// NewProcessLog creates a ProcessLog for stream.
func NewProcessLog(emitter Emitter, stream string) *ProcessLog {
	return &ProcessLog{emitter: emitter, stream: stream}
}

func (p *ProcessLog) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.buf = append(p.buf, b...)
	var lines []string
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(p.buf[:i]))
		p.buf = p.buf[i+1:]
	}
	p.mu.Unlock()

	for _, line := range lines {
		// a closed channel has nobody left to read the log
		_ = p.emitter.Emit(protocol.EventProcessLog, p.stream, line)
	}
	return len(b), nil
}
