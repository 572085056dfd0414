package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned when writing to a closed connection.
var ErrClosed = errors.New("transport closed")

// Conn moves whole frames. Implementations must be safe for one reader and
// concurrent writers.
type Conn interface {
	// ReadMessage blocks for the next frame. It returns io.EOF once the peer
	// is gone.
	ReadMessage() ([]byte, error)
	WriteMessage(frame []byte) error
	io.Closer
}

// streamConn frames messages over a byte stream with a Content-Length header.
type streamConn struct {
	rd      *bufio.Reader
	rwc     io.ReadWriteCloser
	writeMu sync.Mutex
}

// NewStreamConn frames messages over a byte stream such as a socket or the
// stdio of a child process.
func NewStreamConn(rwc io.ReadWriteCloser) Conn {
	return &streamConn{rd: bufio.NewReader(rwc), rwc: rwc}
}

func (c *streamConn) ReadMessage() ([]byte, error) {
	length := -1
	for {
		line, err := c.rd.ReadString('\n')
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		colon := strings.Index(trimmed, ":")
		if colon < 0 {
			return nil, fmt.Errorf("invalid header line %q", trimmed)
		}
		if strings.EqualFold(strings.TrimSpace(trimmed[:colon]), "content-length") {
			raw := strings.TrimSpace(trimmed[colon+1:])
			length, err = strconv.Atoi(raw)
			if err != nil || length < 0 {
				return nil, fmt.Errorf("invalid Content-Length %q", raw)
			}
		}
	}
	if length < 0 {
		return nil, errors.New("missing Content-Length header")
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(c.rd, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (c *streamConn) WriteMessage(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := fmt.Fprintf(c.rwc, "Content-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	_, err := c.rwc.Write(frame)
	return err
}

func (c *streamConn) Close() error {
	return c.rwc.Close()
}

// ReadWriteCloser joins a reader and a writer, closing both.
type ReadWriteCloser struct {
	io.ReadCloser
	io.WriteCloser
}

func (rw ReadWriteCloser) Close() error {
	err1 := rw.ReadCloser.Close()
	err2 := rw.WriteCloser.Close()
	return errors.Join(err1, err2)
}

// websocketConn relies on websocket message boundaries for framing.
type websocketConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// NewWebsocketConn wraps an established websocket connection.
func NewWebsocketConn(ws *websocket.Conn) Conn {
	return &websocketConn{ws: ws}
}

// DialWebsocket connects a worker to the explorer's local websocket.
func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebsocketConn(ws), nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// UpgradeWebsocket accepts a worker connection on an HTTP handler.
func UpgradeWebsocket(w http.ResponseWriter, r *http.Request) (Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebsocketConn(ws), nil
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (c *websocketConn) WriteMessage(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *websocketConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return c.ws.Close()
}

// pipeConn is one end of an in-process duplex channel.
type pipeConn struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected in-process ends. Closing either end closes both.
func Pipe() (Conn, Conn) {
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeConn{in: a, out: b, done: done, once: once},
		&pipeConn{in: b, out: a, done: done, once: once}
}

func (p *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.done:
		// drain what was written before the close
		select {
		case frame := <-p.in:
			return frame, nil
		default:
			return nil, io.EOF
		}
	}
}

func (p *pipeConn) WriteMessage(frame []byte) error {
	copied := append([]byte(nil), frame...)
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- copied:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
