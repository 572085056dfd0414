package worker

import (
	"context"
	"os"

	"github.com/vitest-dev/vscode-sub001/transport"
)

// ServeStdio serves a session over the process's stdin and stdout.
func ServeStdio(ctx context.Context, opts Options) error {
	conn := transport.NewStreamConn(transport.ReadWriteCloser{
		ReadCloser:  os.Stdin,
		WriteCloser: os.Stdout,
	})
	return New(conn, opts).Run(ctx)
}

// ServeWebsocket connects to the explorer's websocket at url and serves a
// session over it.
func ServeWebsocket(ctx context.Context, url string, opts Options) error {
	conn, err := transport.DialWebsocket(ctx, url)
	if err != nil {
		return err
	}
	return New(conn, opts).Run(ctx)
}
