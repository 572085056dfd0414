package engine

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"

	"github.com/vitest-dev/vscode-sub001/runner"
	"github.com/vitest-dev/vscode-sub001/transport"
)

// WebsocketStarter starts workers that connect back to a local websocket
// passed as "-connect <url>". The worker's stdio then only carries logs.
func WebsocketStarter(launcher *runner.Launcher, cmd runner.Command) StartFunc {
	return func(ctx context.Context, onLog func(stream, line string)) (Worker, error) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return Worker{}, err
		}
		conns := make(chan transport.Conn, 1)
		srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := transport.UpgradeWebsocket(w, r)
			if err != nil {
				return
			}
			select {
			case conns <- conn:
			default:
				conn.Close() //nolint:errcheck
			}
		})}
		go srv.Serve(ln) //nolint:errcheck
		// hijacked connections outlive the server
		defer srv.Close() //nolint:errcheck

		cmd.Stdio = false
		cmd.Args = append(slices.Clone(cmd.Args), "-connect", "ws://"+ln.Addr().String()+"/")
		proc, err := launcher.Start(ctx, cmd, func(stream runner.Stream, line string) {
			onLog(string(stream), line)
		})
		if err != nil {
			return Worker{}, err
		}

		select {
		case conn := <-conns:
			return Worker{Conn: conn, Stop: proc.Kill, Exited: proc.Done()}, nil
		case <-proc.Done():
			if err := proc.Wait(); err != nil {
				return Worker{}, errors.Join(ErrWorkerExited, err)
			}
			return Worker{}, ErrWorkerExited
		case <-ctx.Done():
			proc.Kill()
			return Worker{}, ctx.Err()
		}
	}
}
