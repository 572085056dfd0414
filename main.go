package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/vitest-dev/vscode-sub001/engine"
	"github.com/vitest-dev/vscode-sub001/ui"
	"github.com/vitest-dev/vscode-sub001/worker"
)

// stateDir holds the log and the tree snapshots of a workspace.
const stateDir = ".lazytest"

// main is the entry point of the application.
func main() {
	if len(os.Args) > 1 && os.Args[1] == "worker" {
		if err := runWorker(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "worker: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runExplorer(os.Args[1:]); err != nil {
		fmt.Printf("Alas, there's been an error: %v\n", err)
		os.Exit(1)
	}
}

func runWorker(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	connect := fs.String("connect", "", "explorer websocket to connect to instead of stdio")
	debug := fs.Bool("debug", false, "log at debug level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := worker.Options{LogLevel: zerolog.InfoLevel}
	if *debug {
		opts.LogLevel = zerolog.DebugLevel
	}
	if *connect != "" {
		return worker.ServeWebsocket(ctx, *connect, opts)
	}
	return worker.ServeStdio(ctx, opts)
}

func runExplorer(args []string) error {
	fs := flag.NewFlagSet("lazytest", flag.ExitOnError)
	noWatch := fs.Bool("no-watch", false, "do not watch the workspace for changes")
	debug := fs.Bool("debug", false, "log at debug level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	root, err := os.Getwd()
	if err != nil {
		return err
	}
	if fs.NArg() > 0 {
		if root, err = filepath.Abs(fs.Arg(0)); err != nil {
			return err
		}
	}

	// the terminal belongs to the explorer, so logs go to a file
	dir := filepath.Join(root, stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(filepath.Join(dir, "lazytest.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(logFile).Level(level).With().Timestamp().Logger()

	e := engine.New(engine.Options{
		Root:      root,
		Logger:    logger,
		StorePath: filepath.Join(dir, "tree.db"),
		Watch:     !*noWatch,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := tea.NewProgram(ui.NewModel(ctx, e), tea.WithAltScreen())
	_, runErr := p.Run()
	cancel()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := e.Close(closeCtx); err != nil {
		logger.Warn().Err(err).Msg("close engine")
	}
	return runErr
}
