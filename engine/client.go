package engine

import (
	"context"

	"github.com/vitest-dev/vscode-sub001/protocol"
	"github.com/vitest-dev/vscode-sub001/rpc"
)

// Client calls the methods a worker serves.
type Client struct {
	bridge *rpc.Bridge
}

// NewClient wraps a bridge connected to a worker.
func NewClient(bridge *rpc.Bridge) *Client {
	return &Client{bridge: bridge}
}

func (c *Client) GetFiles(ctx context.Context) ([]protocol.Specification, error) {
	var specs []protocol.Specification
	err := c.bridge.Call(ctx, protocol.MethodGetFiles, &specs)
	return specs, err
}

func (c *Client) CollectTests(ctx context.Context, specs []protocol.Specification) error {
	return c.bridge.Call(ctx, protocol.MethodCollectTests, nil, specs)
}

func (c *Client) RunTests(ctx context.Context, sel protocol.Selection, namePattern string) error {
	return c.bridge.Call(ctx, protocol.MethodRunTests, nil, sel, namePattern)
}

func (c *Client) UpdateSnapshots(ctx context.Context, sel protocol.Selection, namePattern string) error {
	return c.bridge.Call(ctx, protocol.MethodUpdateSnapshots, nil, sel, namePattern)
}

func (c *Client) CancelRun(ctx context.Context) error {
	return c.bridge.Call(ctx, protocol.MethodCancelRun, nil)
}

func (c *Client) WatchTests(ctx context.Context, sel protocol.Selection, namePattern string) error {
	return c.bridge.Call(ctx, protocol.MethodWatchTests, nil, sel, namePattern)
}

func (c *Client) UnwatchTests(ctx context.Context) error {
	return c.bridge.Call(ctx, protocol.MethodUnwatchTests, nil)
}

func (c *Client) EnableCoverage(ctx context.Context) error {
	return c.bridge.Call(ctx, protocol.MethodEnableCoverage, nil)
}

func (c *Client) DisableCoverage(ctx context.Context) error {
	return c.bridge.Call(ctx, protocol.MethodDisableCoverage, nil)
}

// WaitForCoverageReport returns the coverage directory of the last run, or
// false when coverage is off or no report was written.
func (c *Client) WaitForCoverageReport(ctx context.Context) (string, bool, error) {
	var dir *string
	if err := c.bridge.Call(ctx, protocol.MethodWaitForCoverageReport, &dir); err != nil {
		return "", false, err
	}
	if dir == nil {
		return "", false, nil
	}
	return *dir, true, nil
}

func (c *Client) OnFilesChanged(ctx context.Context, paths []string) error {
	return c.bridge.Call(ctx, protocol.MethodOnFilesChanged, nil, paths)
}

func (c *Client) OnFilesCreated(ctx context.Context, paths []string) error {
	return c.bridge.Call(ctx, protocol.MethodOnFilesCreated, nil, paths)
}

// Dispose closes the worker's runner. The worker closes the channel after
// answering.
func (c *Client) Dispose(ctx context.Context) error {
	return c.bridge.Call(ctx, protocol.MethodDispose, nil)
}
