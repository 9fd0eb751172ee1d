package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// DefaultCallTimeout bounds a single RPC when the caller's context has no deadline.
const DefaultCallTimeout = 30 * time.Second

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		// Closing the rpc client closes conn through the codec.
		return c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}
	pending := c.client.Go(ServiceName+"."+method, req, resp, make(chan *rpc.Call, 1))
	select {
	case <-pending.Done:
		return remoteError(pending.Error)
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// Start requests the daemon to resume processing.
func (c *Client) Start(ctx context.Context) (*StartResponse, error) {
	var resp StartResponse
	if err := c.call(ctx, "Start", StartRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop requests the daemon to pause processing.
func (c *Client) Stop(ctx context.Context) (*StopResponse, error) {
	var resp StopResponse
	if err := c.call(ctx, "Stop", StopRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartRun submits input as a new run.
func (c *Client) StartRun(ctx context.Context, input json.RawMessage) (*StartRunResponse, error) {
	var resp StartRunResponse
	if err := c.call(ctx, "StartRun", StartRunRequest{Input: input}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Progress returns a run's progress.
func (c *Client) Progress(ctx context.Context, runID string) (*ProgressResponse, error) {
	var resp ProgressResponse
	if err := c.call(ctx, "Progress", RunRequest{RunID: runID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Approve signals approval of the run's current gate.
func (c *Client) Approve(ctx context.Context, runID string) (*SignalResponse, error) {
	var resp SignalResponse
	if err := c.call(ctx, "Approve", RunRequest{RunID: runID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Retry signals a re-run of the run's gated stage.
func (c *Client) Retry(ctx context.Context, runID string) (*SignalResponse, error) {
	var resp SignalResponse
	if err := c.call(ctx, "Retry", RunRequest{RunID: runID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel fails a run with CancelledError.
func (c *Client) Cancel(ctx context.Context, runID string) (*ProgressResponse, error) {
	var resp ProgressResponse
	if err := c.call(ctx, "Cancel", RunRequest{RunID: runID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List returns runs optionally filtered by statuses.
func (c *Client) List(ctx context.Context, statuses []string, limit int) (*ListResponse, error) {
	var resp ListResponse
	if err := c.call(ctx, "List", ListRequest{Statuses: statuses, Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History returns a run's event log and stage records.
func (c *Client) History(ctx context.Context, runID string) (*HistoryResponse, error) {
	var resp HistoryResponse
	if err := c.call(ctx, "History", RunRequest{RunID: runID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(ctx, "Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TestNotification triggers a notification test via the daemon.
func (c *Client) TestNotification(ctx context.Context) (*TestNotificationResponse, error) {
	var resp TestNotificationResponse
	if err := c.call(ctx, "TestNotification", TestNotificationRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
