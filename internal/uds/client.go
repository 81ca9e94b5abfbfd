package uds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNoDaemon is returned when nothing is listening on the socket.
var ErrNoDaemon = errors.New("no daemon listening")

// Client sends commands to a Server.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient returns a client for socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 30 * time.Second}
}

// SetTimeout bounds dialing plus one exchange.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// Available reports whether a daemon answers ping.
func (c *Client) Available(ctx context.Context) bool {
	var p Pong
	return c.Call(ctx, CmdPing, nil, &p) == nil
}

// Call sends command with params and decodes the response data into out,
// which may be nil. A failed response is returned as an error: validation
// failures as *types.ValidationError, anything else as *RemoteError.
func (c *Client) Call(ctx context.Context, command string, params, out any) error {
	req, err := NewRequest(command, params)
	if err != nil {
		return err
	}

	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("connect %s: %w: %w", c.socketPath, ErrNoDaemon, err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if err := WriteFrame(conn, req); err != nil {
		return fmt.Errorf("send %s: %w", command, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return fmt.Errorf("read %s response: %w", command, err)
	}
	if !resp.Success {
		if resp.Error == nil {
			return &RemoteError{Kind: KindInternal, Code: CodeInternal, Message: "failed without detail"}
		}
		return resp.Error.Err()
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", command, err)
		}
	}
	return nil
}
