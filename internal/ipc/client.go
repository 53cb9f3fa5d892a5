package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"blescan/internal/scan"
)

const shutdownTimeout = 2 * time.Second

// baseURL is a placeholder host; every request is dialed to the socket.
const baseURL = "http://scanctl"

// Client talks to a running daemon.
type Client struct {
	hc *http.Client
}

// NewClient returns a Client for the daemon socket at path.
func NewClient(path string) *Client {
	return &Client{hc: &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}}}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ipc: encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("ipc: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("ipc: connect to daemon: %w (is `scanctl daemon` running?)", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return fmt.Errorf("ipc: %s %s: %s", method, path, resp.Status)
		}
		return fmt.Errorf("ipc: %s", e.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ipc: read response: %w", err)
	}
	return nil
}

// Session returns the daemon's current session.
func (c *Client) Session(ctx context.Context) (scan.Session, error) {
	var s scan.Session
	err := c.do(ctx, http.MethodGet, "/session", nil, &s)
	return s, err
}

// Start asks the daemon to start scanning. A scan failure is reported in
// the response, not as an error.
func (c *Client) Start(ctx context.Context) (CommandResponse, error) {
	var resp CommandResponse
	err := c.do(ctx, http.MethodPost, "/scan/start", nil, &resp)
	return resp, err
}

// Stop asks the daemon to stop scanning.
func (c *Client) Stop(ctx context.Context) (CommandResponse, error) {
	var resp CommandResponse
	err := c.do(ctx, http.MethodPost, "/scan/stop", nil, &resp)
	return resp, err
}

// Permissions returns the permission state and any pending request.
func (c *Client) Permissions(ctx context.Context) (PermissionsResponse, error) {
	var resp PermissionsResponse
	err := c.do(ctx, http.MethodGet, "/permissions", nil, &resp)
	return resp, err
}

// RequestPermissions triggers a permission request outside a scan.
func (c *Client) RequestPermissions(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/permissions/request", nil, nil)
}

// Answer settles a pending permission request.
func (c *Client) Answer(ctx context.Context, granted bool) (CommandResponse, error) {
	var resp CommandResponse
	err := c.do(ctx, http.MethodPost, "/permissions/answer", AnswerRequest{Granted: granted}, &resp)
	return resp, err
}

// Watch calls fn for every event until ctx is done or the daemon ends the
// stream. The first event carries the current session.
func (c *Client) Watch(ctx context.Context, fn func(scan.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/events", nil)
	if err != nil {
		return fmt.Errorf("ipc: %w", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("ipc: connect to daemon: %w (is `scanctl daemon` running?)", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ipc: watch: %s", resp.Status)
	}
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var ev scan.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return fmt.Errorf("ipc: decode event: %w", err)
		}
		fn(ev)
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("ipc: watch: %w", err)
	}
	return nil
}
