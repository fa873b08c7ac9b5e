// Package client talks to the daemon's management endpoint over its
// Unix control socket.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/infraknit/icinga2/internal/config"
	"github.com/infraknit/icinga2/internal/daemon"
	"github.com/infraknit/icinga2/internal/httpwire"
)

// maxResponseBytes caps how much of a management response the client
// reads; the log endpoint is the largest and stays well under this.
const maxResponseBytes = 8 * 1024 * 1024

// Client is a management client for a running daemon.
type Client struct {
	httpc      *http.Client
	socketPath string
}

// Connect creates a client for the daemon at the default socket path.
func Connect() (*Client, error) {
	paths, err := config.GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}
	return ConnectTo(paths.SocketPath), nil
}

// ConnectTo creates a client for the daemon at a specific socket
// path. No connection is made until the first request.
func ConnectTo(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		socketPath: socketPath,
		httpc: &http.Client{
			Transport: transport,
			Timeout:   5 * time.Second,
		},
	}
}

// Close releases any idle connections held by the client.
func (c *Client) Close() {
	c.httpc.CloseIdleConnections()
}

// Status fetches the daemon's status.
func (c *Client) Status() (*daemon.Status, error) {
	var status daemon.Status
	if err := c.get("/v1/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Metrics fetches a metrics snapshot.
func (c *Client) Metrics() (*daemon.MetricsSnapshot, error) {
	var snapshot daemon.MetricsSnapshot
	if err := c.get("/v1/metrics", &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Logs fetches up to limit recent log entries at or above level
// (empty level means all).
func (c *Client) Logs(level string, limit int) ([]daemon.LogEntry, error) {
	path := fmt.Sprintf("/v1/logs?level=%s&limit=%d", url.QueryEscape(level), limit)
	var result daemon.LogsResult
	if err := c.get(path, &result); err != nil {
		return nil, err
	}
	return result.Entries, nil
}

func (c *Client) get(path string, out any) error {
	// The host in the URL is ignored; the transport always dials the
	// socket.
	response, err := c.httpc.Get("http://icinga2" + path)
	if err != nil {
		return fmt.Errorf("contacting daemon at %s: %w", c.socketPath, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading daemon response: %w", err)
	}

	if response.StatusCode != http.StatusOK {
		var envelope httpwire.ErrorBody
		if json.Unmarshal(body, &envelope) == nil && envelope.Status != "" {
			return fmt.Errorf("daemon: %s", envelope.Status)
		}
		return fmt.Errorf("daemon: unexpected status %s", response.Status)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding daemon response: %w", err)
	}
	return nil
}
