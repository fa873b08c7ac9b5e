// Package testutil provides shared helpers for integration-style
// tests that talk to a live control socket.
package testutil

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"
)

// SocketPath returns a socket path inside a per-test temporary
// directory. Kept short because AF_UNIX paths have a hard length
// limit on most platforms.
func SocketPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ctl.s")
}

// WaitFor waits for a condition to become true, failing the test on
// timeout.
func WaitFor(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for: %s", msg)
		case <-ticker.C:
			if condition() {
				return
			}
		}
	}
}

// WaitForSocket waits until the Unix socket at path accepts a
// connection.
func WaitForSocket(t *testing.T, path string, timeout time.Duration) {
	t.Helper()

	WaitFor(t, timeout, func() bool {
		conn, err := net.DialTimeout("unix", path, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, "socket "+path)
}
