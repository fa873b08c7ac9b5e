//go:build !windows

package control

import (
	"fmt"
	"math"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// newUnixListener creates the control socket: any stale socket file
// from a crashed instance is removed first, the socket is bound and
// restricted to the owning user, and the backlog is set to the largest
// value the type can carry (the kernel clamps it to its own maximum).
func newUnixListener(path string) (*net.UnixListener, error) {
	// Just to be sure.
	_ = os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("creating control socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding control socket to %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o700); err != nil {
		unix.Close(fd)
		_ = os.Remove(path)
		return nil, fmt.Errorf("restricting control socket %s: %w", path, err)
	}
	if err := unix.Listen(fd, math.MaxInt32); err != nil {
		unix.Close(fd)
		_ = os.Remove(path)
		return nil, fmt.Errorf("listening on control socket %s: %w", path, err)
	}

	// net.FileListener duplicates the descriptor, so the original is
	// closed here regardless of the outcome.
	file := os.NewFile(uintptr(fd), path)
	defer file.Close()

	listener, err := net.FileListener(file)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("adopting control socket %s: %w", path, err)
	}
	return listener.(*net.UnixListener), nil
}
