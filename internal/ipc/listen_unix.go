//go:build !windows

package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// listen creates the unix socket listener, removing a stale socket
// file left behind by a previous run.
func listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	if err := cleanupSocket(path); err != nil {
		return nil, err
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		l.Close()
		return nil, fmt.Errorf("set socket permissions: %w", err)
	}

	return l, nil
}

// cleanupSocket removes a stale socket file.
func cleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Only remove if it is actually a socket.
	if info.Mode()&os.ModeSocket != 0 {
		return os.Remove(path)
	}

	return fmt.Errorf("path exists but is not a socket: %s", path)
}

// dial connects to the agent socket. Used by the client package side.
func dial(path string) (net.Conn, error) {
	return net.Dial("unix", path)
}
