//go:build windows

package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
	"unsafe"
)

// Named pipe constants.
const (
	pipeAccessDuplex       = 0x00000003
	pipeTypeMessage        = 0x00000004
	pipeReadmodeMessage    = 0x00000002
	pipeWait               = 0x00000000
	pipeUnlimitedInstances = 255

	pipeBufferSize = 64 * 1024
)

var (
	kernel32                = syscall.NewLazyDLL("kernel32.dll")
	procCreateNamedPipeW    = kernel32.NewProc("CreateNamedPipeW")
	procConnectNamedPipe    = kernel32.NewProc("ConnectNamedPipe")
	procDisconnectNamedPipe = kernel32.NewProc("DisconnectNamedPipe")
)

// listen creates a named pipe listener. The socket path is mapped to a
// per-user pipe name.
func listen(path string) (net.Listener, error) {
	return &pipeListener{pipeName: pipePath(path), pending: syscall.InvalidHandle}, nil
}

// cleanupSocket is a no-op on Windows; named pipes are managed by the
// system.
func cleanupSocket(string) error {
	return nil
}

// dial connects to the agent pipe. Used by the client package side.
func dial(path string) (net.Conn, error) {
	name := pipePath(path)
	handle, err := syscall.CreateFile(
		syscall.StringToUTF16Ptr(name),
		syscall.GENERIC_READ|syscall.GENERIC_WRITE,
		0,
		nil,
		syscall.OPEN_EXISTING,
		0,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("open pipe: %w", err)
	}
	return &pipeConn{handle: handle, pipeName: name}, nil
}

// pipePath converts a socket path to a Windows named pipe path.
func pipePath(socketPath string) string {
	if strings.HasPrefix(socketPath, `\\.\pipe\`) {
		return socketPath
	}
	baseName := filepath.Base(socketPath)
	username := os.Getenv("USERNAME")
	if username == "" {
		username = "default"
	}
	return fmt.Sprintf(`\\.\pipe\activityd-%s-%s`, username, baseName)
}

func createNamedPipe(name string) (syscall.Handle, error) {
	pipeName, err := syscall.UTF16PtrFromString(name)
	if err != nil {
		return syscall.InvalidHandle, err
	}

	// Message mode gives atomic frames on the pipe.
	handle, _, err := procCreateNamedPipeW.Call(
		uintptr(unsafe.Pointer(pipeName)),
		pipeAccessDuplex,
		pipeTypeMessage|pipeReadmodeMessage|pipeWait,
		pipeUnlimitedInstances,
		pipeBufferSize,
		pipeBufferSize,
		0,
		0, // Default security descriptor (current user)
	)

	if handle == uintptr(syscall.InvalidHandle) {
		return syscall.InvalidHandle, err
	}

	return syscall.Handle(handle), nil
}

func connectNamedPipe(handle syscall.Handle) error {
	r, _, err := procConnectNamedPipe.Call(uintptr(handle), 0)
	if r == 0 {
		errno, ok := err.(syscall.Errno)
		if ok && errno == 535 { // ERROR_PIPE_CONNECTED
			return nil
		}
		return err
	}
	return nil
}

func disconnectNamedPipe(handle syscall.Handle) error {
	r, _, err := procDisconnectNamedPipe.Call(uintptr(handle))
	if r == 0 {
		return err
	}
	return nil
}

// pipeListener implements net.Listener for Windows named pipes.
type pipeListener struct {
	pipeName string

	mu      sync.Mutex
	pending syscall.Handle // instance parked in ConnectNamedPipe
	closed  bool
}

func (l *pipeListener) Accept() (net.Conn, error) {
	handle, err := createNamedPipe(l.pipeName)
	if err != nil {
		return nil, fmt.Errorf("create pipe: %w", err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		syscall.CloseHandle(handle)
		return nil, net.ErrClosed
	}
	l.pending = handle
	l.mu.Unlock()

	connErr := connectNamedPipe(handle)

	l.mu.Lock()
	l.pending = syscall.InvalidHandle
	closed := l.closed
	l.mu.Unlock()

	// Close may have completed the wait with its own throwaway
	// connection; that connection is not a real client.
	if closed {
		syscall.CloseHandle(handle)
		return nil, net.ErrClosed
	}
	if connErr != nil {
		syscall.CloseHandle(handle)
		return nil, fmt.Errorf("connect pipe: %w", connErr)
	}

	return &pipeConn{handle: handle, pipeName: l.pipeName}, nil
}

// Close marks the listener closed and unblocks an Accept parked in
// ConnectNamedPipe by connecting to the pipe itself.
func (l *pipeListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	pending := l.pending
	l.mu.Unlock()

	if pending != syscall.InvalidHandle {
		h, err := syscall.CreateFile(
			syscall.StringToUTF16Ptr(l.pipeName),
			syscall.GENERIC_READ|syscall.GENERIC_WRITE,
			0,
			nil,
			syscall.OPEN_EXISTING,
			0,
			0,
		)
		if err == nil {
			syscall.CloseHandle(h)
		}
	}
	return nil
}

func (l *pipeListener) Addr() net.Addr {
	return &pipeAddr{name: l.pipeName}
}

// pipeConn implements net.Conn for Windows named pipes.
type pipeConn struct {
	handle   syscall.Handle
	pipeName string
}

func (c *pipeConn) Read(b []byte) (int, error) {
	var n uint32
	err := syscall.ReadFile(c.handle, b, &n, nil)
	return int(n), err
}

func (c *pipeConn) Write(b []byte) (int, error) {
	var n uint32
	err := syscall.WriteFile(c.handle, b, &n, nil)
	return int(n), err
}

func (c *pipeConn) Close() error {
	disconnectNamedPipe(c.handle)
	return syscall.CloseHandle(c.handle)
}

func (c *pipeConn) LocalAddr() net.Addr  { return &pipeAddr{name: c.pipeName} }
func (c *pipeConn) RemoteAddr() net.Addr { return &pipeAddr{name: c.pipeName} }

// Named pipes would need overlapped I/O for deadlines; the read loop
// relies on connection close for teardown instead.
func (c *pipeConn) SetDeadline(time.Time) error      { return nil }
func (c *pipeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *pipeConn) SetWriteDeadline(time.Time) error { return nil }

type pipeAddr struct {
	name string
}

func (a *pipeAddr) Network() string { return "pipe" }
func (a *pipeAddr) String() string  { return a.name }
