//go:build windows
// +build windows

// File: sock/native_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sock

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// fionbio toggles a socket's non-blocking mode through WSAIoctl; neither
// syscall nor x/sys exposes the constant.
const fionbio = 0x8004667e

// NativeFd wraps a raw winsock handle. The wrapper owns the handle: Close
// releases it exactly once and further use is invalid.
type NativeFd struct {
	fd windows.Handle
}

// NewNativeFd adopts ownership of an existing socket handle.
func NewNativeFd(fd windows.Handle) NativeFd {
	return NativeFd{fd: fd}
}

// Socket returns the raw handle.
func (n *NativeFd) Socket() windows.Handle {
	return n.fd
}

// Valid reports whether the wrapper still owns a handle.
func (n *NativeFd) Valid() bool {
	return n.fd != windows.InvalidHandle
}

// SetIsBlocking toggles the socket's blocking mode.
func (n *NativeFd) SetIsBlocking(blocking bool) error {
	mode := uint32(1)
	if blocking {
		mode = 0
	}
	var returned uint32
	err := windows.WSAIoctl(n.fd, fionbio, (*byte)(unsafe.Pointer(&mode)), uint32(unsafe.Sizeof(mode)),
		nil, 0, &returned, nil, 0)
	if err != nil {
		return fmt.Errorf("set nonblock on handle %d: %w", n.fd, err)
	}
	return nil
}

// Close releases the handle. Safe to call more than once.
func (n *NativeFd) Close() {
	if n.fd == windows.InvalidHandle {
		return
	}
	_ = windows.Closesocket(n.fd)
	n.fd = windows.InvalidHandle
}
