//go:build linux || darwin
// +build linux darwin

// File: sock/native_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NativeFd wraps a raw OS socket descriptor. The wrapper owns the
// descriptor: Close releases it exactly once and further use is invalid.
type NativeFd struct {
	fd int
}

// NewNativeFd adopts ownership of an existing descriptor.
func NewNativeFd(fd int) NativeFd {
	return NativeFd{fd: fd}
}

// Socket returns the raw descriptor.
func (n *NativeFd) Socket() int {
	return n.fd
}

// Valid reports whether the wrapper still owns a descriptor.
func (n *NativeFd) Valid() bool {
	return n.fd >= 0
}

// SetIsBlocking toggles the descriptor's blocking mode.
func (n *NativeFd) SetIsBlocking(blocking bool) error {
	if err := unix.SetNonblock(n.fd, !blocking); err != nil {
		return fmt.Errorf("set nonblock on fd %d: %w", n.fd, err)
	}
	return nil
}

// Close releases the descriptor. Safe to call more than once.
func (n *NativeFd) Close() {
	if n.fd < 0 {
		return
	}
	_ = unix.Close(n.fd)
	n.fd = -1
}
