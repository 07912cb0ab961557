// File: sock/sockfd.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Platform-neutral socket handle. The backend behind it is chosen at build
// time: readiness-based on POSIX, completion-port based on Windows.

package sock

import (
	"net/netip"

	"github.com/momentics/hioload-sock/poll"
)

// SocketFd is the public handle over exactly one backend instance. The
// zero value is empty and terminal; handles are only produced by Open and
// FromNativeFd. Calling Read, Write, GetPendingError, or PollInfo on an
// empty handle is a programming error and panics.
type SocketFd struct {
	impl *sockImpl
}

// Open creates a TCP socket for the address family of addr, applies the
// mandatory option set, and starts a non-blocking connect to addr. The
// returned handle is usable immediately; connection establishment is
// observed through the readiness flags.
func Open(addr netip.AddrPort) (SocketFd, error) {
	return open(addr)
}

// FromNativeFd wraps an already-established connection (typically one
// returned by accept), applying the same mandatory option set.
func FromNativeFd(fd NativeFd) (SocketFd, error) {
	return fromNative(fd)
}

// Read copies received bytes into p. A zero return with no error means
// either "would block" (FlagRead cleared) or, when FlagClose is raised,
// an orderly peer close. p must be non-empty.
func (s *SocketFd) Read(p []byte) (int, error) {
	return s.impl.read(p)
}

// Write queues or sends the bytes of p. A zero return with no error means
// the operation would block (FlagWrite cleared); an error return means the
// connection is dead and FlagClose has been raised.
func (s *SocketFd) Write(p []byte) (int, error) {
	return s.impl.write(p)
}

// GetPendingError drains one deferred error if the Error flag is set.
// It returns nil and clears the flag when no error is actually pending.
func (s *SocketFd) GetPendingError() error {
	return s.impl.getPendingError()
}

// PollInfo exposes the native handle and readiness flags to the reactor.
func (s *SocketFd) PollInfo() *poll.Info {
	return s.impl.pollInfo()
}

// Close releases the backend. On POSIX the socket is destroyed
// synchronously; on Windows teardown is deferred until every outstanding
// operation has delivered its completion. The handle is empty afterwards
// and Close is a no-op on an empty handle.
func (s *SocketFd) Close() {
	if s.impl == nil {
		return
	}
	s.impl.close()
	s.impl = nil
}

// Empty reports whether the handle has no backend.
func (s *SocketFd) Empty() bool {
	return s.impl == nil
}
