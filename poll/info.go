// File: poll/info.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package poll

import "sync/atomic"

// InvalidFd is the native-handle value stored once a socket has been
// released. The reactor must treat it as "do not poll".
const InvalidFd = ^uintptr(0)

// Info pairs a native socket handle with its readiness flags. It is owned
// by the socket backend and read by the external reactor; it is the only
// channel through which a backend reports state changes upward.
type Info struct {
	fd    atomic.Uintptr
	flags FlagSet
}

// NewInfo returns an Info bound to the given native handle.
func NewInfo(fd uintptr) *Info {
	i := &Info{}
	i.fd.Store(fd)
	return i
}

// NativeFd returns the native handle the reactor should poll.
func (i *Info) NativeFd() uintptr {
	return i.fd.Load()
}

// SetNativeFd replaces the stored handle. Backends call it with InvalidFd
// when the underlying socket has been closed out from under the reactor.
func (i *Info) SetNativeFd(fd uintptr) {
	i.fd.Store(fd)
}

// AddFlags raises readiness flags.
func (i *Info) AddFlags(f Flags) {
	i.flags.Add(f)
}

// ClearFlags lowers readiness flags (FlagClose excluded, see FlagSet.Clear).
func (i *Info) ClearFlags(f Flags) {
	i.flags.Clear(f)
}

// Flags returns a snapshot of the readiness flags.
func (i *Info) Flags() Flags {
	return i.flags.Load()
}

// HasPendingError reports whether a deferred error awaits retrieval.
func (i *Info) HasPendingError() bool {
	return i.flags.Load().HasPendingError()
}
