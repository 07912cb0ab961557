// File: sock/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package sock provides a cross-platform, non-blocking TCP socket primitive
// with one uniform contract: Read, Write, readiness flags, and pending-error
// retrieval. Two backends implement it. On POSIX systems every operation is
// a direct non-blocking syscall and the OS error code is classified on the
// spot. On Windows the backend drives overlapped I/O through the process
// completion port, staging bytes in internal chain buffers and keeping
// itself alive with a reference count until every outstanding operation has
// completed.
//
// The package is the object a reactor polls, not the reactor itself: it
// never blocks, never retries, and reports every state change through the
// poll.Info it owns.
package sock
