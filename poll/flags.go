// File: poll/flags.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Readiness flags shared between socket backends and the external reactor.

package poll

import "sync/atomic"

// Flags is a bit-set describing which operations on a socket would
// currently make progress without blocking.
type Flags uint32

const (
	// FlagRead is set when buffered or kernel-side data is available.
	FlagRead Flags = 1 << iota
	// FlagWrite is set when the socket can accept outbound bytes.
	FlagWrite
	// FlagClose is set when the peer has closed or the connection died.
	// Once set it is never cleared.
	FlagClose
	// FlagError is set when a deferred error is pending retrieval. It is
	// sticky until the error is drained via GetPendingError.
	FlagError
)

// Has reports whether every bit of o is present in f.
func (f Flags) Has(o Flags) bool {
	return f&o == o
}

// HasPendingError reports whether a deferred error awaits retrieval.
func (f Flags) HasPendingError() bool {
	return f&FlagError != 0
}

// FlagSet is an atomically mutable Flags value. Completion workers raise
// flags concurrently with the owning goroutine reading them, so all
// mutation goes through atomic bit operations.
type FlagSet struct {
	bits atomic.Uint32
}

// Add raises the given flags.
func (s *FlagSet) Add(f Flags) {
	// atomic.Uint32.Or requires Go 1.23; emulate it for older toolchains.
	for {
		old := s.bits.Load()
		if s.bits.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

// Clear lowers the given flags. FlagClose is terminal and is silently
// excluded from the mask.
func (s *FlagSet) Clear(f Flags) {
	f &^= FlagClose
	// atomic.Uint32.And requires Go 1.23; emulate it for older toolchains.
	for {
		old := s.bits.Load()
		if s.bits.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

// Load returns a snapshot of the current flags.
func (s *FlagSet) Load() Flags {
	return Flags(s.bits.Load())
}
