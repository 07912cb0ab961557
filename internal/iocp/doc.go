// File: internal/iocp/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package iocp owns the process-wide Windows I/O completion port and fans
// completions out to subscribed socket backends. On other platforms the
// package is empty; the readiness-based backend needs no dispatcher.
package iocp
