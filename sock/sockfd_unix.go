//go:build linux || darwin
// +build linux darwin

// File: sock/sockfd_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Readiness-based backend. Every operation is a direct non-blocking
// syscall; the OS holds all buffering, so the backend carries no state
// beyond the descriptor and its readiness flags. Error codes are split
// into three classes: contract violations terminate the process,
// connection-fatal codes raise FlagClose and return the error, and
// anything unclassified is logged and conservatively treated as
// connection-fatal so no errno can retry forever.

package sock

import (
	"fmt"
	"net/netip"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-sock/poll"
)

type sockImpl struct {
	fd   NativeFd
	info *poll.Info
}

func newImpl(fd NativeFd) *sockImpl {
	return &sockImpl{
		fd:   fd,
		info: poll.NewInfo(uintptr(fd.Socket())),
	}
}

// open creates, configures, and connects a socket for addr. EINPROGRESS
// from the non-blocking connect is expected; completion is observed via
// writability.
func open(addr netip.AddrPort) (SocketFd, error) {
	fd, err := unix.Socket(addrFamily(addr), unix.SOCK_STREAM, 0)
	if err != nil {
		return SocketFd{}, fmt.Errorf("create socket: %w", err)
	}
	nfd := NewNativeFd(fd)
	if err := initSocketOptions(&nfd); err != nil {
		nfd.Close()
		return SocketFd{}, err
	}
	if err := unix.Connect(nfd.Socket(), sockaddrFrom(addr)); err != nil && err != unix.EINPROGRESS {
		nfd.Close()
		return SocketFd{}, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return SocketFd{impl: newImpl(nfd)}, nil
}

// fromNative wraps an already-established connection, adopting ownership
// of the descriptor.
func fromNative(fd NativeFd) (SocketFd, error) {
	if err := initSocketOptions(&fd); err != nil {
		fd.Close()
		return SocketFd{}, err
	}
	return SocketFd{impl: newImpl(fd)}, nil
}

// initSocketOptions applies the mandatory option set. Failing to disable
// blocking mode fails the open; the remaining options are best-effort.
func initSocketOptions(fd *NativeFd) error {
	if err := fd.SetIsBlocking(false); err != nil {
		return err
	}
	s := fd.Socket()
	_ = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	_ = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	_ = unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return nil
}

func (s *sockImpl) pollInfo() *poll.Info {
	return s.info
}

func (s *sockImpl) close() {
	s.fd.Close()
	s.info.SetNativeFd(poll.InvalidFd)
}

func (s *sockImpl) write(p []byte) (int, error) {
	fd := s.fd.Socket()
	n, errno := retryOnEINTR(func() (int, error) { return unix.Write(fd, p) })
	if errno == nil {
		return n, nil
	}
	if errno == unix.EAGAIN || errno == unix.EWOULDBLOCK {
		s.info.ClearFlags(poll.FlagWrite)
		return 0, nil
	}

	err := fmt.Errorf("write to fd %d: %w", fd, errno)
	switch errno {
	case unix.EBADF, unix.ENXIO, unix.EFAULT, unix.EINVAL:
		logrus.WithError(err).Fatal("sock: write contract violation")
	case unix.ECONNRESET, unix.EDQUOT, unix.EFBIG, unix.EIO,
		unix.ENETDOWN, unix.ENETUNREACH, unix.ENOSPC, unix.EPIPE:
	default:
		logrus.WithError(err).Warn("sock: unclassified write error, closing connection")
	}
	s.info.ClearFlags(poll.FlagWrite)
	s.info.AddFlags(poll.FlagClose)
	return 0, err
}

func (s *sockImpl) read(p []byte) (int, error) {
	if s.info.HasPendingError() {
		if err := s.getPendingError(); err != nil {
			return 0, err
		}
	}
	if len(p) == 0 {
		logrus.Fatal("sock: read into empty buffer")
	}
	fd := s.fd.Socket()
	n, errno := retryOnEINTR(func() (int, error) { return unix.Read(fd, p) })
	if errno == nil {
		if n == 0 {
			// Orderly peer close: not an error.
			s.info.ClearFlags(poll.FlagRead)
			s.info.AddFlags(poll.FlagClose)
		}
		return n, nil
	}
	if errno == unix.EAGAIN || errno == unix.EWOULDBLOCK {
		s.info.ClearFlags(poll.FlagRead)
		return 0, nil
	}

	err := fmt.Errorf("read from fd %d: %w", fd, errno)
	switch errno {
	case unix.EISDIR, unix.EBADF, unix.ENXIO, unix.EFAULT, unix.EINVAL:
		logrus.WithError(err).Fatal("sock: read contract violation")
	case unix.ENOTCONN, unix.EIO, unix.ENOBUFS, unix.ENOMEM,
		unix.ECONNRESET, unix.ETIMEDOUT:
	default:
		logrus.WithError(err).Warn("sock: unclassified read error, closing connection")
	}
	s.info.ClearFlags(poll.FlagRead)
	s.info.AddFlags(poll.FlagClose)
	return 0, err
}

// getPendingError drains the kernel-level socket error. The Error flag is
// cleared only once the query reports a clean socket; a failure to run the
// query itself is propagated without clearing.
func (s *sockImpl) getPendingError() error {
	if !s.info.HasPendingError() {
		return nil
	}
	fd := s.fd.Socket()
	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("query pending error on fd %d: %w", fd, err)
	}
	if soErr != 0 {
		return fmt.Errorf("pending error on fd %d: %w", fd, unix.Errno(soErr))
	}
	s.info.ClearFlags(poll.FlagError)
	return nil
}

// retryOnEINTR repeats op until it returns anything but EINTR.
func retryOnEINTR(op func() (int, error)) (int, error) {
	for {
		n, err := op()
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}
