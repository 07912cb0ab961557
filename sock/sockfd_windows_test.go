//go:build windows
// +build windows

// File: sock/sockfd_windows_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// On this backend the completion loop raises the readiness flags itself,
// so the tests poll the flag set directly instead of a wait primitive.

package sock_test

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"gotest.tools/v3/assert"

	"github.com/momentics/hioload-sock/poll"
	"github.com/momentics/hioload-sock/sock"
)

const waitTimeout = 5 * time.Second

func waitFlag(t *testing.T, info *poll.Info, f poll.Flags) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if info.Flags().Has(f) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("flag %#x never raised (flags %#x)", f, info.Flags())
}

func readFull(t *testing.T, s *sock.SocketFd, want int) []byte {
	t.Helper()
	out := make([]byte, 0, want)
	buf := make([]byte, 256)
	deadline := time.Now().Add(waitTimeout)
	for len(out) < want && time.Now().Before(deadline) {
		n, err := s.Read(buf)
		assert.NilError(t, err)
		if n == 0 {
			if s.PollInfo().Flags().Has(poll.FlagClose) {
				t.Fatalf("peer closed after %d of %d bytes", len(out), want)
			}
			time.Sleep(time.Millisecond)
			continue
		}
		out = append(out, buf[:n]...)
	}
	assert.Equal(t, len(out), want)
	return out
}

func listenLoopback(t *testing.T) (net.Listener, netip.AddrPort) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	return ln, netip.MustParseAddrPort(ln.Addr().String())
}

func TestOpenPingPong(t *testing.T) {
	ln, addr := listenLoopback(t)
	defer ln.Close()

	var g errgroup.Group
	g.Go(func() error {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		defer conn.Close()
		got := make([]byte, 4)
		if _, err := io.ReadFull(conn, got); err != nil {
			return err
		}
		if string(got) != "PING" {
			return fmt.Errorf("peer saw %q, want PING", got)
		}
		_, err = conn.Write([]byte("PONG"))
		return err
	})

	s, err := sock.Open(addr)
	assert.NilError(t, err)
	defer s.Close()

	// Writes are always accepted in full; the write loop drains them once
	// the connect completion lands.
	n, err := s.Write([]byte("PING"))
	assert.NilError(t, err)
	assert.Equal(t, n, 4)

	waitFlag(t, s.PollInfo(), poll.FlagRead)
	got := readFull(t, &s, 4)
	assert.Equal(t, string(got), "PONG")
	assert.NilError(t, g.Wait())
}

func TestWriteOrderPreserved(t *testing.T) {
	ln, addr := listenLoopback(t)
	defer ln.Close()

	collected := make(chan []byte, 1)
	var g errgroup.Group
	g.Go(func() error {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		defer conn.Close()
		data, err := io.ReadAll(conn)
		collected <- data
		return err
	})

	s, err := sock.Open(addr)
	assert.NilError(t, err)
	for _, p := range []string{"alpha", "beta", "gamma"} {
		n, err := s.Write([]byte(p))
		assert.NilError(t, err)
		assert.Equal(t, n, len(p))
	}
	// Give the write loop time to drain before the close notification.
	time.Sleep(100 * time.Millisecond)
	s.Close()

	assert.NilError(t, g.Wait())
	assert.Equal(t, string(<-collected), "alphabetagamma")
}

func TestEveryWriteWakesTheDrainLoop(t *testing.T) {
	ln, addr := listenLoopback(t)
	defer ln.Close()

	const (
		chunks    = 1000
		chunkSize = 100
	)
	collected := make(chan int, 1)
	var g errgroup.Group
	g.Go(func() error {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(waitTimeout))
		total := 0
		buf := make([]byte, 4096)
		for total < chunks*chunkSize {
			n, err := conn.Read(buf)
			total += n
			if err != nil {
				break
			}
		}
		collected <- total
		return nil
	})

	s, err := sock.Open(addr)
	assert.NilError(t, err)
	defer s.Close()

	// Small paced writes repeatedly catch the drain loop parked on the
	// write-waiting flag; a lost wake strands the tail chunk and the
	// peer never reaches the expected total.
	chunk := make([]byte, chunkSize)
	for i := 0; i < chunks; i++ {
		n, err := s.Write(chunk)
		assert.NilError(t, err)
		assert.Equal(t, n, chunkSize)
		if i%50 == 0 {
			time.Sleep(time.Millisecond)
		}
	}

	assert.NilError(t, g.Wait())
	assert.Equal(t, <-collected, chunks*chunkSize)
}

func TestPeerCloseRaisesCloseFlag(t *testing.T) {
	ln, addr := listenLoopback(t)
	defer ln.Close()

	var g errgroup.Group
	g.Go(func() error {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		return conn.Close()
	})

	s, err := sock.Open(addr)
	assert.NilError(t, err)
	defer s.Close()
	assert.NilError(t, g.Wait())

	waitFlag(t, s.PollInfo(), poll.FlagClose)
	buf := make([]byte, 16)
	n, err := s.Read(buf)
	assert.NilError(t, err)
	assert.Equal(t, n, 0)
	assert.Assert(t, s.PollInfo().Flags().Has(poll.FlagClose))
}

func TestCloseRacesOutstandingWrite(t *testing.T) {
	ln, addr := listenLoopback(t)
	defer ln.Close()

	var g errgroup.Group
	g.Go(func() error {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		defer conn.Close()
		_, err = io.Copy(io.Discard, conn)
		return err
	})

	s, err := sock.Open(addr)
	assert.NilError(t, err)

	// Close immediately after a large write whose completion cannot have
	// arrived yet. The backend must drain and free exactly once without
	// crashing; whether the bytes reach the peer is unspecified.
	big := make([]byte, 1<<20)
	_, err = s.Write(big)
	assert.NilError(t, err)
	s.Close()
	assert.Assert(t, s.Empty())

	ln.Close()
	_ = g.Wait()
}

func TestErrorDeferredUntilForegroundCall(t *testing.T) {
	// Connect to a refused port: the failure arrives on the completion
	// thread and must only surface through the Error flag and a
	// foreground drain.
	ln, addr := listenLoopback(t)
	ln.Close()

	s, err := sock.Open(addr)
	assert.NilError(t, err)
	defer s.Close()

	waitFlag(t, s.PollInfo(), poll.FlagError)
	err = s.GetPendingError()
	assert.Assert(t, err != nil, "queued connect failure never surfaced")
	assert.NilError(t, s.GetPendingError())
	assert.Assert(t, !s.PollInfo().HasPendingError())
}

func TestEmptyHandle(t *testing.T) {
	var s sock.SocketFd
	assert.Assert(t, s.Empty())
	s.Close()
	assert.Assert(t, s.Empty())
}
