//go:build windows
// +build windows

// File: sock/sockfd_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Completion-port backend. Completions arrive on the dispatcher goroutine
// asynchronously with respect to the foreground caller, so the backend is
// kept alive by a reference count: the handle holds one reference and every
// outstanding operation holds one more. Teardown runs exactly when the
// count reaches zero. The only state shared between the foreground and the
// completion side is the write-waiting flag and the pending-error queue,
// both guarded by one small mutex held only for the flag check or queue
// push. Everything else is touched solely on the serialized completion
// sequence.

package sock

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"

	"github.com/momentics/hioload-sock/buffer"
	"github.com/momentics/hioload-sock/internal/iocp"
	"github.com/momentics/hioload-sock/poll"
)

// opKind discriminates which in-flight operation a completion belongs to.
type opKind int32

const (
	opConnect opKind = iota + 1
	opRead
	opWrite
	opClose
)

// operation tags an overlapped record with its kind. The Overlapped must
// stay the first field: the completion handler recovers the operation from
// the *Overlapped the kernel hands back.
type operation struct {
	o    windows.Overlapped
	kind opKind
}

func opFromOverlapped(ov *windows.Overlapped) *operation {
	return (*operation)(unsafe.Pointer(ov))
}

type sockImpl struct {
	fd   NativeFd
	info *poll.Info
	key  uintptr

	// refcnt starts at 1 for the handle's hold and gains one per issued
	// operation. The backend is released the instant it reaches zero.
	refcnt atomic.Int32

	// Completion-sequence state. Serialized delivery makes these safe
	// without locking.
	closeFlag   bool
	connected   bool
	dialing     bool
	readActive  bool
	writeActive bool

	inWriter  *buffer.Writer
	inReader  *buffer.Reader
	outWriter *buffer.Writer
	outReader *buffer.Reader

	connectOp operation
	readOp    operation
	writeOp   operation
	closeOp   operation

	mu           sync.Mutex
	writeWaiting bool // guarded by mu
	pendingErrs  *queue.Queue
}

func newImplBase(fd NativeFd) *sockImpl {
	s := &sockImpl{
		fd:          fd,
		info:        poll.NewInfo(uintptr(fd.Socket())),
		pendingErrs: queue.New(),
	}
	s.refcnt.Store(1)
	s.connectOp.kind = opConnect
	s.readOp.kind = opRead
	s.writeOp.kind = opWrite
	s.closeOp.kind = opClose
	s.inWriter = buffer.NewWriter()
	s.inReader = s.inWriter.Reader()
	s.outWriter = buffer.NewWriter()
	s.outReader = s.outWriter.Reader()
	s.info.AddFlags(poll.FlagWrite)
	return s
}

// newImpl wraps an already-connected handle. The connected transition is
// posted through the port so the read loop arms on the completion sequence.
func newImpl(fd NativeFd) (*sockImpl, error) {
	s := newImplBase(fd)
	key, err := iocp.Get().Subscribe(fd.Socket(), s)
	if err != nil {
		return nil, err
	}
	s.key = key
	s.notifyConnected()
	return s, nil
}

// newConnectingImpl issues an overlapped connect toward addr. The backend
// transitions to connected when the completion is delivered.
func newConnectingImpl(fd NativeFd, addr netip.AddrPort) (*sockImpl, error) {
	s := newImplBase(fd)
	s.dialing = true
	key, err := iocp.Get().Subscribe(fd.Socket(), s)
	if err != nil {
		return nil, err
	}
	s.key = key

	s.connectOp.o = windows.Overlapped{}
	s.incRef()
	err = windows.ConnectEx(fd.Socket(), sockaddrFrom(addr), nil, 0, nil, &s.connectOp.o)
	if err != nil && err != windows.ERROR_IO_PENDING {
		// The operation was never queued; drop its reference and surface
		// the failure through the pending-error path.
		s.refcnt.Add(-1)
		s.onError(fmt.Errorf("connect to %s: %w", addr, err))
	}
	return s, nil
}

// open creates an overlapped socket, applies the mandatory options, binds
// to the wildcard address (ConnectEx requires a bound socket), and starts
// the asynchronous connect.
func open(addr netip.AddrPort) (SocketFd, error) {
	fd, err := windows.WSASocket(int32(addrFamily(addr)), windows.SOCK_STREAM, windows.IPPROTO_TCP,
		nil, 0, windows.WSA_FLAG_OVERLAPPED)
	if err != nil {
		return SocketFd{}, fmt.Errorf("create socket: %w", err)
	}
	nfd := NewNativeFd(fd)
	if err := initSocketOptions(&nfd); err != nil {
		nfd.Close()
		return SocketFd{}, err
	}
	if err := windows.Bind(nfd.Socket(), wildcardSockaddr(addr)); err != nil {
		nfd.Close()
		return SocketFd{}, fmt.Errorf("bind wildcard for %s: %w", addr, err)
	}
	impl, err := newConnectingImpl(nfd, addr)
	if err != nil {
		nfd.Close()
		return SocketFd{}, err
	}
	return SocketFd{impl: impl}, nil
}

// fromNative wraps an already-established connection, adopting ownership
// of the handle.
func fromNative(fd NativeFd) (SocketFd, error) {
	if err := initSocketOptions(&fd); err != nil {
		fd.Close()
		return SocketFd{}, err
	}
	impl, err := newImpl(fd)
	if err != nil {
		fd.Close()
		return SocketFd{}, err
	}
	return SocketFd{impl: impl}, nil
}

// initSocketOptions applies the mandatory option set. Failing to disable
// blocking mode fails the open; the remaining options are best-effort.
func initSocketOptions(fd *NativeFd) error {
	if err := fd.SetIsBlocking(false); err != nil {
		return err
	}
	s := fd.Socket()
	_ = windows.SetsockoptInt(s, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	_ = windows.SetsockoptInt(s, windows.SOL_SOCKET, windows.SO_KEEPALIVE, 1)
	_ = windows.SetsockoptInt(s, windows.IPPROTO_TCP, windows.TCP_NODELAY, 1)
	return nil
}

func (s *sockImpl) pollInfo() *poll.Info {
	return s.info
}

// close posts the close notification and returns. The backend destroys
// itself once that notification and any racing completions have drained.
func (s *sockImpl) close() {
	if err := iocp.Get().Post(s.key, &s.closeOp.o); err != nil {
		logrus.WithError(err).Fatal("sock: failed to post close notification")
	}
}

// write appends to the outbound chain and wakes the write loop if it went
// idle waiting for data. The bytes are always accepted in full; delivery
// failures surface later through the Error flag.
func (s *sockImpl) write(p []byte) (int, error) {
	if s.info.HasPendingError() {
		if err := s.getPendingError(); err != nil {
			return 0, err
		}
	}
	s.outWriter.Append(p)
	s.mu.Lock()
	wake := s.writeWaiting
	s.writeWaiting = false
	s.mu.Unlock()
	if wake {
		s.notifyWrite()
	}
	return len(p), nil
}

// read serves bytes the completion loop has already staged. A zero return
// with FlagRead cleared means nothing is buffered yet.
func (s *sockImpl) read(p []byte) (int, error) {
	if s.info.HasPendingError() {
		if err := s.getPendingError(); err != nil {
			return 0, err
		}
	}
	if len(p) == 0 {
		logrus.Fatal("sock: read into empty buffer")
	}
	s.inReader.SyncWithWriter()
	n := len(p)
	if sz := s.inReader.Size(); sz < n {
		n = sz
	}
	res := s.inReader.Advance(n, p)
	if res == 0 {
		s.info.ClearFlags(poll.FlagRead)
	}
	return res, nil
}

// getPendingError pops one deferred error. The Error flag stays up while
// more errors remain queued.
func (s *sockImpl) getPendingError() error {
	var err error
	s.mu.Lock()
	if s.pendingErrs.Length() > 0 {
		err = s.pendingErrs.Remove().(error)
	}
	if err == nil {
		s.info.ClearFlags(poll.FlagError)
	}
	s.mu.Unlock()
	return err
}

// OnCompletion implements iocp.Callback. Every delivery releases the
// reference its operation held; a nil overlapped is the synthetic write
// wake posted by a foreground write.
func (s *sockImpl) OnCompletion(qty uint32, ov *windows.Overlapped, err error) {
	if s.decRef() || s.closeFlag {
		return
	}
	if err != nil {
		s.onError(err)
		return
	}
	if ov == nil {
		s.onWrite(0)
		return
	}
	switch op := opFromOverlapped(ov); op.kind {
	case opConnect:
		s.onConnected()
	case opRead:
		s.onRead(int(qty))
	case opWrite:
		s.onWrite(int(qty))
	case opClose:
		s.onClose()
	default:
		logrus.Fatalf("sock: completion for unknown operation kind %d", op.kind)
	}
}

// loopRead keeps exactly one receive outstanding against fresh capacity
// from the inbound chain.
func (s *sockImpl) loopRead() {
	if !s.connected || s.readActive {
		logrus.Fatal("sock: read loop state violation")
	}
	if s.closeFlag {
		return
	}
	dest := s.inWriter.PrepareAppend()
	s.readOp.o = windows.Overlapped{}
	buf := windows.WSABuf{Len: uint32(len(dest)), Buf: &dest[0]}
	var flags uint32
	s.incRef()
	err := windows.WSARecv(s.fd.Socket(), &buf, 1, nil, &flags, &s.readOp.o, nil)
	if err == nil || err == windows.ERROR_IO_PENDING {
		s.readActive = true
		return
	}
	s.refcnt.Add(-1)
	s.onError(fmt.Errorf("receive: %w", err))
}

// loopWrite posts one send covering the currently unsent bytes, or parks
// itself on the write-waiting flag when the outbound chain is empty. The
// re-sync under the lock orders the empty check against a foreground
// write, which appends before taking the same lock: either the bytes are
// visible here, or the flag is visible there and triggers the wake.
func (s *sockImpl) loopWrite() {
	if !s.connected || s.writeActive {
		logrus.Fatal("sock: write loop state violation")
	}
	s.outReader.SyncWithWriter()
	toWrite := s.outReader.PrepareRead()
	if len(toWrite) == 0 {
		s.mu.Lock()
		s.outReader.SyncWithWriter()
		toWrite = s.outReader.PrepareRead()
		if len(toWrite) == 0 {
			s.writeWaiting = true
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
	s.writeOp.o = windows.Overlapped{}
	buf := windows.WSABuf{Len: uint32(len(toWrite)), Buf: &toWrite[0]}
	s.incRef()
	err := windows.WSASend(s.fd.Socket(), &buf, 1, nil, 0, &s.writeOp.o, nil)
	if err == nil || err == windows.ERROR_IO_PENDING {
		s.writeActive = true
		return
	}
	s.refcnt.Add(-1)
	s.onError(fmt.Errorf("send: %w", err))
}

// onError queues the failure and raises the Error flag. FlagClose is
// reserved for peer-close detection and is not raised here.
func (s *sockImpl) onError(err error) {
	logrus.WithError(err).Debugf("sock: deferred error on fd %d", s.info.NativeFd())
	s.mu.Lock()
	s.pendingErrs.Add(err)
	s.mu.Unlock()
	s.info.AddFlags(poll.FlagError)
}

func (s *sockImpl) onConnected() {
	if s.connected {
		logrus.Fatal("sock: duplicate connect completion")
	}
	s.connected = true
	if s.dialing {
		// Required after ConnectEx before shutdown/getpeername work.
		if err := windows.Setsockopt(s.fd.Socket(), windows.SOL_SOCKET,
			windows.SO_UPDATE_CONNECT_CONTEXT, nil, 0); err != nil {
			logrus.WithError(err).Debug("sock: SO_UPDATE_CONNECT_CONTEXT failed")
		}
	}
	s.loopRead()
	s.loopWrite()
}

func (s *sockImpl) onRead(n int) {
	if !s.readActive {
		logrus.Fatal("sock: read completion without outstanding read")
	}
	s.readActive = false
	if n == 0 {
		// Peer closed its side; the loop terminates here.
		s.info.AddFlags(poll.FlagClose)
		return
	}
	s.inWriter.ConfirmAppend(n)
	s.info.AddFlags(poll.FlagRead)
	s.loopRead()
}

func (s *sockImpl) onWrite(n int) {
	if n == 0 && s.writeActive {
		// Synthetic wake while a send is in flight; its completion will
		// re-run the loop.
		return
	}
	s.writeActive = false
	s.outReader.ConfirmRead(n)
	s.loopWrite()
}

func (s *sockImpl) onClose() {
	s.closeFlag = true
	s.fd.Close()
	s.info.SetNativeFd(poll.InvalidFd)
}

func (s *sockImpl) incRef() {
	if s.refcnt.Add(1) <= 1 {
		logrus.Fatal("sock: operation issued on released socket")
	}
}

// decRef reports whether this release was the last one and the backend has
// been torn down.
func (s *sockImpl) decRef() bool {
	switch v := s.refcnt.Add(-1); {
	case v == 0:
		s.release()
		return true
	case v < 0:
		logrus.Fatal("sock: reference count underflow")
	}
	return false
}

// release frees the backend: exactly one caller ever gets here, on
// whichever goroutine observed the count hit zero.
func (s *sockImpl) release() {
	iocp.Get().Unsubscribe(s.key)
	s.fd.Close()
	s.info.SetNativeFd(poll.InvalidFd)
}

// notifyWrite wakes the parked write loop on the completion sequence.
func (s *sockImpl) notifyWrite() {
	s.incRef()
	if err := iocp.Get().Post(s.key, nil); err != nil {
		logrus.WithError(err).Fatal("sock: failed to post write wake")
	}
}

// notifyConnected schedules the connected transition for a socket adopted
// in an already-established state.
func (s *sockImpl) notifyConnected() {
	s.incRef()
	if err := iocp.Get().Post(s.key, &s.connectOp.o); err != nil {
		logrus.WithError(err).Fatal("sock: failed to post connected notification")
	}
}
