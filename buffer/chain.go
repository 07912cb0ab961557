// File: buffer/chain.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Growable byte-chain buffer split into a writer half and a reader half.
// One goroutine appends, another consumes; the reader only observes bytes
// up to its last SyncWithWriter snapshot. Used by the completion-port
// socket backend to hand bytes between the caller and the completion
// worker without copying through an intermediate queue.

package buffer

import "sync/atomic"

// chunkSize is the fixed capacity of one chain node. Appends that do not
// fit spill into a freshly linked node.
const chunkSize = 4096

type chunk struct {
	buf  [chunkSize]byte
	size atomic.Int32 // bytes committed by the writer
	next atomic.Pointer[chunk]
}

// Writer is the appending half of a byte chain. All methods must be called
// from a single goroutine.
type Writer struct {
	head  *chunk // root of the chain until the reader takes over; nil after
	tail  *chunk
	total atomic.Int64 // committed bytes over the chain's lifetime
}

// NewWriter returns an empty chain writer.
func NewWriter() *Writer {
	c := new(chunk)
	return &Writer{head: c, tail: c}
}

// Reader extracts the consuming half. Call it once, before any bytes are
// appended; writer and reader may then live on different goroutines. The
// writer hands its chain root to the reader, so chunks the reader has
// moved past become collectable instead of accumulating for the life of
// the pair.
func (w *Writer) Reader() *Reader {
	if w.head == nil {
		panic("buffer: reader already extracted")
	}
	r := &Reader{w: w, cur: w.head}
	w.head = nil
	return r
}

// PrepareAppend returns a non-empty writable slice at the chain's tail.
// Bytes placed there become visible to the reader only after ConfirmAppend.
func (w *Writer) PrepareAppend() []byte {
	used := int(w.tail.size.Load())
	if used == chunkSize {
		c := new(chunk)
		w.tail.next.Store(c)
		w.tail = c
		used = 0
	}
	return w.tail.buf[used:]
}

// ConfirmAppend commits n bytes previously staged via PrepareAppend.
func (w *Writer) ConfirmAppend(n int) {
	if n == 0 {
		return
	}
	w.tail.size.Add(int32(n))
	w.total.Add(int64(n))
}

// Append copies p into the chain, growing it as needed.
func (w *Writer) Append(p []byte) {
	for len(p) > 0 {
		dst := w.PrepareAppend()
		n := copy(dst, p)
		w.ConfirmAppend(n)
		p = p[n:]
	}
}

// Reader is the consuming half of a byte chain. All methods must be called
// from a single goroutine, which need not be the writer's.
type Reader struct {
	w     *Writer
	cur   *chunk
	off   int   // consumed bytes within cur
	limit int64 // writer total captured by the last SyncWithWriter
	done  int64 // consumed bytes over the chain's lifetime
}

// SyncWithWriter refreshes the reader's view of how many bytes the writer
// has committed since the last sync.
func (r *Reader) SyncWithWriter() {
	r.limit = r.w.total.Load()
}

// Size returns the number of synced, unconsumed bytes.
func (r *Reader) Size() int {
	return int(r.limit - r.done)
}

// PrepareRead returns the next contiguous run of readable bytes, or an
// empty slice when nothing synced remains. The slice stays valid until
// the matching ConfirmRead.
func (r *Reader) PrepareRead() []byte {
	for {
		avail := int(r.cur.size.Load())
		if r.off < avail {
			n := avail - r.off
			if rem := int(r.limit - r.done); n > rem {
				n = rem
			}
			if n <= 0 {
				return nil
			}
			return r.cur.buf[r.off : r.off+n]
		}
		if r.off < chunkSize {
			return nil
		}
		next := r.cur.next.Load()
		if next == nil {
			return nil
		}
		r.cur = next
		r.off = 0
	}
}

// ConfirmRead marks n bytes of the last PrepareRead slice as consumed.
func (r *Reader) ConfirmRead(n int) {
	r.off += n
	r.done += int64(n)
}

// Advance copies up to n synced bytes into dst and consumes them,
// returning the number copied.
func (r *Reader) Advance(n int, dst []byte) int {
	if n > len(dst) {
		n = len(dst)
	}
	total := 0
	for n > 0 {
		src := r.PrepareRead()
		if len(src) == 0 {
			break
		}
		if len(src) > n {
			src = src[:n]
		}
		m := copy(dst[total:], src)
		r.ConfirmRead(m)
		total += m
		n -= m
	}
	return total
}
