// Package ringbuf implements the fixed-size single-producer/single-consumer
// byte ring that hands frame bytes from the link reader goroutine to the
// blocking API calls waiting on them.
package ringbuf

import (
	"sync"

	"github.com/tinylabs/flexdbg/pkg"
)

// Size is the fixed capacity of a RingBuffer, in bytes.
const Size = 16 * 1024

// RingBuffer is a fixed-capacity byte ring with blocking Read/Write.
// One goroutine is expected to call Write (the link reader) and another
// to call Read (an API caller); Close unblocks both sides permanently.
type RingBuffer struct {
	mu     sync.Mutex
	notify *sync.Cond

	buf   [Size]byte
	head  int // next byte to read
	tail  int // next byte to write
	count int // bytes currently buffered

	closed bool
}

// New returns an empty RingBuffer ready for use.
func New() *RingBuffer {
	r := &RingBuffer{}
	r.notify = sync.NewCond(&r.mu)
	return r
}

// Write copies p into the ring, blocking while the ring is full. It writes
// as much of p as fits in one pass and returns the number of bytes copied,
// looping is left to the caller exactly as the read/write sides of the
// frame decoder loop over partial transfers.
func (r *RingBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for r.count == Size && !r.closed {
		r.notify.Wait()
	}
	if r.closed {
		return 0, pkg.ErrClosed
	}

	n := 0
	for n < len(p) && r.count < Size {
		r.buf[r.tail] = p[n]
		r.tail = (r.tail + 1) % Size
		r.count++
		n++
	}

	r.notify.Broadcast()
	return n, nil
}

// WriteFull writes all of p, blocking and looping internally across
// multiple Write passes as the ring drains.
func (r *RingBuffer) WriteFull(p []byte) error {
	for len(p) > 0 {
		n, err := r.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Read copies buffered bytes into p, blocking while the ring is empty.
// It returns as many bytes as are immediately available, up to len(p).
func (r *RingBuffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for r.count == 0 && !r.closed {
		r.notify.Wait()
	}
	if r.count == 0 && r.closed {
		return 0, pkg.ErrClosed
	}

	n := 0
	for n < len(p) && r.count > 0 {
		p[n] = r.buf[r.head]
		r.head = (r.head + 1) % Size
		r.count--
		n++
	}

	r.notify.Broadcast()
	return n, nil
}

// ReadFull reads exactly len(p) bytes into p, looping across Read calls
// until the buffer is filled or the ring is closed.
func (r *RingBuffer) ReadFull(p []byte) error {
	for len(p) > 0 {
		n, err := r.Read(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Len returns the number of bytes currently buffered.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Close unblocks any goroutine waiting in Read or Write. Buffered bytes
// remain readable after Close until drained; Write returns ErrClosed
// immediately once Close has been called.
func (r *RingBuffer) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.notify.Broadcast()
}
