package transport

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"
)

// RingChannel is the lower-latency, shared-memory alternative to
// PipeChannel. It stores frames in a
// fixed-capacity byte ring backed by an anonymous MAP_SHARED mapping.
//
// A RingChannel works within a single process only. The mapping is
// anonymous and is not handed to re-exec'd children (an exec replaces the
// address space), and its sync.Mutex/sync.Cond are per-process Go runtime
// objects that cannot wake a waiter in another process. No doorbell pipe
// or other cross-process signalling exists for it, and taskmanager wires
// its topology with PipeChannel only. Within one process (tests,
// benchmarking parity with PipeChannel) RingChannel is fully self-contained.
//
// A RingChannel only covers one direction; a full duplex connection is a
// pair, exactly like PipeChannel.
type RingChannel struct {
	buf  []byte // mmap'd shared region
	size uint32

	mu     sync.Mutex
	cond   *sync.Cond
	head   uint32 // next byte to read
	tail   uint32 // next byte to write
	used   uint32
	closed bool
	notify chan struct{}
}

// NewSharedRing allocates a new anonymous MAP_SHARED region of the given
// capacity in bytes (64 KiB when capacity <= 0) for use as one direction
// of a ring channel. The returned RingChannel must be Closed to release the mapping.
func NewSharedRing(capacity int) (*RingChannel, error) {
	if capacity <= 0 {
		capacity = 1 << 16
	}
	buf, err := unix.Mmap(-1, 0, capacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	rc := &RingChannel{
		buf:    buf,
		size:   uint32(capacity),
		notify: make(chan struct{}, 1),
	}
	rc.cond = sync.NewCond(&rc.mu)
	return rc, nil
}

func (rc *RingChannel) signal() {
	select {
	case rc.notify <- struct{}{}:
	default:
	}
	rc.cond.Broadcast()
}

// writeLocked copies p into the ring, blocking (releasing the lock via cond)
// until enough space is free. Caller holds rc.mu.
func (rc *RingChannel) writeLocked(p []byte) {
	for len(p) > 0 {
		for rc.size-rc.used == 0 && !rc.closed {
			rc.cond.Wait()
		}
		free := rc.size - rc.used
		n := uint32(len(p))
		if n > free {
			n = free
		}
		for i := uint32(0); i < n; i++ {
			rc.buf[rc.tail] = p[i]
			rc.tail = (rc.tail + 1) % rc.size
		}
		rc.used += n
		p = p[n:]
		// Wake a reader blocked mid-frame on an empty ring.
		rc.cond.Broadcast()
	}
}

func (rc *RingChannel) readLocked(out []byte) {
	for len(out) > 0 {
		for rc.used == 0 && !rc.closed {
			rc.cond.Wait()
		}
		avail := rc.used
		n := uint32(len(out))
		if n > avail {
			n = avail
		}
		for i := uint32(0); i < n; i++ {
			out[i] = rc.buf[rc.head]
			rc.head = (rc.head + 1) % rc.size
		}
		rc.used -= n
		out = out[n:]
		// Wake a writer blocked mid-frame on a full ring.
		rc.cond.Broadcast()
	}
}

// Send writes one length-prefixed frame directly into the ring (the ring
// has no separate staging buffer: Flush is a no-op since every Send is
// already committed).
func (rc *RingChannel) Send(e Envelope) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return ErrClosed
	}
	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], e.Tag)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(e.Payload)))
	rc.writeLocked(header[:])
	rc.writeLocked(e.Payload)
	rc.signal()
	return nil
}

// Flush is a no-op: RingChannel commits every Send immediately.
func (rc *RingChannel) Flush() error { return nil }

// Recv blocks until a full frame is available.
func (rc *RingChannel) Recv() (Envelope, error) {
	var header [8]byte
	rc.mu.Lock()
	if rc.used == 0 && rc.closed {
		rc.mu.Unlock()
		return Envelope{}, ErrClosed
	}
	rc.readLocked(header[:])
	tag := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint32(header[4:8])
	payload := make([]byte, length)
	if length > 0 {
		rc.readLocked(payload)
	}
	rc.mu.Unlock()
	return Envelope{Tag: tag, Payload: payload}, nil
}

// Ready reports whether a Recv call would return immediately.
func (rc *RingChannel) Ready() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.used > 0
}

// BytesReadableNonblocking returns the number of bytes currently queued,
// including unread frame headers.
func (rc *RingChannel) BytesReadableNonblocking() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return int(rc.used)
}

// Good reports whether the ring is still open.
func (rc *RingChannel) Good() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return !rc.closed
}

// Close unmaps the shared region. Both ends of a ring pair must agree not
// to use the channel again afterward; unlike PipeChannel, closing does not
// signal EOF to a peer still holding the mapping live.
func (rc *RingChannel) Close() error {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil
	}
	rc.closed = true
	rc.mu.Unlock()
	rc.signal()
	return unix.Munmap(rc.buf)
}

func (rc *RingChannel) notifyChan() <-chan struct{} { return rc.notify }

var _ Channel = (*RingChannel)(nil)
