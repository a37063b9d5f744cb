// Package transport implements the bidirectional, poll-capable, framed byte
// channel between two OS processes that the task manager uses to carry its
// message alphabets. It is modeled on the remoteWorkerStream/
// remoteMasterStream abstraction from a gRPC-backed distributed executor:
// a background goroutine drains the raw transport into a buffered queue so
// that Poll can multiplex readiness across many channels without blocking
// on any single one.
package transport

import "golang.org/x/xerrors"

// Envelope is one framed message: a 4-byte tag identifying which member of
// a message alphabet this is, plus an opaque payload. Tag values are
// defined by the package that owns a particular alphabet (taskmanager).
type Envelope struct {
	Tag     uint32
	Payload []byte
}

// ErrClosed is returned by Send once a Channel has been closed, and by
// RingChannel.Recv once a closed ring is drained. PipeChannel.Recv on a
// closed channel reports the failed read instead.
var ErrClosed = xerrors.New("transport: channel closed")

// ErrFraming is returned when a read does not line up with the framing a
// matching Send produced. Framing errors are fatal to the process that
// observes them.
var ErrFraming = xerrors.New("transport: framing error")

// Channel is the interface both the shared-memory ring and the pipe-backed
// implementation satisfy.
type Channel interface {
	// Send stages an Envelope for the write side. It does not necessarily
	// reach the peer until Flush is called.
	Send(Envelope) error
	// Flush commits any staged Sends to the underlying transport.
	Flush() error
	// Recv blocks until a framed Envelope is available, the channel is
	// closed, or the peer disconnects.
	Recv() (Envelope, error)
	// Ready reports whether a full Envelope is already queued and a call
	// to Recv would not block. It is the basis Poll is built on.
	Ready() bool
	// BytesReadableNonblocking returns the number of bytes currently
	// queued for Recv, for flow-control decisions. PipeChannel counts the
	// payload bytes of fully-framed messages; RingChannel counts every
	// byte in the ring, frame headers included.
	BytesReadableNonblocking() int
	// Good reports whether the channel is still usable: not closed and
	// has not observed a read/write error.
	Good() bool
	// Close releases the channel's OS resources. Safe to call more than
	// once.
	Close() error
	// notifyChan returns the channel's internal readiness signal, used
	// only by Poll in this package.
	notifyChan() <-chan struct{}
}
