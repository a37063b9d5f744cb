package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"golang.org/x/xerrors"
)

// PipeChannel implements Channel over a pair of OS pipe file descriptors:
// one this process reads from, one it writes to. Each logical
// master<->queue or queue<->worker connection is two PipeChannel
// instances (one per endpoint, each reading one pipe and writing the
// other) created from the two halves of a bidiPipe (see
// taskmanager/topology.go).
//
// Frames are length-prefixed: a 4-byte tag, a 4-byte payload length, then
// the payload bytes. Tag and length are written little-endian; the payload
// bytes are passed through as the sender encoded them.
type PipeChannel struct {
	r *os.File
	w *os.File

	writeMu sync.Mutex
	wbuf    bytes.Buffer

	mu      sync.Mutex
	queue   []Envelope
	readErr error
	closed  bool
	notify  chan struct{}
}

// NewPipeChannel wraps an already-connected pair of pipe ends and starts
// the background frame reader. r and w are owned by the returned
// PipeChannel and are closed by Close.
func NewPipeChannel(r, w *os.File) *PipeChannel {
	pc := &PipeChannel{
		r:      r,
		w:      w,
		notify: make(chan struct{}, 1),
	}
	go pc.readLoop()
	return pc
}

func (pc *PipeChannel) readLoop() {
	fail := func(err error) {
		// A frame cut short mid-header or mid-payload breaks the framing.
		if xerrors.Is(err, io.ErrUnexpectedEOF) {
			err = xerrors.Errorf("%w: %v", ErrFraming, err)
		}
		pc.fail(err)
	}
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(pc.r, header); err != nil {
			fail(err)
			return
		}
		tag := binary.LittleEndian.Uint32(header[0:4])
		length := binary.LittleEndian.Uint32(header[4:8])

		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(pc.r, payload); err != nil {
				fail(err)
				return
			}
		}

		pc.mu.Lock()
		pc.queue = append(pc.queue, Envelope{Tag: tag, Payload: payload})
		pc.mu.Unlock()
		pc.signal()
	}
}

func (pc *PipeChannel) signal() {
	select {
	case pc.notify <- struct{}{}:
	default:
	}
}

func (pc *PipeChannel) fail(err error) {
	pc.mu.Lock()
	if pc.readErr == nil {
		pc.readErr = err
	}
	pc.mu.Unlock()
	pc.signal()
}

// Send stages a tagged envelope for the next Flush.
func (pc *PipeChannel) Send(e Envelope) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()

	if pc.closed {
		return ErrClosed
	}

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], e.Tag)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(e.Payload)))
	pc.wbuf.Write(header[:])
	pc.wbuf.Write(e.Payload)
	return nil
}

// Flush commits every staged Send to the pipe in a single Write call.
func (pc *PipeChannel) Flush() error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()

	if pc.wbuf.Len() == 0 {
		return nil
	}
	_, err := pc.w.Write(pc.wbuf.Bytes())
	pc.wbuf.Reset()
	if err != nil {
		return xerrors.Errorf("transport: flush: %w", err)
	}
	return nil
}

// Recv blocks until a full Envelope has been read off the pipe.
func (pc *PipeChannel) Recv() (Envelope, error) {
	for {
		pc.mu.Lock()
		if len(pc.queue) > 0 {
			e := pc.queue[0]
			pc.queue = pc.queue[1:]
			pc.mu.Unlock()
			return e, nil
		}
		if pc.readErr != nil {
			err := pc.readErr
			pc.mu.Unlock()
			if xerrors.Is(err, io.EOF) {
				return Envelope{}, xerrors.Errorf("transport: peer closed: %w", err)
			}
			return Envelope{}, xerrors.Errorf("transport: read: %w", err)
		}
		pc.mu.Unlock()
		<-pc.notify
	}
}

// Ready reports whether Recv would return immediately.
func (pc *PipeChannel) Ready() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.queue) > 0 || pc.readErr != nil
}

// BytesReadableNonblocking sums the payload size of every queued frame.
func (pc *PipeChannel) BytesReadableNonblocking() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	total := 0
	for _, e := range pc.queue {
		total += len(e.Payload)
	}
	return total
}

// Good reports whether the channel can still be used.
func (pc *PipeChannel) Good() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return !pc.closed && pc.readErr == nil
}

// Close releases the pipe file descriptors.
func (pc *PipeChannel) Close() error {
	pc.writeMu.Lock()
	pc.closed = true
	werr := pc.w.Close()
	pc.writeMu.Unlock()

	rerr := pc.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func (pc *PipeChannel) notifyChan() <-chan struct{} { return pc.notify }

var _ Channel = (*PipeChannel)(nil)
