package taskmanager

import "os"

// bidiPipe is a full-duplex connection between two endpoints, "a" and
// "b", built from two unidirectional os.Pipe()s. It exists only during
// topology construction: once both ends have been handed to their
// owning process (either wrapped locally for this process, or passed
// across exec via ExtraFiles), the unused *os.File copies left open in
// this process must be closed so EOF propagates correctly once the peer
// exits.
type bidiPipe struct {
	// aR/aW: the file descriptors endpoint "a" reads from / writes to.
	aR, aW *os.File
	// bR/bW: the file descriptors endpoint "b" reads from / writes to.
	bR, bW *os.File
}

// newBidiPipe builds a duplex pipe out of two unidirectional ones: "a"
// writes onto the pipe "b" reads from, and vice versa.
func newBidiPipe() (*bidiPipe, error) {
	abR, abW, err := os.Pipe() // a writes abW, b reads abR
	if err != nil {
		return nil, err
	}
	baR, baW, err := os.Pipe() // b writes baW, a reads baR
	if err != nil {
		abR.Close()
		abW.Close()
		return nil, err
	}
	return &bidiPipe{aR: baR, aW: abW, bR: abR, bW: baW}, nil
}

// closeA closes endpoint "a"'s file descriptors, releasing this
// process's copies once they've been inherited by a child via
// ExtraFiles (or, for the master's own pipe, once it no longer needs
// them).
func (p *bidiPipe) closeA() {
	p.aR.Close()
	p.aW.Close()
}

func (p *bidiPipe) closeB() {
	p.bR.Close()
	p.bW.Close()
}

// topology is the complete set of pipes, constructed before any process
// is forked. All forks occur before any task is issued; after
// construction the topology is immutable.
type topology struct {
	masterQueue *bidiPipe   // a = master, b = queue
	queueWorker []*bidiPipe // a = queue, b = worker[k]
}

// buildTopology allocates every pipe the master/queue/worker mesh needs
// up front. No direct master<->worker channel exists; all communication
// flows through the queue.
func buildTopology(numWorkers int) (*topology, error) {
	mq, err := newBidiPipe()
	if err != nil {
		return nil, err
	}
	t := &topology{masterQueue: mq, queueWorker: make([]*bidiPipe, numWorkers)}
	for k := 0; k < numWorkers; k++ {
		qw, err := newBidiPipe()
		if err != nil {
			for _, p := range t.queueWorker[:k] {
				p.closeA()
				p.closeB()
			}
			mq.closeA()
			mq.closeB()
			return nil, err
		}
		t.queueWorker[k] = qw
	}
	return t, nil
}
