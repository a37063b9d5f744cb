package transport

import "time"

// PollFlags selects which readiness events the caller cares about for a
// given channel. The queue loop only ever needs readability, but the type
// is kept open for symmetry with a real poll(2) wrapper.
type PollFlags uint8

const (
	// PollReadable requests notification when a channel has a queued
	// Envelope ready for Recv.
	PollReadable PollFlags = 1 << iota
)

// PollEntry pairs a Channel with the events the caller wants to know about.
type PollEntry struct {
	Channel Channel
	Events  PollFlags
	// Ready is set by Poll to true if this entry had a requested event
	// become available.
	Ready bool
}

// Poll multiplexes readiness across many channels: it returns the number
// of entries whose requested events became ready. A timeout of 0 blocks
// forever, matching the queue loop's use of an infinite-timeout poll.
//
// Poll is level-triggered: if a channel already has queued data when Poll
// is called, it is reported ready immediately without waiting.
func Poll(entries []PollEntry, timeout time.Duration) (int, error) {
	for i := range entries {
		entries[i].Ready = false
	}

	if n := scanReady(entries); n > 0 {
		return n, nil
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	notify := make(chan struct{}, 1)
	stop := make(chan struct{})
	defer close(stop)
	for _, e := range entries {
		go forwardNotify(e.Channel, notify, stop)
	}

	for {
		select {
		case <-notify:
			if n := scanReady(entries); n > 0 {
				return n, nil
			}
		case <-timeoutCh:
			return 0, nil
		}
	}
}

func forwardNotify(ch Channel, out chan<- struct{}, stop <-chan struct{}) {
	nc, ok := ch.(interface{ notifyChan() <-chan struct{} })
	if !ok {
		return
	}
	n := nc.notifyChan()
	for {
		select {
		case <-n:
			select {
			case out <- struct{}{}:
			default:
			}
		case <-stop:
			return
		}
	}
}

func scanReady(entries []PollEntry) int {
	n := 0
	for i := range entries {
		if entries[i].Events&PollReadable != 0 && entries[i].Channel.Ready() {
			entries[i].Ready = true
			n++
		}
	}
	return n
}
