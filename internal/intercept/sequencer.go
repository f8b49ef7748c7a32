package intercept

import (
	"sync"

	"streamtap/internal/logging"
)

// Sequencer turns asynchronous, possibly bursty frame arrival into one
// strictly ordered processing stream. Frames are appended to an unbounded
// FIFO; a single drain worker processes one frame fully (parse and dispatch)
// before pulling the next. A busy guard prevents a second concurrent drain
// loop, so frame N is never processed before frame N-1.
type Sequencer struct {
	mu    sync.Mutex
	queue []frame
	busy  bool

	process   func(frame)
	warnDepth int
	warned    bool
}

// NewSequencer returns a sequencer delivering frames to process, one at a
// time, in push order. warnDepth of zero disables the depth warning.
func NewSequencer(process func(frame), warnDepth int) *Sequencer {
	return &Sequencer{process: process, warnDepth: warnDepth}
}

// Push appends a frame and starts the drain worker if none is running.
func (s *Sequencer) Push(f frame) {
	s.mu.Lock()
	s.queue = append(s.queue, f)
	if s.warnDepth > 0 && len(s.queue) > s.warnDepth && !s.warned {
		s.warned = true
		logging.StreamWarn("sequencer depth %d exceeds %d (request %s); consumer may be stalled",
			len(s.queue), s.warnDepth, f.requestID)
	}
	start := !s.busy
	if start {
		s.busy = true
	}
	s.mu.Unlock()

	if start {
		go s.drain()
	}
}

// drain is the single worker loop. Processing happens outside the lock; it
// is the only voluntary suspension point in the subsystem, so unrelated
// session operations stay serviceable between drain steps.
func (s *Sequencer) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.busy = false
			s.mu.Unlock()
			return
		}
		f := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.process(f)
	}
}

// Idle reports whether the queue is empty and no drain step is in flight.
// The completion resolver polls this during its drain-wait.
func (s *Sequencer) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0 && !s.busy
}

// Depth returns the number of queued frames.
func (s *Sequencer) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Reset discards all queued frames. A frame already handed to process
// finishes its step, but the engine rejects it there by request id, so
// nothing queued for the prior exchange can reach the consumer after a
// reset. Frames pushed after the reset belong to the new exchange and are
// drained normally.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.warned = false
}
