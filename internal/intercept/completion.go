package intercept

import (
	"sync"
	"time"

	"streamtap/internal/logging"
)

// Phase is the completion state for one target request.
type Phase int

const (
	// PhaseArmed means no completion signal has been seen yet.
	PhaseArmed Phase = iota
	// PhaseTriggered means one signal arrived and the drain-wait is running.
	PhaseTriggered
	// PhaseConfirmed means the end notification has been dispatched.
	PhaseConfirmed
)

func (p Phase) String() string {
	switch p {
	case PhaseArmed:
		return "armed"
	case PhaseTriggered:
		return "triggered"
	case PhaseConfirmed:
		return "confirmed"
	}
	return "unknown"
}

// Resolver reconciles the two racing completion signals into exactly one end
// notification per target request. Whichever signal arrives first moves
// Armed to Triggered and starts the drain-wait; the loser is a no-op. The
// confirm callback fires once the sequencer has drained, or after the
// bounded ceiling elapses (fail-open: liveness over the small risk of
// truncation).
type Resolver struct {
	mu        sync.Mutex
	phase     Phase
	requestID string
	// gen invalidates a drain-wait that outlives its request: Arm during
	// the wait makes the old waiter's confirmation a no-op.
	gen uint64

	timeout time.Duration
	poll    time.Duration
	idle    func() bool
	confirm func(requestID string, clean bool)
}

// NewResolver builds a resolver polling idle during the drain-wait and
// calling confirm exactly once per armed request. clean is false when the
// wait hit the ceiling before the queue drained.
func NewResolver(timeout, poll time.Duration, idle func() bool, confirm func(requestID string, clean bool)) *Resolver {
	return &Resolver{
		timeout: timeout,
		poll:    poll,
		idle:    idle,
		confirm: confirm,
	}
}

// Arm resets the state machine for a new target request. Any drain-wait
// still running for the previous request is invalidated.
func (r *Resolver) Arm(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.phase = PhaseArmed
	r.requestID = requestID
}

// Disarm invalidates the resolver without confirming. Used on lifecycle
// reset when the exchange failed or the session detached.
func (r *Resolver) Disarm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.phase = PhaseConfirmed
	r.requestID = ""
}

// Phase returns the current completion phase.
func (r *Resolver) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Trigger feeds one completion signal. The first signal wins and starts the
// drain-wait; any later signal, from either source, is absorbed by the
// idempotency guard. Returns whether this call won the race.
func (r *Resolver) Trigger(src SignalSource) bool {
	r.mu.Lock()
	if r.phase != PhaseArmed {
		first := r.phase
		r.mu.Unlock()
		logging.Stream("completion signal %s ignored (already %s)", src, first)
		return false
	}
	r.phase = PhaseTriggered
	gen := r.gen
	requestID := r.requestID
	r.mu.Unlock()

	logging.Stream("completion triggered by %s signal for request %s", src, requestID)
	go r.drainWait(gen, requestID)
	return true
}

// drainWait polls until the sequencer reports idle, bounded by the timeout,
// then confirms. A generation mismatch means the request was reset while
// waiting; the confirmation is dropped.
func (r *Resolver) drainWait(gen uint64, requestID string) {
	deadline := time.Now().Add(r.timeout)
	clean := false
	for {
		if r.idle() {
			clean = true
			break
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(r.poll)
	}

	r.mu.Lock()
	if r.gen != gen || r.phase != PhaseTriggered {
		r.mu.Unlock()
		return
	}
	r.phase = PhaseConfirmed
	r.mu.Unlock()

	if !clean {
		logging.StreamWarn("drain-wait for request %s timed out after %s; confirming with queue not drained", requestID, r.timeout)
	}
	r.confirm(requestID, clean)
}
