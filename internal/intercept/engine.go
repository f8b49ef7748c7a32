package intercept

import (
	"fmt"
	"sync"
	"time"

	"streamtap/internal/logging"
)

// Options tunes the engine. Zero values fall back to defaults.
type Options struct {
	// Pattern is the URL substring identifying the tracked exchange.
	Pattern string
	// FinishEvent is the in-band event payload recognized as the logical
	// end-of-stream marker.
	FinishEvent string
	// DrainTimeout bounds the completion drain-wait.
	DrainTimeout time.Duration
	// DrainPoll is the drain-wait polling interval.
	DrainPoll time.Duration
	// BodyPollInterval schedules full-body fetches for the diff fallback.
	// It also serves as the minimum delay between fetches. Zero or
	// negative disables the fallback.
	BodyPollInterval time.Duration
	// QueueWarnDepth triggers a non-fatal warning when the sequencer
	// backlog grows past it. Zero disables the warning.
	QueueWarnDepth int
	// ForwardDebugLog mirrors engine diagnostics to the consumer's
	// debug-log endpoint.
	ForwardDebugLog bool
	// OnSessionLost is called when the instrumentation channel drops
	// without an explicit detach.
	OnSessionLost func(err *SessionLostError)
}

func (o *Options) withDefaults() {
	if o.FinishEvent == "" {
		o.FinishEvent = "finish"
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
	if o.DrainPoll <= 0 {
		o.DrainPoll = 25 * time.Millisecond
	}
}

// Engine owns one observation session: it classifies the tracked exchange,
// reconstructs its record stream in arrival order, resolves completion, and
// pushes the result to the sink. All shared state (the single active-target
// slot, queue, completion phase) is mutated under one mutex; the sequencer's
// drain worker is the only component that suspends while holding nothing.
type Engine struct {
	mu         sync.Mutex
	opts       Options
	conduit    Conduit
	sink       Sink
	classifier *Classifier
	seq        *Sequencer
	capt       *Capturer
	res        *Resolver

	attached  bool
	attaching bool
	tabID     string
	active    *TargetRequest
	pollStop  chan struct{}

	// fallbackMu serializes fetch-diff-enqueue steps so a scheduled poll
	// and the final sweep cannot interleave and enqueue suffixes out of
	// snapshot order.
	fallbackMu sync.Mutex
}

// New wires an engine to its conduit and sink. Attach must be called before
// any event is delivered.
func New(conduit Conduit, sink Sink, opts Options) *Engine {
	opts.withDefaults()
	e := &Engine{
		opts:       opts,
		conduit:    conduit,
		sink:       sink,
		classifier: NewClassifier(opts.Pattern),
		capt:       NewCapturer(opts.BodyPollInterval),
	}
	e.seq = NewSequencer(e.handleFrame, opts.QueueWarnDepth)
	e.res = NewResolver(opts.DrainTimeout, opts.DrainPoll, e.seq.Idle, e.confirmCompletion)
	return e
}

// Attach enables observation through the conduit and announces readiness to
// the consumer. Attaching an already-attached engine is a no-op, and a call
// overlapping an in-flight Attach returns without attaching a second time.
func (e *Engine) Attach() error {
	e.mu.Lock()
	if e.attached || e.attaching {
		e.mu.Unlock()
		return nil
	}
	e.attaching = true
	e.mu.Unlock()

	tabID, err := e.conduit.Attach(e)

	e.mu.Lock()
	e.attaching = false
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("enable observation: %w", err)
	}
	e.attached = true
	e.tabID = tabID
	e.mu.Unlock()

	logging.Session("observation enabled for tab %s (pattern %q)", tabID, e.classifier.Pattern())
	e.deliver("ready", func() error { return e.sink.Ready(tabID, time.Now()) })
	return nil
}

// Detach stops observation and clears all per-request state. Always safe,
// attached or not.
func (e *Engine) Detach() error {
	e.mu.Lock()
	wasAttached := e.attached
	e.attached = false
	e.tabID = ""
	e.resetLocked()
	e.mu.Unlock()

	if !wasAttached {
		return nil
	}
	logging.Session("observation disabled")
	return e.conduit.Detach()
}

// Attached reports whether the engine currently observes a tab.
func (e *Engine) Attached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attached
}

// TabID returns the identifier of the observed tab, empty when detached.
func (e *Engine) TabID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tabID
}

// Active returns a copy of the current target request, if any.
func (e *Engine) Active() (TargetRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return TargetRequest{}, false
	}
	return *e.active, true
}

// SetPattern swaps the target URL pattern at runtime (config reload).
func (e *Engine) SetPattern(pattern string) {
	e.classifier.SetPattern(pattern)
	logging.Session("target pattern updated to %q", pattern)
}

// RequestWillBeSent classifies new traffic. A pattern match while another
// target is still in flight is ignored; a match after the previous target
// reached a terminal state replaces it, with the whole pipeline reset first.
func (e *Engine) RequestWillBeSent(id, url, method string, ts time.Time) {
	if !e.classifier.Matches(url) {
		return
	}

	e.mu.Lock()
	if !e.attached {
		e.mu.Unlock()
		return
	}
	if e.active != nil && !e.active.State.Terminal() {
		prev := e.active.ID
		state := e.active.State
		e.mu.Unlock()
		logging.Network("pattern matched %s but request %s is still %s; ignoring", url, prev, state)
		return
	}
	e.resetLocked()
	e.active = &TargetRequest{
		ID:        id,
		URL:       url,
		Method:    method,
		State:     StatePending,
		CreatedAt: ts,
	}
	e.res.Arm(id)
	e.startBodyPollLocked(id)
	e.mu.Unlock()

	logging.Network("tracking request %s: %s %s", id, method, url)
	if err := e.conduit.StreamBody(id); err != nil {
		logging.NetworkWarn("incremental delivery unavailable for %s: %v; using body-diff fallback", id, err)
		e.debugLog(fmt.Sprintf("incremental delivery unavailable for %s, falling back to body polling", id))
	}
	e.deliver("requestStart", func() error { return e.sink.RequestStart(id, url, method, ts) })
}

// ResponseReceived marks header receipt for the active target.
func (e *Engine) ResponseReceived(id string, status int, headers map[string]string) {
	e.mu.Lock()
	if e.active == nil || e.active.ID != id || e.active.State.Terminal() {
		e.mu.Unlock()
		return
	}
	if e.active.State == StatePending {
		e.active.State = StateResponding
	}
	e.mu.Unlock()

	logging.Network("response headers for %s (status %d)", id, status)
	e.deliver("responseStart", func() error {
		return e.sink.ResponseStart(id, status, headers, time.Now())
	})
}

// DataReceived ingests one incremental frame. Frames for anything but the
// active target are discarded. A nil payload means the channel could not
// deliver content for this chunk; the body-poll fallback covers it.
func (e *Engine) DataReceived(id string, payload []byte, lengthHint int) {
	e.mu.Lock()
	live := e.active != nil && e.active.ID == id && !e.active.State.Terminal()
	e.mu.Unlock()
	if !live {
		return
	}
	if len(payload) == 0 {
		logging.Network("frame for %s carried no payload (%d bytes on the wire)", id, lengthHint)
		return
	}

	text := e.capt.DecodeChunk(payload)
	if text == "" {
		// Entire chunk was an incomplete multi-byte tail; it decodes
		// with the next frame.
		return
	}
	e.seq.Push(frame{requestID: id, text: text})
}

// LoadingFinished is the out-of-band completion signal.
func (e *Engine) LoadingFinished(id string) {
	e.mu.Lock()
	live := e.active != nil && e.active.ID == id && !e.active.State.Terminal()
	e.mu.Unlock()
	if !live {
		return
	}
	// In fallback mode the scheduled poll may not have seen the tail yet;
	// sweep the final body before starting the drain-wait. The minimum-
	// interval guard is bypassed; this is the last fetch for the exchange.
	if e.opts.BodyPollInterval > 0 && !e.capt.Incremental() {
		e.fetchBodySuffix(id)
	}
	e.res.Trigger(SourceOutOfBand)
}

// fetchBodySuffix runs one fetch-diff-enqueue step for the body fallback.
// Both the scheduled poll and the transport-completion sweep come through
// here; fallbackMu makes each step atomic, so suffixes enqueue in the order
// the snapshot advances.
func (e *Engine) fetchBodySuffix(requestID string) {
	e.fallbackMu.Lock()
	defer e.fallbackMu.Unlock()

	body, err := e.conduit.FetchBody(requestID)
	if err != nil {
		logging.Network("body fetch for %s failed: %v", requestID, err)
		return
	}
	suffix, err := e.capt.ApplySnapshot(body)
	if err != nil {
		logging.NetworkWarn("body snapshot for %s skipped: %v", requestID, err)
		return
	}
	if suffix != "" {
		e.seq.Push(frame{requestID: requestID, text: suffix, synthetic: true})
	}
}

// LoadingFailed marks the active target failed on a transport error and
// resets the processing pipeline.
func (e *Engine) LoadingFailed(id string, errText string) {
	e.mu.Lock()
	if e.active == nil || e.active.ID != id || e.active.State.Terminal() {
		e.mu.Unlock()
		return
	}
	e.active.State = StateFailed
	e.resetPipelineLocked()
	e.mu.Unlock()

	logging.NetworkWarn("request %s failed: %s", id, errText)
	e.deliver("responseError", func() error {
		return e.sink.ResponseError(id, errText, time.Now())
	})
}

// Detached handles unsolicited loss of the instrumentation channel. The
// in-flight target, if any, is marked failed and reported; the session
// surfaces a SessionLost notification rather than stopping silently.
func (e *Engine) Detached(reason string) {
	e.mu.Lock()
	if !e.attached {
		e.mu.Unlock()
		return
	}
	e.attached = false
	e.tabID = ""
	var failedID string
	if e.active != nil && !e.active.State.Terminal() {
		e.active.State = StateFailed
		failedID = e.active.ID
	}
	e.resetPipelineLocked()
	e.active = nil
	onLost := e.opts.OnSessionLost
	e.mu.Unlock()

	lost := &SessionLostError{Reason: reason}
	logging.SessionError("%v", lost)
	if failedID != "" {
		e.deliver("responseError", func() error {
			return e.sink.ResponseError(failedID, lost.Error(), time.Now())
		})
	}
	e.debugLog(lost.Error())
	if onLost != nil {
		onLost(lost)
	}
}

// handleFrame runs on the sequencer's drain worker: parse one frame, then
// dispatch its records in order. Each record is re-gated on the active slot
// so no record from a superseded exchange escapes after a reset.
func (e *Engine) handleFrame(f frame) {
	e.mu.Lock()
	if e.active == nil || e.active.ID != f.requestID || e.active.State.Terminal() {
		e.mu.Unlock()
		logging.Stream("dropping frame for stale request %s", f.requestID)
		return
	}
	if e.active.State == StatePending || e.active.State == StateResponding {
		e.active.State = StateStreaming
	}
	e.mu.Unlock()

	if f.synthetic {
		logging.Stream("processing %d synthetic bytes for %s (body-diff fallback)", len(f.text), f.requestID)
	}

	for _, rec := range ParseRecords(f.text) {
		e.mu.Lock()
		live := e.active != nil && e.active.ID == f.requestID
		e.mu.Unlock()
		if !live {
			logging.Stream("target changed mid-frame; dropping remaining records for %s", f.requestID)
			return
		}

		rec := rec
		switch rec.Kind {
		case KindData:
			e.deliver("streamData", func() error {
				return e.sink.StreamData(f.requestID, rec.Payload, rec.EmittedAt)
			})
		case KindEvent:
			e.deliver("streamEvent", func() error {
				return e.sink.StreamEvent(f.requestID, rec.Payload, rec.EmittedAt)
			})
			if rec.Payload == e.opts.FinishEvent {
				e.res.Trigger(SourceInBand)
			}
		}
	}
}

// confirmCompletion fires exactly once per target, after the drain-wait.
func (e *Engine) confirmCompletion(requestID string, clean bool) {
	e.mu.Lock()
	if e.active == nil || e.active.ID != requestID || e.active.State.Terminal() {
		e.mu.Unlock()
		return
	}
	e.active.State = StateCompleted
	e.stopBodyPollLocked()
	e.mu.Unlock()

	logging.Stream("response end for %s (drained=%v)", requestID, clean)
	e.deliver("responseEnd", func() error {
		return e.sink.ResponseEnd(requestID, time.Now())
	})
}

// resetLocked clears every piece of per-request state: queue, decoder carry,
// body snapshot, completion phase, and the active slot. Callers hold e.mu,
// which makes the reset atomic relative to event callbacks; the drain worker
// rejects any frame it already holds via the request-id gate.
func (e *Engine) resetLocked() {
	e.resetPipelineLocked()
	e.active = nil
}

// resetPipelineLocked resets processing state but leaves the active record
// in place for callers that keep it as a terminal tombstone.
func (e *Engine) resetPipelineLocked() {
	e.stopBodyPollLocked()
	e.seq.Reset()
	e.capt.Reset()
	e.res.Disarm()
}

func (e *Engine) startBodyPollLocked(requestID string) {
	if e.opts.BodyPollInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	e.pollStop = stop
	go e.bodyPollLoop(requestID, stop)
}

func (e *Engine) stopBodyPollLocked() {
	if e.pollStop != nil {
		close(e.pollStop)
		e.pollStop = nil
	}
}

// bodyPollLoop periodically fetches the full accumulated body and emits the
// strict-extension suffix as a synthetic frame. It retires itself as soon as
// incremental frames show up or the target leaves the streaming states.
func (e *Engine) bodyPollLoop(requestID string, stop chan struct{}) {
	ticker := time.NewTicker(e.opts.BodyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		live := e.active != nil && e.active.ID == requestID && !e.active.State.Terminal()
		e.mu.Unlock()
		if !live {
			return
		}
		if e.capt.Incremental() {
			return
		}
		if !e.capt.AllowFetch(time.Now()) {
			continue
		}

		e.fetchBodySuffix(requestID)
	}
}

// deliver is the dispatch gateway's outbound edge: best-effort, log-and-drop
// on failure. The source stream cannot be replayed, so a retry would require
// unbounded buffering.
func (e *Engine) deliver(what string, fn func() error) {
	if err := fn(); err != nil {
		logging.DispatchWarn("%s delivery failed, dropped: %v", what, err)
	}
}

// debugLog mirrors a diagnostic line to the consumer when configured.
func (e *Engine) debugLog(message string) {
	if !e.opts.ForwardDebugLog {
		return
	}
	e.deliver("debugLog", func() error { return e.sink.DebugLog(message, time.Now()) })
}
