// Package intercept reconstructs the logical record stream carried by one
// tracked network exchange. It receives transport-level frames from an
// injected instrumentation conduit, serializes them through a single-worker
// sequencer, parses them into SSE records, and pushes the ordered stream to
// a local consumer sink. Completion is resolved from two racing signals
// (an in-band finish record and the transport-level loading-finished event)
// into exactly one end notification.
package intercept

import (
	"fmt"
	"time"
)

// RequestState tracks the lifecycle of the target request.
type RequestState int

const (
	StatePending RequestState = iota
	StateResponding
	StateStreaming
	StateCompleted
	StateFailed
)

// String returns the lowercase state name used in logs.
func (s RequestState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResponding:
		return "responding"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the request has reached a final state. A terminal
// target no longer blocks classification of a new one.
func (s RequestState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// TargetRequest is the one network exchange currently tracked for stream
// reconstruction. At most one exists per session.
type TargetRequest struct {
	ID        string
	URL       string
	Method    string
	State     RequestState
	CreatedAt time.Time
}

// RecordKind distinguishes the two logical record types the parser emits.
type RecordKind int

const (
	KindData RecordKind = iota
	KindEvent
)

func (k RecordKind) String() string {
	if k == KindEvent {
		return "event"
	}
	return "data"
}

// StreamRecord is the unit delivered to the consumer: a parsed logical
// record extracted from one or more frames.
type StreamRecord struct {
	Kind      RecordKind
	Payload   string
	EmittedAt time.Time
}

// frame is an opaque decoded text payload tied to a request id. Frames carry
// no sequence number; order is conferred solely by enqueue order.
type frame struct {
	requestID string
	text      string
	synthetic bool // produced by the body-diff fallback
}

// SignalSource tags which of the two racing completion inputs fired.
type SignalSource int

const (
	// SourceInBand is a record recognized during parsing as the logical
	// end-of-stream marker.
	SourceInBand SignalSource = iota
	// SourceOutOfBand is the transport-level "exchange finished" event.
	SourceOutOfBand
)

func (s SignalSource) String() string {
	if s == SourceOutOfBand {
		return "out-of-band"
	}
	return "in-band"
}

// SessionLostError reports an unsolicited loss of the instrumentation
// channel (tab closed, conduit dropped). It is surfaced, never swallowed.
type SessionLostError struct {
	Reason string
}

func (e *SessionLostError) Error() string {
	return fmt.Sprintf("session lost: %s", e.Reason)
}

// Events is the callback set the conduit delivers instrumentation events
// through. The Engine implements it.
type Events interface {
	RequestWillBeSent(id, url, method string, ts time.Time)
	ResponseReceived(id string, status int, headers map[string]string)
	// DataReceived carries the decoded-on-the-wire bytes for one frame.
	// payload is nil when the channel cannot deliver incremental content;
	// lengthHint still reports how many bytes arrived.
	DataReceived(id string, payload []byte, lengthHint int)
	LoadingFinished(id string)
	LoadingFailed(id string, errText string)
	// Detached signals unsolicited loss of the instrumentation channel.
	Detached(reason string)
}

// Conduit is the injected instrumentation capability: it delivers classified
// frame/event callbacks for one browser tab. It can be backed by a CDP
// client, a proxy interceptor, or a test double.
type Conduit interface {
	// Attach enables observation and begins delivering events. Attaching
	// twice to the same tab is idempotent. Returns an identifier for the
	// observed tab.
	Attach(events Events) (tabID string, err error)
	// Detach stops observation. Always safe to call.
	Detach() error
	// StreamBody asks the channel to deliver incremental body frames for
	// the given request. An error means only the diff fallback is
	// available.
	StreamBody(requestID string) error
	// FetchBody retrieves the full accumulated response body, used by the
	// diff fallback.
	FetchBody(requestID string) (string, error)
}

// Sink is the narrow outbound contract to the local consumer. Delivery is
// best-effort: the engine logs and drops on error, it never retries.
type Sink interface {
	RequestStart(requestID, url, method string, ts time.Time) error
	ResponseStart(requestID string, status int, headers map[string]string, ts time.Time) error
	StreamData(requestID, payload string, ts time.Time) error
	StreamEvent(requestID, name string, ts time.Time) error
	ResponseEnd(requestID string, ts time.Time) error
	ResponseError(requestID, errText string, ts time.Time) error
	// Ready announces "observation enabled for tab X".
	Ready(tabID string, ts time.Time) error
	DebugLog(message string, ts time.Time) error
}
