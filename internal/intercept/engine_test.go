package intercept

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testPattern = "/api/v0/chat/completion"
const testURL = "https://host.example/api/v0/chat/completion?session=1"

type sinkCall struct {
	kind      string
	requestID string
	payload   string
}

type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
	fail  map[string]bool
}

func (s *fakeSink) record(kind, requestID, payload string) error {
	s.mu.Lock()
	s.calls = append(s.calls, sinkCall{kind: kind, requestID: requestID, payload: payload})
	shouldFail := s.fail[kind]
	s.mu.Unlock()
	if shouldFail {
		return fmt.Errorf("consumer rejected %s", kind)
	}
	return nil
}

func (s *fakeSink) RequestStart(requestID, url, method string, ts time.Time) error {
	return s.record("requestStart", requestID, url)
}

func (s *fakeSink) ResponseStart(requestID string, status int, headers map[string]string, ts time.Time) error {
	return s.record("responseStart", requestID, fmt.Sprintf("%d", status))
}

func (s *fakeSink) StreamData(requestID, payload string, ts time.Time) error {
	return s.record("streamData", requestID, payload)
}

func (s *fakeSink) StreamEvent(requestID, name string, ts time.Time) error {
	return s.record("streamEvent", requestID, name)
}

func (s *fakeSink) ResponseEnd(requestID string, ts time.Time) error {
	return s.record("responseEnd", requestID, "")
}

func (s *fakeSink) ResponseError(requestID, errText string, ts time.Time) error {
	return s.record("responseError", requestID, errText)
}

func (s *fakeSink) Ready(tabID string, ts time.Time) error {
	return s.record("ready", "", tabID)
}

func (s *fakeSink) DebugLog(message string, ts time.Time) error {
	return s.record("debugLog", "", message)
}

func (s *fakeSink) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.kind == kind {
			n++
		}
	}
	return n
}

func (s *fakeSink) payloads(kind string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		if c.kind == kind {
			out = append(out, c.payload)
		}
	}
	return out
}

// snapshot returns the call kinds in dispatch order.
func (s *fakeSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.kind
	}
	return out
}

type fakeConduit struct {
	mu          sync.Mutex
	streamErr   error
	body        string
	fetchErr    error
	detached    bool
	streamed    []string
	attachCalls int32
	attachDelay time.Duration
}

func (c *fakeConduit) Attach(events Events) (string, error) {
	atomic.AddInt32(&c.attachCalls, 1)
	if c.attachDelay > 0 {
		time.Sleep(c.attachDelay)
	}
	return "tab-1", nil
}

func (c *fakeConduit) Detach() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = true
	return nil
}

func (c *fakeConduit) StreamBody(requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamed = append(c.streamed, requestID)
	return c.streamErr
}

func (c *fakeConduit) FetchBody(requestID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.body, c.fetchErr
}

func (c *fakeConduit) setBody(body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.body = body
}

// gatedConduit blocks each FetchBody call until the test supplies the body,
// so the test controls exactly when a fetch completes relative to other
// events.
type gatedConduit struct {
	fakeConduit
	fetchCalled chan struct{}
	fetchReturn chan string
}

func newGatedConduit() *gatedConduit {
	return &gatedConduit{
		fakeConduit: fakeConduit{streamErr: errors.New("streaming not supported")},
		fetchCalled: make(chan struct{}, 8),
		fetchReturn: make(chan string, 8),
	}
}

func (c *gatedConduit) FetchBody(requestID string) (string, error) {
	c.fetchCalled <- struct{}{}
	return <-c.fetchReturn, nil
}

func newTestEngine(t *testing.T, conduit Conduit, sink *fakeSink, tweak func(*Options)) *Engine {
	t.Helper()
	opts := Options{
		Pattern:      testPattern,
		FinishEvent:  "finish",
		DrainTimeout: 2 * time.Second,
		DrainPoll:    2 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&opts)
	}
	e := New(conduit, sink, opts)
	require.NoError(t, e.Attach())
	t.Cleanup(func() { _ = e.Detach() })
	return e
}

func TestEngine_IncrementalEndToEnd(t *testing.T) {
	conduit := &fakeConduit{}
	sink := &fakeSink{}
	e := newTestEngine(t, conduit, sink, nil)

	require.Equal(t, []string{"tab-1"}, sink.payloads("ready"))

	now := time.Now()
	e.RequestWillBeSent("r1", testURL, "POST", now)
	require.Equal(t, []string{"r1"}, conduit.streamed)
	require.Equal(t, 1, sink.count("requestStart"))

	e.ResponseReceived("r1", 200, map[string]string{"content-type": "text/event-stream"})
	require.Equal(t, []string{"200"}, sink.payloads("responseStart"))

	e.DataReceived("r1", []byte("data: Hello\n\n"), 13)
	e.DataReceived("r1", []byte("data: , wörld\n\n"), 16)
	e.DataReceived("r1", []byte("event: finish\n\n"), 15)
	// Out-of-band signal arrives after the in-band one; it must lose the
	// race without a second end notification.
	e.LoadingFinished("r1")

	require.Eventually(t, func() bool { return sink.count("responseEnd") == 1 },
		2*time.Second, 5*time.Millisecond)

	require.Equal(t, []string{"Hello", ", wörld"}, sink.payloads("streamData"))
	require.Equal(t, []string{"finish"}, sink.payloads("streamEvent"))

	// End comes after every record.
	kinds := sink.kinds()
	require.Equal(t, "responseEnd", kinds[len(kinds)-1])

	active, ok := e.Active()
	require.True(t, ok)
	require.Equal(t, StateCompleted, active.State)

	// Nothing more fires after confirmation.
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, sink.count("responseEnd"))
}

func TestEngine_NonMatchingTrafficIgnored(t *testing.T) {
	conduit := &fakeConduit{}
	sink := &fakeSink{}
	e := newTestEngine(t, conduit, sink, nil)

	e.RequestWillBeSent("x1", "https://host.example/static/app.js", "GET", time.Now())
	e.DataReceived("x1", []byte("data: nope\n"), 11)
	e.LoadingFinished("x1")

	_, ok := e.Active()
	require.False(t, ok)
	require.Zero(t, sink.count("requestStart"))
	require.Zero(t, sink.count("streamData"))
}

func TestEngine_SecondMatchWhileInFlightIgnored(t *testing.T) {
	conduit := &fakeConduit{}
	sink := &fakeSink{}
	e := newTestEngine(t, conduit, sink, nil)

	e.RequestWillBeSent("r1", testURL, "POST", time.Now())
	e.RequestWillBeSent("r2", testURL, "POST", time.Now())

	active, ok := e.Active()
	require.True(t, ok)
	require.Equal(t, "r1", active.ID)
	require.Equal(t, 1, sink.count("requestStart"))

	// Frames for the ignored request never reach the consumer.
	e.DataReceived("r2", []byte("data: intruder\n"), 15)
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, sink.count("streamData"))
}

func TestEngine_LifecycleIsolation(t *testing.T) {
	conduit := &fakeConduit{}
	sink := &fakeSink{}
	e := newTestEngine(t, conduit, sink, nil)

	e.RequestWillBeSent("r1", testURL, "POST", time.Now())
	// Leave a truncated character in the decoder so leakage would surface
	// as garbage prefixed to the next exchange.
	e.DataReceived("r1", []byte("data: first\n\nevent: finish\n\n\xe2\x98"), 0)
	require.Eventually(t, func() bool { return sink.count("responseEnd") == 1 },
		2*time.Second, 5*time.Millisecond)

	// A terminal target no longer blocks classification.
	e.RequestWillBeSent("r2", testURL, "POST", time.Now())
	active, ok := e.Active()
	require.True(t, ok)
	require.Equal(t, "r2", active.ID)

	// Stragglers for the finished exchange are discarded.
	e.DataReceived("r1", []byte("data: stale\n"), 11)
	e.DataReceived("r2", []byte("data: fresh\n\nevent: finish\n\n"), 0)
	e.LoadingFinished("r1")
	e.LoadingFinished("r2")

	require.Eventually(t, func() bool { return sink.count("responseEnd") == 2 },
		2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"first", "fresh"}, sink.payloads("streamData"))
}

func TestEngine_TransportFailure(t *testing.T) {
	conduit := &fakeConduit{}
	sink := &fakeSink{}
	e := newTestEngine(t, conduit, sink, nil)

	e.RequestWillBeSent("r1", testURL, "POST", time.Now())
	e.LoadingFailed("r1", "net::ERR_CONNECTION_RESET")

	require.Equal(t, 1, sink.count("responseError"))
	require.Equal(t, []string{"net::ERR_CONNECTION_RESET"}, sink.payloads("responseError"))

	active, ok := e.Active()
	require.True(t, ok)
	require.Equal(t, StateFailed, active.State)

	// Post-failure frames and signals are inert.
	e.DataReceived("r1", []byte("data: late\n"), 10)
	e.LoadingFinished("r1")
	time.Sleep(30 * time.Millisecond)
	require.Zero(t, sink.count("streamData"))
	require.Zero(t, sink.count("responseEnd"))

	// The failed tombstone yields to the next match.
	e.RequestWillBeSent("r2", testURL, "POST", time.Now())
	active, ok = e.Active()
	require.True(t, ok)
	require.Equal(t, "r2", active.ID)
}

func TestEngine_SessionLost(t *testing.T) {
	conduit := &fakeConduit{}
	sink := &fakeSink{}
	var lostMu sync.Mutex
	var lost *SessionLostError
	e := newTestEngine(t, conduit, sink, func(o *Options) {
		o.OnSessionLost = func(err *SessionLostError) {
			lostMu.Lock()
			lost = err
			lostMu.Unlock()
		}
	})

	e.RequestWillBeSent("r1", testURL, "POST", time.Now())
	e.Detached("tab closed")

	require.False(t, e.Attached())
	require.Equal(t, 1, sink.count("responseError"))
	require.Contains(t, sink.payloads("responseError")[0], "session lost")

	lostMu.Lock()
	defer lostMu.Unlock()
	require.NotNil(t, lost)
	require.Equal(t, "tab closed", lost.Reason)
}

func TestEngine_FallbackBodyPolling(t *testing.T) {
	conduit := &fakeConduit{streamErr: errors.New("streaming not supported")}
	sink := &fakeSink{}
	e := newTestEngine(t, conduit, sink, func(o *Options) {
		o.BodyPollInterval = 10 * time.Millisecond
	})

	conduit.setBody("data: alpha\n\n")
	e.RequestWillBeSent("r1", testURL, "POST", time.Now())

	require.Eventually(t, func() bool { return sink.count("streamData") == 1 },
		2*time.Second, 5*time.Millisecond)

	conduit.setBody("data: alpha\n\ndata: beta\n\n")
	require.Eventually(t, func() bool { return sink.count("streamData") == 2 },
		2*time.Second, 5*time.Millisecond)

	// The closing bytes may land between polls; the transport-end sweep
	// must pick them up before confirming.
	conduit.setBody("data: alpha\n\ndata: beta\n\ndata: omega\n\n")
	e.LoadingFinished("r1")

	require.Eventually(t, func() bool { return sink.count("responseEnd") == 1 },
		2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"alpha", "beta", "omega"}, sink.payloads("streamData"))
}

// When incremental delivery starts while a fallback fetch is still in
// flight, the late fetch result must not be re-dispatched as a snapshot
// diff: every record reaches the consumer exactly once.
func TestEngine_IncrementalTakeoverDuringFetch(t *testing.T) {
	conduit := newGatedConduit()
	sink := &fakeSink{}
	e := newTestEngine(t, conduit, sink, func(o *Options) {
		o.BodyPollInterval = 300 * time.Millisecond
	})

	e.RequestWillBeSent("r1", testURL, "POST", time.Now())

	// A fallback fetch is in flight...
	<-conduit.fetchCalled
	// ...when the channel starts delivering the same bytes incrementally.
	e.DataReceived("r1", []byte("data: a\n\n"), 9)
	require.Eventually(t, func() bool { return sink.count("streamData") == 1 },
		2*time.Second, 5*time.Millisecond)

	conduit.fetchReturn <- "data: a\n\n"

	e.LoadingFinished("r1")
	require.Eventually(t, func() bool { return sink.count("responseEnd") == 1 },
		2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"a"}, sink.payloads("streamData"))
}

// The transport-completion sweep must not interleave with a scheduled poll
// still holding its fetch: suffixes have to enqueue in snapshot order.
func TestEngine_FinalSweepWaitsForInFlightFetch(t *testing.T) {
	conduit := newGatedConduit()
	sink := &fakeSink{}
	e := newTestEngine(t, conduit, sink, func(o *Options) {
		o.BodyPollInterval = 300 * time.Millisecond
	})

	e.RequestWillBeSent("r1", testURL, "POST", time.Now())
	<-conduit.fetchCalled // poll fetch in flight

	// Transport completion lands while the poll still holds its fetch; the
	// sweep has to wait its turn.
	sweepDone := make(chan struct{})
	go func() {
		e.LoadingFinished("r1")
		close(sweepDone)
	}()

	conduit.fetchReturn <- "data: one\n\n"
	<-conduit.fetchCalled // the sweep's own fetch, strictly after the poll's
	conduit.fetchReturn <- "data: one\n\ndata: two\n\n"
	<-sweepDone

	require.Eventually(t, func() bool { return sink.count("responseEnd") == 1 },
		2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"one", "two"}, sink.payloads("streamData"))
}

func TestEngine_ConcurrentAttachOnce(t *testing.T) {
	conduit := &fakeConduit{attachDelay: 20 * time.Millisecond}
	sink := &fakeSink{}
	e := New(conduit, sink, Options{
		Pattern:      testPattern,
		DrainTimeout: time.Second,
		DrainPoll:    2 * time.Millisecond,
	})
	t.Cleanup(func() { _ = e.Detach() })

	errs := make(chan error, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- e.Attach()
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&conduit.attachCalls))
	require.Equal(t, 1, sink.count("ready"))
}

func TestEngine_SinkFailureDoesNotStall(t *testing.T) {
	conduit := &fakeConduit{}
	sink := &fakeSink{fail: map[string]bool{"streamData": true}}
	e := newTestEngine(t, conduit, sink, nil)

	e.RequestWillBeSent("r1", testURL, "POST", time.Now())
	e.DataReceived("r1", []byte("data: dropped\n\nevent: finish\n\n"), 0)
	e.LoadingFinished("r1")

	// Delivery is best-effort: the failed record is logged and dropped,
	// the stream keeps going, and completion still lands.
	require.Eventually(t, func() bool { return sink.count("responseEnd") == 1 },
		2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, sink.count("streamData"))
	require.Equal(t, []string{"finish"}, sink.payloads("streamEvent"))
}

func TestEngine_EmptyFrameIgnored(t *testing.T) {
	conduit := &fakeConduit{}
	sink := &fakeSink{}
	e := newTestEngine(t, conduit, sink, nil)

	e.RequestWillBeSent("r1", testURL, "POST", time.Now())
	e.DataReceived("r1", nil, 512)
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, sink.count("streamData"))
}

func TestEngine_AttachIdempotent(t *testing.T) {
	conduit := &fakeConduit{}
	sink := &fakeSink{}
	e := newTestEngine(t, conduit, sink, nil)

	require.NoError(t, e.Attach())
	require.NoError(t, e.Attach())
	require.Equal(t, 1, sink.count("ready"))
	require.Equal(t, "tab-1", e.TabID())
}

func TestEngine_PatternHotSwap(t *testing.T) {
	conduit := &fakeConduit{}
	sink := &fakeSink{}
	e := newTestEngine(t, conduit, sink, nil)

	e.SetPattern("/v2/stream")
	e.RequestWillBeSent("r1", testURL, "POST", time.Now())
	_, ok := e.Active()
	require.False(t, ok)

	e.RequestWillBeSent("r2", "https://host.example/v2/stream", "POST", time.Now())
	active, ok := e.Active()
	require.True(t, ok)
	require.Equal(t, "r2", active.ID)
}
