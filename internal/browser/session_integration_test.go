//go:build integration

package browser_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"streamtap/internal/browser"
	"streamtap/internal/intercept"
)

// eventRecorder implements intercept.Events for testing.
type eventRecorder struct {
	mu       sync.Mutex
	requests []string
	finished []string
	chunks   int
}

func (r *eventRecorder) RequestWillBeSent(id, url, method string, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, url)
}

func (r *eventRecorder) ResponseReceived(id string, status int, headers map[string]string) {}

func (r *eventRecorder) DataReceived(id string, payload []byte, lengthHint int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks++
}

func (r *eventRecorder) LoadingFinished(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, id)
}

func (r *eventRecorder) LoadingFailed(id string, errText string) {}
func (r *eventRecorder) Detached(reason string)                  {}

var _ intercept.Events = (*eventRecorder)(nil)

func (r *eventRecorder) requestCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func TestSessionManager_AttachAndObserve_Integration(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "<html><body><h1>streamtap fixture</h1></body></html>")
	}))
	defer ts.Close()

	sm := browser.NewSessionManager(browser.Config{
		Headless:          true,
		PageURL:           ts.URL,
		NavigationTimeout: 10 * time.Second,
	})
	defer func() { _ = sm.Shutdown() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sm.Start(ctx); err != nil {
		t.Skipf("no local Chrome available: %v", err)
	}

	rec := &eventRecorder{}
	tabID, err := sm.Attach(rec)
	require.NoError(t, err)
	require.NotEmpty(t, tabID)

	// Attach is idempotent for the same tab.
	again, err := sm.Attach(rec)
	require.NoError(t, err)
	require.Equal(t, tabID, again)

	// Page loads on the attached tab surface network events.
	require.Eventually(t, func() bool { return rec.requestCount() > 0 },
		15*time.Second, 100*time.Millisecond)

	require.NoError(t, sm.Detach())
}

func TestSessionManager_FetchBody_Integration(t *testing.T) {
	const body = "data: integration\n\n"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, body)
	}))
	defer ts.Close()

	sm := browser.NewSessionManager(browser.Config{
		Headless:          true,
		PageURL:           ts.URL,
		NavigationTimeout: 10 * time.Second,
	})
	defer func() { _ = sm.Shutdown() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sm.Start(ctx); err != nil {
		t.Skipf("no local Chrome available: %v", err)
	}

	rec := &eventRecorder{}
	_, err := sm.Attach(rec)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.finished) > 0
	}, 15*time.Second, 100*time.Millisecond)

	rec.mu.Lock()
	requestID := rec.finished[0]
	rec.mu.Unlock()

	got, err := sm.FetchBody(requestID)
	require.NoError(t, err)
	require.Contains(t, got, "integration")
}
