package relay

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type received struct {
	path     string
	instance string
	body     map[string]any
}

func newRecordingServer(t *testing.T, status int) (*httptest.Server, func() []received) {
	t.Helper()
	var mu sync.Mutex
	var got []received

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))

		mu.Lock()
		got = append(got, received{
			path:     r.URL.Path,
			instance: r.Header.Get("X-Streamtap-Instance"),
			body:     body,
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), got...)
	}
}

func TestConsumer_EndpointsAndPayloads(t *testing.T) {
	srv, calls := newRecordingServer(t, http.StatusOK)
	c := NewConsumer(srv.URL, 2*time.Second)
	ts := time.UnixMilli(1700000000123)

	require.NoError(t, c.Ready("tab-1", ts))
	require.NoError(t, c.RequestStart("r1", "https://host/api/v0/chat/completion", "POST", ts))
	require.NoError(t, c.ResponseStart("r1", 200, map[string]string{"content-type": "text/event-stream"}, ts))
	require.NoError(t, c.StreamData("r1", `{"delta":"hi"}`, ts))
	require.NoError(t, c.StreamEvent("r1", "finish", ts))
	require.NoError(t, c.ResponseEnd("r1", ts))
	require.NoError(t, c.ResponseError("r1", "net::ERR_FAILED", ts))
	require.NoError(t, c.DebugLog("fallback engaged", ts))

	got := calls()
	require.Len(t, got, 8)

	wantPaths := []string{
		"/network/ready",
		"/network/request",
		"/network/response-start",
		"/network/stream-data",
		"/network/stream-event",
		"/network/response-end",
		"/network/response-error",
		"/network/debug-log",
	}
	for i, want := range wantPaths {
		require.Equal(t, want, got[i].path, "call %d", i)
		require.Equal(t, c.InstanceID(), got[i].instance, "call %d instance header", i)
		require.EqualValues(t, 1700000000123, got[i].body["timestamp"], "call %d timestamp", i)
	}

	require.Equal(t, "tab-1", got[0].body["tabId"])
	require.Equal(t, "r1", got[1].body["requestId"])
	require.Equal(t, "POST", got[1].body["method"])
	require.EqualValues(t, 200, got[2].body["status"])
	require.Equal(t, `{"delta":"hi"}`, got[3].body["data"])
	require.Equal(t, "finish", got[4].body["event"])
	require.Equal(t, "net::ERR_FAILED", got[6].body["error"])
	require.Equal(t, "fallback engaged", got[7].body["message"])
}

func TestConsumer_NonSuccessStatusIsError(t *testing.T) {
	srv, _ := newRecordingServer(t, http.StatusBadGateway)
	c := NewConsumer(srv.URL, 2*time.Second)

	err := c.StreamData("r1", "x", time.Now())
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

func TestConsumer_UnreachableConsumer(t *testing.T) {
	// Closed port: dial fails fast, the error surfaces to the caller.
	c := NewConsumer("http://127.0.0.1:1", 500*time.Millisecond)
	require.Error(t, c.ResponseEnd("r1", time.Now()))
}

func TestConsumer_TrailingSlashBaseURL(t *testing.T) {
	srv, calls := newRecordingServer(t, http.StatusOK)
	c := NewConsumer(srv.URL+"/", time.Second)

	require.NoError(t, c.Ready("tab-1", time.Now()))
	got := calls()
	require.Len(t, got, 1)
	require.Equal(t, "/network/ready", got[0].path)
}

func TestConsumer_DistinctInstanceIDs(t *testing.T) {
	a := NewConsumer("http://127.0.0.1:5000", time.Second)
	b := NewConsumer("http://127.0.0.1:5000", time.Second)
	require.NotEmpty(t, a.InstanceID())
	require.NotEqual(t, a.InstanceID(), b.InstanceID())
}
