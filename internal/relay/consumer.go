// Package relay delivers reconstructed stream events to the local consumer
// over HTTP. One endpoint per event kind; delivery is best-effort and the
// caller decides what to do with failures.
package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Endpoint paths, one per outbound event.
const (
	pathRequest       = "/network/request"
	pathResponseStart = "/network/response-start"
	pathStreamData    = "/network/stream-data"
	pathStreamEvent   = "/network/stream-event"
	pathResponseEnd   = "/network/response-end"
	pathResponseError = "/network/response-error"
	pathDebugLog      = "/network/debug-log"
	pathReady         = "/network/ready"
)

// instanceHeader correlates events from one streamtap process on the
// consumer side.
const instanceHeader = "X-Streamtap-Instance"

// Consumer POSTs stream events to a base URL. It implements intercept.Sink.
type Consumer struct {
	baseURL    string
	client     *http.Client
	instanceID string
}

// NewConsumer creates a consumer client for the given base URL.
func NewConsumer(baseURL string, timeout time.Duration) *Consumer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Consumer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: timeout},
		instanceID: uuid.NewString(),
	}
}

// InstanceID returns the id sent with every event for consumer-side
// correlation.
func (c *Consumer) InstanceID() string {
	return c.instanceID
}

func (c *Consumer) post(path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", path, err)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(instanceHeader, c.instanceID)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	// The consumer's reply body is irrelevant; drain it so the
	// connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: consumer returned %s", path, resp.Status)
	}
	return nil
}

func millis(ts time.Time) int64 { return ts.UnixMilli() }

// RequestStart announces that the tracked exchange began.
func (c *Consumer) RequestStart(requestID, url, method string, ts time.Time) error {
	return c.post(pathRequest, map[string]any{
		"requestId": requestID,
		"url":       url,
		"method":    method,
		"timestamp": millis(ts),
	})
}

// ResponseStart announces header receipt.
func (c *Consumer) ResponseStart(requestID string, status int, headers map[string]string, ts time.Time) error {
	return c.post(pathResponseStart, map[string]any{
		"requestId": requestID,
		"status":    status,
		"headers":   headers,
		"timestamp": millis(ts),
	})
}

// StreamData delivers one data record.
func (c *Consumer) StreamData(requestID, payload string, ts time.Time) error {
	return c.post(pathStreamData, map[string]any{
		"requestId": requestID,
		"data":      payload,
		"timestamp": millis(ts),
	})
}

// StreamEvent delivers one event record.
func (c *Consumer) StreamEvent(requestID, name string, ts time.Time) error {
	return c.post(pathStreamEvent, map[string]any{
		"requestId": requestID,
		"event":     name,
		"timestamp": millis(ts),
	})
}

// ResponseEnd announces exchange completion.
func (c *Consumer) ResponseEnd(requestID string, ts time.Time) error {
	return c.post(pathResponseEnd, map[string]any{
		"requestId": requestID,
		"timestamp": millis(ts),
	})
}

// ResponseError reports a failed exchange.
func (c *Consumer) ResponseError(requestID, errText string, ts time.Time) error {
	return c.post(pathResponseError, map[string]any{
		"requestId": requestID,
		"error":     errText,
		"timestamp": millis(ts),
	})
}

// Ready announces that observation is enabled for a tab.
func (c *Consumer) Ready(tabID string, ts time.Time) error {
	return c.post(pathReady, map[string]any{
		"tabId":     tabID,
		"timestamp": millis(ts),
	})
}

// DebugLog forwards a diagnostic line.
func (c *Consumer) DebugLog(message string, ts time.Time) error {
	return c.post(pathDebugLog, map[string]any{
		"message":   message,
		"timestamp": millis(ts),
	})
}
