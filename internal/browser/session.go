// Package browser implements the instrumentation conduit over the Chrome
// DevTools Protocol using rod. It attaches to one controlled tab, enables
// network observation, and forwards request/frame/completion events to the
// interception engine.
package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"streamtap/internal/intercept"
	"streamtap/internal/logging"
)

// ErrNotStarted is returned for operations requiring a connected browser.
var ErrNotStarted = errors.New("browser not connected")

// Config holds browser connection configuration.
type Config struct {
	// DebuggerURL attaches to a running Chrome; empty launches one.
	DebuggerURL string
	// Launch is the binary plus flags used when launching.
	Launch   []string
	Headless bool
	// PageURL is the page carrying the tracked exchange. An open tab on
	// it is reused; otherwise a new tab is opened and navigated there.
	PageURL           string
	NavigationTimeout time.Duration
}

// SessionManager owns the CDP connection and the one observed tab. It
// implements intercept.Conduit.
type SessionManager struct {
	mu         sync.Mutex
	cfg        Config
	browser    *rod.Browser
	controlURL string

	page      *rod.Page
	tabID     string
	events    intercept.Events
	streamCtx context.Context
	stopWatch context.CancelFunc
	detaching bool
}

// NewSessionManager creates a manager for the given configuration.
func NewSessionManager(cfg Config) *SessionManager {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	return &SessionManager{cfg: cfg}
}

// Start connects to an existing Chrome or launches a new one. Reconnects if
// a previous connection went stale.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		logging.SessionWarn("stale browser connection, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.page = nil
		m.controlURL = ""
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" {
		url, err := m.launch()
		if err != nil {
			return err
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	logging.Session("connected to browser at %s", controlURL)
	return nil
}

func (m *SessionManager) launch() (string, error) {
	l := launcher.New().Headless(m.cfg.Headless)
	if len(m.cfg.Launch) > 0 {
		l = launcher.New().Bin(m.cfg.Launch[0]).Headless(m.cfg.Headless)
		for _, rawFlag := range m.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
	}
	url, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("launch chrome: %w", err)
	}
	return url, nil
}

// ControlURL returns the DevTools WebSocket URL.
func (m *SessionManager) ControlURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controlURL
}

// Attach enables network observation on the configured tab and starts
// delivering events. Attaching while already attached to the same tab is
// idempotent and returns the same tab id.
func (m *SessionManager) Attach(events intercept.Events) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser == nil {
		return "", ErrNotStarted
	}
	if m.page != nil {
		return m.tabID, nil
	}

	page, err := m.findOrOpenPage()
	if err != nil {
		return "", fmt.Errorf("resolve tab for %s: %w", m.cfg.PageURL, err)
	}

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return "", fmt.Errorf("enable network observation: %w", err)
	}

	streamCtx, cancel := context.WithCancel(m.browser.GetContext())
	m.page = page
	m.tabID = string(page.TargetID)
	m.events = events
	m.streamCtx = streamCtx
	m.stopWatch = cancel
	m.detaching = false

	m.startEventStream(page.Context(streamCtx), events)
	logging.Session("attached to tab %s (%s)", m.tabID, m.cfg.PageURL)
	return m.tabID, nil
}

func (m *SessionManager) findOrOpenPage() (*rod.Page, error) {
	pages, err := m.browser.Pages()
	if err != nil {
		return nil, err
	}
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			continue
		}
		if m.cfg.PageURL != "" && strings.HasPrefix(info.URL, m.cfg.PageURL) {
			return p, nil
		}
	}

	page, err := m.browser.Page(proto.TargetCreateTarget{URL: m.cfg.PageURL})
	if err != nil {
		return nil, err
	}
	_ = page.Timeout(m.cfg.NavigationTimeout).WaitLoad()
	return page, nil
}

// startEventStream wires CDP network events into the engine callbacks. The
// wait function returns when the tab closes or observation is cancelled;
// anything but an explicit detach is surfaced as a lost session.
func (m *SessionManager) startEventStream(page *rod.Page, events intercept.Events) {
	wait := page.EachEvent(
		func(ev *proto.NetworkRequestWillBeSent) {
			if ev.Request == nil {
				return
			}
			events.RequestWillBeSent(string(ev.RequestID), ev.Request.URL, ev.Request.Method, time.Now())
		},
		func(ev *proto.NetworkResponseReceived) {
			if ev.Response == nil {
				return
			}
			events.ResponseReceived(string(ev.RequestID), ev.Response.Status, flattenHeaders(ev.Response.Headers))
		},
		func(ev *proto.NetworkDataReceived) {
			// Data is only populated once streaming delivery has been
			// requested for the request; otherwise length only.
			events.DataReceived(string(ev.RequestID), ev.Data, ev.DataLength)
		},
		func(ev *proto.NetworkLoadingFinished) {
			events.LoadingFinished(string(ev.RequestID))
		},
		func(ev *proto.NetworkLoadingFailed) {
			text := ev.ErrorText
			if ev.Canceled {
				text = "canceled: " + text
			}
			events.LoadingFailed(string(ev.RequestID), text)
		},
	)

	go func() {
		wait()
		m.mu.Lock()
		explicit := m.detaching
		m.page = nil
		m.tabID = ""
		m.mu.Unlock()
		if !explicit {
			events.Detached("instrumentation event stream ended")
		}
	}()
}

// Detach stops observation but leaves the tab and browser running. Safe to
// call when not attached.
func (m *SessionManager) Detach() error {
	m.mu.Lock()
	if m.page == nil {
		m.mu.Unlock()
		return nil
	}
	m.detaching = true
	page := m.page
	cancel := m.stopWatch
	m.mu.Unlock()

	_ = (proto.NetworkDisable{}).Call(page)
	if cancel != nil {
		cancel()
	}
	logging.Session("detached from tab")
	return nil
}

// StreamBody asks the protocol to deliver incremental body frames for the
// given request. Any buffered bytes captured before the call are forwarded
// immediately as the first frame.
func (m *SessionManager) StreamBody(requestID string) error {
	m.mu.Lock()
	page := m.page
	events := m.events
	m.mu.Unlock()
	if page == nil {
		return ErrNotStarted
	}

	res, err := proto.NetworkStreamResourceContent{
		RequestID: proto.NetworkRequestID(requestID),
	}.Call(page)
	if err != nil {
		return fmt.Errorf("stream resource content: %w", err)
	}
	if len(res.BufferedData) > 0 && events != nil {
		events.DataReceived(requestID, res.BufferedData, len(res.BufferedData))
	}
	return nil
}

// FetchBody retrieves the full accumulated response body for the diff
// fallback.
func (m *SessionManager) FetchBody(requestID string) (string, error) {
	m.mu.Lock()
	page := m.page
	m.mu.Unlock()
	if page == nil {
		return "", ErrNotStarted
	}

	res, err := proto.NetworkGetResponseBody{
		RequestID: proto.NetworkRequestID(requestID),
	}.Call(page)
	if err != nil {
		return "", fmt.Errorf("get response body: %w", err)
	}
	if res.Base64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(res.Body)
		if err != nil {
			return "", fmt.Errorf("decode response body: %w", err)
		}
		return string(decoded), nil
	}
	return res.Body, nil
}

// Shutdown detaches and closes the browser connection.
func (m *SessionManager) Shutdown() error {
	_ = m.Detach()

	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	return err
}

func flattenHeaders(h proto.NetworkHeaders) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = v.Str()
	}
	return out
}
