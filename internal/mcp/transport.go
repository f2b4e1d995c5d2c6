package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"coverloop/internal/logging"
)

// sessionHeader carries the backend's own session id across requests.
const sessionHeader = "Mcp-Session-Id"

// Channel is the persistent, message-framed link to the automation backend.
type Channel interface {
	// Send delivers one framed request and returns the raw response buffer.
	Send(ctx context.Context, method string, payload []byte) ([]byte, error)
	// Close sends the teardown signal.
	Close(ctx context.Context) error
}

// HTTPChannel implements Channel over streamable HTTP: every request is a POST
// whose response body is either JSON or an SSE stream of event blocks.
type HTTPChannel struct {
	mu sync.RWMutex

	endpoint         string
	client           *http.Client
	backendSessionID string
}

// NewHTTPChannel creates a channel for endpoint with a per-request timeout.
func NewHTTPChannel(endpoint string, timeout time.Duration) *HTTPChannel {
	return &HTTPChannel{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Endpoint returns the backend URL.
func (c *HTTPChannel) Endpoint() string {
	return c.endpoint
}

// Send posts payload and returns the whole response body.
func (c *HTTPChannel) Send(ctx context.Context, method string, payload []byte) ([]byte, error) {
	c.mu.Lock()
	if method == "initialize" {
		// A fresh handshake must not present a stale backend session.
		c.backendSessionID = ""
	}
	sid := c.backendSessionID
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{Op: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sid != "" {
		req.Header.Set(sessionHeader, sid)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportErr(method, err)
	}

	if resp.StatusCode == http.StatusNotFound && sid != "" {
		c.mu.Lock()
		c.backendSessionID = ""
		c.mu.Unlock()
		return nil, &SessionLostError{Message: fmt.Sprintf("session not found (status 404 for %s)", method)}
	}
	if resp.StatusCode >= 400 {
		return nil, &TransportError{Op: method, StatusCode: resp.StatusCode, Err: errors.New(string(bytes.TrimSpace(body)))}
	}

	if newSID := resp.Header.Get(sessionHeader); newSID != "" {
		c.mu.Lock()
		c.backendSessionID = newSID
		c.mu.Unlock()
	}

	logging.ProtocolDebug("%s -> %d (%d bytes)", method, resp.StatusCode, len(body))
	return body, nil
}

// Close sends a DELETE teardown for the backend session, if one was issued.
func (c *HTTPChannel) Close(ctx context.Context) error {
	c.mu.Lock()
	sid := c.backendSessionID
	c.backendSessionID = ""
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return &TransportError{Op: "teardown", Err: err}
	}
	if sid != "" {
		req.Header.Set(sessionHeader, sid)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransportErr("teardown", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	// 405 means the backend does not support explicit teardown.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusMethodNotAllowed {
		return &TransportError{Op: "teardown", StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	return nil
}

func classifyTransportErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Op: op, Err: err}
	}
	return &TransportError{Op: op, Err: err}
}

// Ensure HTTPChannel implements Channel.
var _ Channel = (*HTTPChannel)(nil)
