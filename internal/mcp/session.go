// Package mcp maintains the JSON-RPC session with the browser-automation
// backend: handshake, tool calls and teardown over a message-framed channel.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"coverloop/internal/logging"
)

// ProtocolVersion is the MCP revision announced during the handshake.
const ProtocolVersion = "2025-03-26"

// State is the lifecycle state of the backend session.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateInitializing:
		return "INITIALIZING"
	case StateReady:
		return "READY"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SessionStatus is a read-only view of the session.
type SessionStatus struct {
	ID              string
	State           State
	BackendLaunched bool
}

// session is owned by SessionManager; nothing else holds a reference to it.
type session struct {
	id              string
	state           State
	backendLaunched bool
}

// ImageContent is an image block returned by a tool.
type ImageContent struct {
	MimeType string
	Data     string // base64
}

// CallResult is the unwrapped content of a tools/call reply.
type CallResult struct {
	// Text is the first text block verbatim.
	Text string
	// Payload is Text unwrapped one level when it holds serialized JSON,
	// otherwise Text encoded as a JSON string.
	Payload json.RawMessage
	Images  []ImageContent
}

// SessionManager owns the single logical connection to the backend.
type SessionManager struct {
	ch Channel

	mu      sync.RWMutex
	session session

	nextID     atomic.Int64
	handshakes atomic.Int64
	group      singleflight.Group

	clientName    string
	clientVersion string
}

// Option configures a SessionManager.
type Option func(*SessionManager)

// WithClientInfo sets the client name and version sent in the handshake.
func WithClientInfo(name, version string) Option {
	return func(m *SessionManager) {
		m.clientName = name
		m.clientVersion = version
	}
}

// NewSessionManager creates a manager over ch. No I/O happens until Initialize or Call.
func NewSessionManager(ch Channel, opts ...Option) *SessionManager {
	m := &SessionManager{
		ch:            ch,
		clientName:    "coverloop",
		clientVersion: "1.0.0",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Status returns a snapshot of the session state.
func (m *SessionManager) Status() SessionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return SessionStatus{
		ID:              m.session.id,
		State:           m.session.state,
		BackendLaunched: m.session.backendLaunched,
	}
}

// SessionID returns the local session id, empty before the first handshake.
func (m *SessionManager) SessionID() string {
	return m.Status().ID
}

// Handshakes returns how many handshake requests have been issued.
func (m *SessionManager) Handshakes() int64 {
	return m.handshakes.Load()
}

// Initialize performs the handshake unless the session is already READY,
// in which case the existing session id is returned unchanged. Concurrent
// callers share a single handshake.
func (m *SessionManager) Initialize(ctx context.Context) (string, error) {
	m.mu.RLock()
	if m.session.state == StateReady {
		id := m.session.id
		m.mu.RUnlock()
		return id, nil
	}
	m.mu.RUnlock()

	v, err, _ := m.group.Do("initialize", func() (interface{}, error) {
		return m.handshake(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Reinitialize discards the current session and performs a fresh handshake.
// Used after a session-loss error.
func (m *SessionManager) Reinitialize(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.session.state == StateReady {
		m.session.state = StateUninitialized
	}
	m.mu.Unlock()
	logging.Session("re-initializing backend session")
	return m.Initialize(ctx)
}

func (m *SessionManager) handshake(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.session.state == StateReady {
		id := m.session.id
		m.mu.Unlock()
		return id, nil
	}
	m.session.state = StateInitializing
	m.mu.Unlock()

	fail := func(err error) (string, error) {
		m.mu.Lock()
		m.session.state = StateUninitialized
		m.mu.Unlock()
		logging.Get(logging.CategorySession).Error("handshake failed: %v", err)
		return "", &SessionInitError{Err: err}
	}

	m.handshakes.Add(1)
	start := time.Now()
	resp, err := m.roundTrip(ctx, "initialize", map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]string{
			"name":    m.clientName,
			"version": m.clientVersion,
		},
	})
	if err != nil {
		return fail(err)
	}
	if resp.Error != nil {
		return fail(&RPCError{Code: resp.Error.Code, Message: resp.Error.Message})
	}

	if err := m.notify(ctx, "notifications/initialized"); err != nil {
		logging.Get(logging.CategorySession).Warn("initialized notification failed: %v", err)
	}

	id := fmt.Sprintf("session_%d_%s", time.Now().UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	m.mu.Lock()
	m.session = session{id: id, state: StateReady, backendLaunched: true}
	m.mu.Unlock()

	logging.Session("backend session ready: %s", id)
	logging.AuditFor(logging.CategorySession).SessionStart(id, time.Since(start).Milliseconds())
	return id, nil
}

// Call invokes a backend tool, initializing the session first if needed.
func (m *SessionManager) Call(ctx context.Context, tool string, args map[string]interface{}) (*CallResult, error) {
	if _, err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	resp, err := m.roundTrip(ctx, "tools/call", map[string]interface{}{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		if MatchesSessionLoss(resp.Error.Message) {
			return nil, &SessionLostError{Message: resp.Error.Message}
		}
		return nil, &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return parseToolResult(tool, resp.Result)
}

// roundTrip sends one request and decodes the framed reply.
func (m *SessionManager) roundTrip(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := m.nextID.Add(1)
	payload, err := json.Marshal(request{JSONRPC: "2.0", ID: &id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	raw, err := m.ch.Send(ctx, method, payload)
	if err != nil {
		return nil, err
	}
	resp, ok := Decode(raw)
	if !ok {
		return nil, &ProtocolError{Message: "invalid response"}
	}
	return resp, nil
}

func (m *SessionManager) notify(ctx context.Context, method string) error {
	payload, err := json.Marshal(request{JSONRPC: "2.0", Method: method})
	if err != nil {
		return err
	}
	_, err = m.ch.Send(ctx, method, payload)
	return err
}

// Close sends the teardown signal and resets local state regardless of
// whether the backend acknowledged it.
func (m *SessionManager) Close(ctx context.Context) error {
	m.mu.Lock()
	wasLive := m.session.state != StateUninitialized
	id := m.session.id
	m.session.state = StateClosed
	m.mu.Unlock()

	var err error
	if wasLive {
		err = m.ch.Close(ctx)
		if err != nil {
			logging.Get(logging.CategorySession).Warn("teardown not acknowledged: %v", err)
		}
	}

	m.mu.Lock()
	m.session = session{state: StateUninitialized}
	m.mu.Unlock()
	logging.Session("backend session closed")
	if wasLive {
		logging.AuditFor(logging.CategorySession).SessionEnd(id, err)
	}
	return err
}

// toolResult is the MCP tools/call result shape.
type toolResult struct {
	Content []struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		Data     string `json:"data,omitempty"`
		MimeType string `json:"mimeType,omitempty"`
	} `json:"content"`
	IsError bool `json:"isError,omitempty"`
}

func parseToolResult(tool string, raw json.RawMessage) (*CallResult, error) {
	var tr toolResult
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, &ProtocolError{Message: "invalid response"}
	}
	if len(tr.Content) == 0 {
		return nil, &ProtocolError{Message: "invalid response"}
	}

	out := &CallResult{}
	textSet := false
	for _, c := range tr.Content {
		switch c.Type {
		case "text":
			if !textSet {
				out.Text = c.Text
				textSet = true
			}
		case "image":
			out.Images = append(out.Images, ImageContent{MimeType: c.MimeType, Data: c.Data})
		}
	}
	if !textSet && len(out.Images) == 0 {
		return nil, &ProtocolError{Message: "invalid response"}
	}

	if tr.IsError {
		if MatchesSessionLoss(out.Text) {
			return nil, &SessionLostError{Message: out.Text}
		}
		return nil, &ToolError{Tool: tool, Message: out.Text}
	}

	out.Payload = unwrapPayload(out.Text)
	return out, nil
}

// unwrapPayload returns text itself when it is serialized JSON (one level),
// otherwise text as a JSON string.
func unwrapPayload(text string) json.RawMessage {
	trimmed := strings.TrimSpace(text)
	if trimmed != "" && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	encoded, _ := json.Marshal(text)
	return encoded
}
