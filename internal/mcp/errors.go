package mcp

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// TransportError means the channel could not deliver a request
// (connection refused, reset, non-2xx status). Retryable.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s: server returned status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError means the transport exceeded its deadline. Retryable like TransportError.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transport %s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ProtocolError means the backend answered with empty or malformed content.
// It is surfaced as an ordinary action failure.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Message
}

// SessionLostError means the backend no longer recognizes the session.
// Callers should re-run the handshake before retrying.
type SessionLostError struct {
	Message string
}

func (e *SessionLostError) Error() string {
	return "session lost: " + e.Message
}

// SessionInitError means the handshake itself failed.
type SessionInitError struct {
	Err error
}

func (e *SessionInitError) Error() string {
	return fmt.Sprintf("session initialization failed: %v", e.Err)
}

func (e *SessionInitError) Unwrap() error { return e.Err }

// RPCError is a JSON-RPC error object returned by the backend.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// ToolError is a tool result flagged isError by the backend, e.g. element not found.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Tool, e.Message)
}

// sessionLostSignatures is the explicit allow-list of backend messages that
// mean the session (or the browser behind it) is gone. Matched case-insensitively.
var sessionLostSignatures = []string{
	"session not found",
	"target page, context or browser has been closed",
}

// SessionLostSignatures returns a copy of the allow-list.
func SessionLostSignatures() []string {
	return append([]string(nil), sessionLostSignatures...)
}

// MatchesSessionLoss reports whether msg carries a session-loss signature.
func MatchesSessionLoss(msg string) bool {
	lower := strings.ToLower(msg)
	for _, sig := range sessionLostSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// IsTransportClass reports whether err belongs to the retryable transport
// family: transport, timeout, session loss and handshake failures.
func IsTransportClass(err error) bool {
	var te *TransportError
	var to *TimeoutError
	var sl *SessionLostError
	var si *SessionInitError
	return errors.As(err, &te) || errors.As(err, &to) || errors.As(err, &sl) || errors.As(err, &si)
}
