package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const stdioHelperEnv = "COVERLOOP_STDIO_HELPER"

// TestStdioHelperProcess is not a real test: re-executed as a subprocess it
// plays a line-delimited MCP backend. The "crash" tool kills the process.
func TestStdioHelperProcess(t *testing.T) {
	if os.Getenv(stdioHelperEnv) != "1" {
		return
	}
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
			Params struct {
				Name string `json:"name"`
			} `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.ID == nil {
			continue
		}
		if req.Params.Name == "crash" {
			os.Exit(3)
		}
		result := `{"content":[{"type":"text","text":"done"}]}`
		if req.Method == "initialize" {
			result = `{"protocolVersion":"2025-03-26","capabilities":{}}`
		}
		fmt.Fprintf(os.Stderr, "handling %s\n", req.Method)
		fmt.Fprintf(os.Stdout, "{\"jsonrpc\":\"2.0\",\"method\":\"notifications/message\"}\n")
		fmt.Fprintf(os.Stdout, "{\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":%s}\n", *req.ID, result)
	}
	os.Exit(0)
}

func helperChannel(t *testing.T) *StdioChannel {
	t.Helper()
	t.Setenv(stdioHelperEnv, "1")
	return NewStdioChannel(os.Args[0]+" -test.run=^TestStdioHelperProcess$", 5*time.Second)
}

func TestStdioChannelRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	ch := helperChannel(t)
	m := NewSessionManager(ch)
	ctx := context.Background()

	res, err := m.Call(ctx, "browser_navigate", map[string]interface{}{"url": "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Text)
	assert.Equal(t, StateReady, m.Status().State)

	require.NoError(t, m.Close(ctx))
	assert.Equal(t, StateUninitialized, m.Status().State)
}

func TestStdioChannelProcessExitIsSessionLoss(t *testing.T) {
	ch := helperChannel(t)
	m := NewSessionManager(ch)
	ctx := context.Background()
	defer m.Close(ctx)

	_, err := m.Call(ctx, "browser_snapshot", nil)
	require.NoError(t, err)

	_, err = m.Call(ctx, "crash", nil)
	var lost *SessionLostError
	require.True(t, errors.As(err, &lost), "got %v", err)
	assert.True(t, IsTransportClass(err))

	_, err = m.Reinitialize(ctx)
	require.NoError(t, err)
	res, err := m.Call(ctx, "browser_snapshot", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Text)
	assert.EqualValues(t, 2, m.Handshakes())
}

func TestStdioChannelEmptyCommand(t *testing.T) {
	ch := NewStdioChannel("   ", time.Second)
	_, err := ch.Send(context.Background(), "initialize", []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	var te *TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.NoError(t, ch.Close(context.Background()))
}

func TestStdioChannelMissingExecutable(t *testing.T) {
	ch := NewStdioChannel("/nonexistent/coverloop-backend --stdio", time.Second)
	assert.Equal(t, "/nonexistent/coverloop-backend", ch.Command())
	_, err := ch.Send(context.Background(), "initialize", []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	assert.True(t, IsTransportClass(err), "got %v", err)
}
