package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"

	"coverloop/internal/logging"
)

// request is a JSON-RPC 2.0 request or notification (ID nil).
type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response is a decoded JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErrorObject `json:"error,omitempty"`
}

type rpcErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// valid reports whether the message is a JSON-RPC reply rather than a
// notification or garbage.
func (r *Response) valid() bool {
	if r.JSONRPC != "2.0" {
		return false
	}
	return len(r.Result) > 0 || r.Error != nil
}

// Decode extracts every payload from an SSE-framed buffer and returns the last
// structurally valid JSON-RPC reply. A buffer may hold several event blocks
// (notifications interleaved with the reply); later replies supersede earlier
// ones. A bare JSON body is treated as a single block. Empty input or input
// without a valid reply yields (nil, false), never an error.
func Decode(raw []byte) (*Response, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, false
	}

	var last *Response
	for _, payload := range payloads(raw) {
		var resp Response
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			logging.ProtocolDebug("skipping undecodable payload: %v", err)
			continue
		}
		if !resp.valid() {
			continue
		}
		r := resp
		last = &r
	}
	if last == nil {
		return nil, false
	}
	return last, true
}

// payloads splits raw into one payload string per event block.
func payloads(raw []byte) []string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return []string{string(trimmed)}
	}

	var out []string
	var data strings.Builder
	hasData := false
	flush := func() {
		if hasData {
			out = append(out, data.String())
		}
		data.Reset()
		hasData = false
	}

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			hasData = true
		case strings.HasPrefix(line, ":"):
			// Comment, ignore
		default:
			// event:, id:, retry: carry nothing the decoder needs
		}
	}
	flush()
	return out
}
