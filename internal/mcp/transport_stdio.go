package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"coverloop/internal/logging"
)

// StdioChannel implements Channel over a backend subprocess speaking
// newline-delimited JSON-RPC on stdin/stdout, e.g. "npx @playwright/mcp".
// The process is started by the first Send and killed by Close; a Send
// after Close starts a fresh one.
type StdioChannel struct {
	mu sync.Mutex

	command string
	args    []string
	timeout time.Duration

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[int64]chan []byte
	exited  chan struct{}
	readers *sync.WaitGroup
}

// NewStdioChannel creates a channel for a command line. The line is split on
// whitespace; the first field is the executable.
func NewStdioChannel(commandLine string, timeout time.Duration) *StdioChannel {
	parts := strings.Fields(commandLine)
	var cmd string
	var args []string
	if len(parts) > 0 {
		cmd = parts[0]
		args = parts[1:]
	}
	return &StdioChannel{command: cmd, args: args, timeout: timeout}
}

// Command returns the executable the channel launches.
func (c *StdioChannel) Command() string {
	return c.command
}

// startLocked launches the subprocess and its reader goroutines.
func (c *StdioChannel) startLocked() error {
	if c.cmd != nil {
		select {
		case <-c.exited:
			// The process died on its own; reap it and launch a new one.
			old, readers := c.cmd, c.readers
			go func() {
				readers.Wait()
				_ = old.Wait()
			}()
			c.cmd, c.stdin = nil, nil
			logging.Get(logging.CategorySession).Warn("backend process %s exited, relaunching", c.command)
		default:
			return nil
		}
	}
	if c.command == "" {
		return &TransportError{Op: "launch", Err: errors.New("empty backend command")}
	}

	cmd := exec.Command(c.command, c.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &TransportError{Op: "launch", Err: fmt.Errorf("failed to get stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &TransportError{Op: "launch", Err: fmt.Errorf("failed to get stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &TransportError{Op: "launch", Err: fmt.Errorf("failed to get stderr pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return &TransportError{Op: "launch", Err: fmt.Errorf("failed to start %s: %w", c.command, err)}
	}

	c.cmd = cmd
	c.stdin = stdin
	c.pending = make(map[int64]chan []byte)
	c.exited = make(chan struct{})

	readers := &sync.WaitGroup{}
	readers.Add(2)
	c.readers = readers
	go c.readStderr(readers, stderr)
	go c.readStdout(readers, stdout, c.pending, c.exited)

	logging.Session("launched backend process %s (pid %d)", c.command, cmd.Process.Pid)
	return nil
}

func (c *StdioChannel) readStderr(readers *sync.WaitGroup, r io.Reader) {
	defer readers.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logging.ProtocolDebug("[backend stderr] %s", scanner.Text())
	}
}

// readStdout routes each reply line to the Send waiting on its id. When the
// process goes away every waiter is released with a nil buffer.
func (c *StdioChannel) readStdout(readers *sync.WaitGroup, r io.Reader, pending map[int64]chan []byte, exited chan struct{}) {
	defer readers.Done()
	defer func() {
		c.mu.Lock()
		for id, ch := range pending {
			close(ch)
			delete(pending, id)
		}
		c.mu.Unlock()
		close(exited)
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg struct {
			ID *int64 `json:"id"`
		}
		if err := json.Unmarshal(line, &msg); err != nil || msg.ID == nil {
			logging.ProtocolDebug("stdio: skipping non-reply line (%d bytes)", len(line))
			continue
		}

		c.mu.Lock()
		ch, ok := pending[*msg.ID]
		if ok {
			delete(pending, *msg.ID)
		}
		c.mu.Unlock()
		if !ok {
			logging.ProtocolDebug("stdio: reply for unknown id %d", *msg.ID)
			continue
		}
		ch <- append([]byte(nil), line...)
	}
}

// Send writes payload as one line and waits for the reply with the same id.
// Notifications (no id) return immediately with a nil buffer.
func (c *StdioChannel) Send(ctx context.Context, method string, payload []byte) ([]byte, error) {
	var req struct {
		ID *int64 `json:"id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &TransportError{Op: method, Err: fmt.Errorf("unframeable payload: %w", err)}
	}

	c.mu.Lock()
	if err := c.startLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	var reply chan []byte
	if req.ID != nil {
		reply = make(chan []byte, 1)
		c.pending[*req.ID] = reply
	}
	_, err := c.stdin.Write(append(append([]byte(nil), payload...), '\n'))
	exited := c.exited
	if err != nil && req.ID != nil {
		delete(c.pending, *req.ID)
	}
	c.mu.Unlock()

	if err != nil {
		return nil, &SessionLostError{Message: fmt.Sprintf("backend process not accepting input: %v", err)}
	}
	if reply == nil {
		return nil, nil
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	select {
	case line, ok := <-reply:
		if !ok {
			return nil, &SessionLostError{Message: "backend process exited"}
		}
		logging.ProtocolDebug("%s -> %d bytes over stdio", method, len(line))
		return line, nil
	case <-exited:
		return nil, &SessionLostError{Message: "backend process exited"}
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, *req.ID)
		c.mu.Unlock()
		return nil, classifyTransportErr(method, ctx.Err())
	}
}

// Close kills the subprocess and waits briefly for its readers to finish.
func (c *StdioChannel) Close(ctx context.Context) error {
	c.mu.Lock()
	cmd := c.cmd
	stdin := c.stdin
	readers := c.readers
	c.cmd = nil
	c.stdin = nil
	c.mu.Unlock()

	if cmd == nil {
		return nil
	}
	_ = stdin.Close()
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}

	done := make(chan struct{})
	go func() {
		readers.Wait()
		_ = cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Session("backend process stopped")
		return nil
	case <-ctx.Done():
		return &TimeoutError{Op: "teardown", Err: ctx.Err()}
	}
}

// Ensure StdioChannel implements Channel.
var _ Channel = (*StdioChannel)(nil)
