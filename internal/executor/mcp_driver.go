package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"coverloop/internal/mcp"
	"coverloop/internal/types"
)

// Caller is the subset of mcp.SessionManager the driver needs.
type Caller interface {
	Call(ctx context.Context, tool string, args map[string]interface{}) (*mcp.CallResult, error)
}

type handler func(ctx context.Context, in types.Instruction) error

// MCPDriver maps instructions onto Playwright-MCP browser tools.
type MCPDriver struct {
	caller   Caller
	baseURL  string
	handlers map[types.InstructionKind]handler
}

// NewMCPDriver creates a driver. Relative navigate targets resolve against baseURL.
func NewMCPDriver(caller Caller, baseURL string) *MCPDriver {
	d := &MCPDriver{caller: caller, baseURL: baseURL}
	d.handlers = map[types.InstructionKind]handler{
		types.KindNavigate:      d.navigate,
		types.KindClick:         d.element("browser_click", nil),
		types.KindHover:         d.element("browser_hover", nil),
		types.KindType:          d.element("browser_type", func(in types.Instruction) (string, interface{}) { return "text", in.Value }),
		types.KindSelect:        d.element("browser_select_option", func(in types.Instruction) (string, interface{}) { return "values", []string{in.Value} }),
		types.KindPress:         d.press,
		types.KindWait:          d.wait,
		types.KindAssertText:    d.assertContains(func(in types.Instruction) string { return in.Value }),
		types.KindAssertVisible: d.assertContains(func(in types.Instruction) string { return in.Target }),
		types.KindScreenshot:    d.screenshot,
	}
	return d
}

// Perform dispatches in to its handler.
func (d *MCPDriver) Perform(ctx context.Context, in types.Instruction) error {
	h, ok := d.handlers[in.Kind]
	if !ok {
		return types.NewValidationError("instruction.type", fmt.Sprintf("unsupported action kind %q", in.Kind))
	}
	return h(ctx, in)
}

// Screenshot returns the current viewport as PNG bytes.
func (d *MCPDriver) Screenshot(ctx context.Context) ([]byte, error) {
	res, err := d.caller.Call(ctx, "browser_take_screenshot", map[string]interface{}{"type": "png"})
	if err != nil {
		return nil, err
	}
	if len(res.Images) == 0 {
		return nil, &mcp.ProtocolError{Message: "screenshot returned no image"}
	}
	png, err := base64.StdEncoding.DecodeString(res.Images[0].Data)
	if err != nil {
		return nil, &mcp.ProtocolError{Message: "screenshot is not valid base64"}
	}
	return png, nil
}

// CaptureState returns the page accessibility snapshot.
func (d *MCPDriver) CaptureState(ctx context.Context) (string, error) {
	res, err := d.caller.Call(ctx, "browser_snapshot", nil)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (d *MCPDriver) navigate(ctx context.Context, in types.Instruction) error {
	_, err := d.caller.Call(ctx, "browser_navigate", map[string]interface{}{"url": d.resolve(in.Value)})
	return err
}

func (d *MCPDriver) element(tool string, extra func(types.Instruction) (string, interface{})) handler {
	return func(ctx context.Context, in types.Instruction) error {
		args := map[string]interface{}{
			"element": describe(in),
			"ref":     in.Target,
		}
		if extra != nil {
			k, v := extra(in)
			args[k] = v
		}
		_, err := d.caller.Call(ctx, tool, args)
		return err
	}
}

func (d *MCPDriver) press(ctx context.Context, in types.Instruction) error {
	_, err := d.caller.Call(ctx, "browser_press_key", map[string]interface{}{"key": in.Value})
	return err
}

func (d *MCPDriver) wait(ctx context.Context, in types.Instruction) error {
	args := map[string]interface{}{}
	if in.Value != "" {
		args["text"] = in.Value
	}
	if in.TimeoutMs > 0 {
		args["time"] = float64(in.TimeoutMs) / 1000
	}
	_, err := d.caller.Call(ctx, "browser_wait_for", args)
	return err
}

func (d *MCPDriver) assertContains(expected func(types.Instruction) string) handler {
	return func(ctx context.Context, in types.Instruction) error {
		state, err := d.CaptureState(ctx)
		if err != nil {
			return err
		}
		want := expected(in)
		if !strings.Contains(state, want) {
			return &AssertionError{Kind: in.Kind, Expected: want}
		}
		return nil
	}
}

func (d *MCPDriver) screenshot(ctx context.Context, in types.Instruction) error {
	_, err := d.caller.Call(ctx, "browser_take_screenshot", map[string]interface{}{"type": "png"})
	return err
}

func (d *MCPDriver) resolve(raw string) string {
	if d.baseURL == "" {
		return raw
	}
	base, err := url.Parse(d.baseURL)
	if err != nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}

func describe(in types.Instruction) string {
	if in.Description != "" {
		return in.Description
	}
	return in.Target
}

// Ensure MCPDriver implements Driver.
var _ Driver = (*MCPDriver)(nil)
