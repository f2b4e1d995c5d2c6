package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"coverloop/internal/executor"
	"coverloop/internal/logging"
	"coverloop/internal/types"
)

// ErrNotStarted is returned when an action runs before Start.
var ErrNotStarted = errors.New("browser not started")

// ElementNotFoundError means the target did not appear within the action timeout.
type ElementNotFoundError struct {
	Target string
	Err    error
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("element not found: %s: %v", e.Target, e.Err)
}

func (e *ElementNotFoundError) Unwrap() error { return e.Err }

// keys maps instruction key names onto rod keyboard keys.
var keys = map[string]input.Key{
	"enter":      input.Enter,
	"tab":        input.Tab,
	"escape":     input.Escape,
	"backspace":  input.Backspace,
	"delete":     input.Delete,
	"space":      input.Space,
	"arrowup":    input.ArrowUp,
	"arrowdown":  input.ArrowDown,
	"arrowleft":  input.ArrowLeft,
	"arrowright": input.ArrowRight,
	"home":       input.Home,
	"end":        input.End,
	"pageup":     input.PageUp,
	"pagedown":   input.PageDown,
}

// RodDriver owns one Chrome page and executes instructions on it.
// Targets are CSS selectors.
type RodDriver struct {
	cfg     Config
	baseURL string

	mu        sync.Mutex
	browser   *rod.Browser
	page      *rod.Page
	sessionID string
}

// NewRodDriver creates a driver. Relative navigate targets resolve against baseURL.
func NewRodDriver(cfg Config, baseURL string) *RodDriver {
	return &RodDriver{cfg: cfg, baseURL: baseURL}
}

// Start connects to DebuggerURL or launches Chrome, then opens a blank page.
// Calling Start on a healthy driver is a no-op.
func (d *RodDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.browser != nil {
		if _, err := d.browser.Version(); err == nil {
			return nil
		}
		logging.BrowserDebug("stale browser connection, reconnecting")
		_ = d.browser.Close()
		d.browser, d.page = nil, nil
	}

	controlURL := d.cfg.DebuggerURL
	if controlURL == "" {
		u, err := d.cfg.launcher().Launch()
		if err != nil {
			return fmt.Errorf("failed to launch chrome: %w", err)
		}
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("failed to connect to chrome: %w", err)
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = b.Close()
		return fmt.Errorf("failed to create page: %w", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             d.cfg.GetViewportWidth(),
		Height:            d.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
	}).Call(page); err != nil {
		logging.Get(logging.CategoryBrowser).Warn("failed to set viewport: %v", err)
	}

	d.browser = b
	d.page = page
	d.sessionID = uuid.NewString()
	logging.Browser("browser session %s started (%s)", d.sessionID, controlURL)
	return nil
}

// SessionID identifies the current page session.
func (d *RodDriver) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

// Reinitialize drops the current browser and starts a fresh one.
func (d *RodDriver) Reinitialize(ctx context.Context) (string, error) {
	if err := d.Close(ctx); err != nil {
		logging.Get(logging.CategoryBrowser).Warn("close before restart: %v", err)
	}
	if err := d.Start(ctx); err != nil {
		return "", err
	}
	return d.SessionID(), nil
}

// Close closes the page and browser.
func (d *RodDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if d.browser != nil {
		err = d.browser.Close()
	}
	d.browser, d.page, d.sessionID = nil, nil, ""
	return err
}

func (d *RodDriver) currentPage(ctx context.Context) (*rod.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.page == nil {
		return nil, ErrNotStarted
	}
	return d.page.Context(ctx), nil
}

// Perform executes one instruction.
func (d *RodDriver) Perform(ctx context.Context, in types.Instruction) error {
	page, err := d.currentPage(ctx)
	if err != nil {
		return err
	}
	logging.BrowserDebug("perform %s", in)

	switch in.Kind {
	case types.KindNavigate:
		p := page.Timeout(d.cfg.NavigationTimeout())
		if err := p.Navigate(d.resolve(in.Value)); err != nil {
			return fmt.Errorf("navigate %s: %w", in.Value, err)
		}
		return p.WaitLoad()

	case types.KindClick:
		el, err := d.element(page, in)
		if err != nil {
			return err
		}
		return el.Click(proto.InputMouseButtonLeft, 1)

	case types.KindHover:
		el, err := d.element(page, in)
		if err != nil {
			return err
		}
		return el.Hover()

	case types.KindType:
		el, err := d.element(page, in)
		if err != nil {
			return err
		}
		if err := el.SelectAllText(); err != nil {
			logging.BrowserDebug("select text before typing into %s: %v", in.Target, err)
		}
		return el.Input(in.Value)

	case types.KindSelect:
		el, err := d.element(page, in)
		if err != nil {
			return err
		}
		return el.Select([]string{in.Value}, true, rod.SelectorTypeText)

	case types.KindPress:
		key, ok := keys[strings.ToLower(in.Value)]
		if !ok {
			runes := []rune(in.Value)
			if len(runes) != 1 {
				return types.NewValidationError("instruction.value", fmt.Sprintf("unknown key %q", in.Value))
			}
			key = input.Key(runes[0])
		}
		return page.Keyboard.Type(key)

	case types.KindWait:
		return d.wait(ctx, page, in)

	case types.KindAssertText:
		text, err := d.CaptureState(ctx)
		if err != nil {
			return err
		}
		if !strings.Contains(text, in.Value) {
			return &executor.AssertionError{Kind: in.Kind, Expected: in.Value}
		}
		return nil

	case types.KindAssertVisible:
		el, err := d.element(page, in)
		if err != nil {
			return &executor.AssertionError{Kind: in.Kind, Expected: in.Target}
		}
		visible, err := el.Visible()
		if err != nil {
			return err
		}
		if !visible {
			return &executor.AssertionError{Kind: in.Kind, Expected: in.Target}
		}
		return nil

	case types.KindScreenshot:
		_, err := page.Screenshot(false, nil)
		return err
	}
	return types.NewValidationError("instruction.type", fmt.Sprintf("unsupported action kind %q", in.Kind))
}

func (d *RodDriver) element(page *rod.Page, in types.Instruction) (*rod.Element, error) {
	timeout := d.cfg.ActionTimeout()
	if in.TimeoutMs > 0 {
		timeout = time.Duration(in.TimeoutMs) * time.Millisecond
	}
	el, err := page.Timeout(timeout).Element(in.Target)
	if err != nil {
		return nil, &ElementNotFoundError{Target: in.Target, Err: err}
	}
	return el.CancelTimeout(), nil
}

func (d *RodDriver) wait(ctx context.Context, page *rod.Page, in types.Instruction) error {
	timeout := d.cfg.ActionTimeout()
	if in.TimeoutMs > 0 {
		timeout = time.Duration(in.TimeoutMs) * time.Millisecond
	}
	if in.Value == "" {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
	if _, err := page.Timeout(timeout).ElementR("body *", regexp.QuoteMeta(in.Value)); err != nil {
		return fmt.Errorf("text %q did not appear within %v: %w", in.Value, timeout, err)
	}
	return nil
}

// Screenshot returns the current viewport as PNG bytes.
func (d *RodDriver) Screenshot(ctx context.Context) ([]byte, error) {
	page, err := d.currentPage(ctx)
	if err != nil {
		return nil, err
	}
	png, err := page.Screenshot(false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return png, nil
}

// CaptureState returns the visible text of the page body.
func (d *RodDriver) CaptureState(ctx context.Context) (string, error) {
	page, err := d.currentPage(ctx)
	if err != nil {
		return "", err
	}
	body, err := page.Timeout(d.cfg.ActionTimeout()).Element("body")
	if err != nil {
		return "", fmt.Errorf("failed to read page body: %w", err)
	}
	return body.Text()
}

func (d *RodDriver) resolve(raw string) string {
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

var (
	_ executor.Driver        = (*RodDriver)(nil)
	_ executor.Reinitializer = (*RodDriver)(nil)
)
