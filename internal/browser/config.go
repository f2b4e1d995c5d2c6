// Package browser drives a local Chrome through go-rod. It is the in-process
// alternative to a remote MCP browser backend.
package browser

import (
	"strings"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
)

// Config holds browser configuration.
type Config struct {
	// DebuggerURL connects to an already running Chrome instead of launching one.
	DebuggerURL         string   `yaml:"debugger_url" json:"debugger_url"`
	Launch              []string `yaml:"launch" json:"launch"`
	Headless            bool     `yaml:"headless" json:"headless"`
	ViewportWidth       int      `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight      int      `yaml:"viewport_height" json:"viewport_height"`
	NavigationTimeoutMs int      `yaml:"navigation_timeout_ms" json:"navigation_timeout_ms"`
	ActionTimeoutMs     int      `yaml:"action_timeout_ms" json:"action_timeout_ms"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:            true,
		ViewportWidth:       1280,
		ViewportHeight:      800,
		NavigationTimeoutMs: 30000,
		ActionTimeoutMs:     10000,
	}
}

// GetViewportWidth returns viewport width.
func (c Config) GetViewportWidth() int {
	if c.ViewportWidth == 0 {
		return 1280
	}
	return c.ViewportWidth
}

// GetViewportHeight returns viewport height.
func (c Config) GetViewportHeight() int {
	if c.ViewportHeight == 0 {
		return 800
	}
	return c.ViewportHeight
}

// NavigationTimeout returns the navigation timeout.
func (c Config) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// ActionTimeout bounds element lookups for a single instruction.
func (c Config) ActionTimeout() time.Duration {
	if c.ActionTimeoutMs == 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ActionTimeoutMs) * time.Millisecond
}

// launcher builds a rod launcher from Launch, where Launch[0] is the binary
// and the rest are chrome flags in --name or --name=value form.
func (c Config) launcher() *launcher.Launcher {
	l := launcher.New().Headless(c.Headless)
	if len(c.Launch) == 0 {
		return l
	}
	if c.Launch[0] != "" {
		l = l.Bin(c.Launch[0])
	}
	for _, raw := range c.Launch[1:] {
		name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}
