// Package browser provides the narrow browser-control capability the
// engine executes actions against, plus a rod-backed implementation.
// The engine never computes selectors; callers supply ordered fallback
// selector lists and the first match wins.
package browser

import (
	"context"
	"time"
)

// TypeOptions tunes text entry.
type TypeOptions struct {
	// Clear empties the field before typing.
	Clear bool `json:"clear,omitempty" yaml:"clear,omitempty"`
	// DelayMs adds a per-keystroke delay for human-like pacing.
	DelayMs int `json:"delay_ms,omitempty" yaml:"delay_ms,omitempty"`
}

// Control is the abstract browser capability consumed by the executor.
// Implementations classify their failures into the engine's error
// taxonomy (element_not_found, navigation_error, timeout).
type Control interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selectors []string) error
	Type(ctx context.Context, selectors []string, text string, opts TypeOptions) error
	WaitForSelector(ctx context.Context, selectors []string, timeout time.Duration) error
	WaitForNavigation(ctx context.Context, timeout time.Duration) error
	Execute(ctx context.Context, script string) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	ElementExists(ctx context.Context, selectors []string) (bool, error)
	ElementText(ctx context.Context, selectors []string) (string, error)
	ElementAttribute(ctx context.Context, selectors []string, attr string) (string, error)
	Scroll(ctx context.Context, direction string, amount int) error
	Screenshot(ctx context.Context) ([]byte, error)
}

// Config holds browser launch configuration.
type Config struct {
	DebuggerURL         string   `json:"debugger_url,omitempty" yaml:"debugger_url,omitempty"`
	Bin                 string   `json:"bin,omitempty" yaml:"bin,omitempty"`
	Args                []string `json:"args,omitempty" yaml:"args,omitempty"`
	Headless            bool     `json:"headless" yaml:"headless"`
	ViewportWidth       int      `json:"viewport_width" yaml:"viewport_width"`
	ViewportHeight      int      `json:"viewport_height" yaml:"viewport_height"`
	NavigationTimeoutMs int      `json:"navigation_timeout_ms" yaml:"navigation_timeout_ms"`
	SelectorTimeoutMs   int      `json:"selector_timeout_ms" yaml:"selector_timeout_ms"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:            false,
		ViewportWidth:       1920,
		ViewportHeight:      1080,
		NavigationTimeoutMs: 30000,
		SelectorTimeoutMs:   5000,
	}
}

// NavigationTimeout returns the navigation timeout.
func (c Config) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// SelectorTimeout returns the per-selector lookup timeout.
func (c Config) SelectorTimeout() time.Duration {
	if c.SelectorTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.SelectorTimeoutMs) * time.Millisecond
}
