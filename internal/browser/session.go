package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"leadpilot/internal/types"
)

// Session owns one Chrome page for one profile and implements Control.
type Session struct {
	ID     string
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	browser *rod.Browser
	page    *rod.Page
}

// NewSession creates an unconnected session; call Start before use.
func NewSession(cfg Config, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		ID:     uuid.NewString(),
		cfg:    cfg,
		logger: logger.Named("browser"),
	}
}

// Start connects to an existing Chrome via DebuggerURL or launches a
// new one, then opens the working page.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser != nil {
		if _, err := s.browser.Version(); err == nil {
			return nil
		}
		s.logger.Warn("stale browser connection, reconnecting")
		_ = s.browser.Close()
		s.browser = nil
		s.page = nil
	}

	controlURL := s.cfg.DebuggerURL
	if controlURL == "" {
		launch := launcher.New().Headless(s.cfg.Headless)
		if s.cfg.Bin != "" {
			launch = launch.Bin(s.cfg.Bin)
		}
		for _, rawFlag := range s.cfg.Args {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		return fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             s.cfg.ViewportWidth,
		Height:            s.cfg.ViewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		s.logger.Warn("failed to set viewport", zap.Error(err))
	}

	s.browser = browser
	s.page = page
	s.logger.Info("browser session started", zap.String("session_id", s.ID))
	return nil
}

// Close shuts down the page and browser.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.page != nil {
		_ = s.page.Close()
		s.page = nil
	}
	if s.browser != nil {
		err := s.browser.Close()
		s.browser = nil
		return err
	}
	return nil
}

func (s *Session) currentPage() (*rod.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.page == nil {
		return nil, types.Errorf(types.ErrKindProfileNotFound, "browser session not started")
	}
	return s.page, nil
}

// Navigate loads a URL and waits for the page load event.
func (s *Session) Navigate(ctx context.Context, url string) error {
	page, err := s.currentPage()
	if err != nil {
		return err
	}
	p := page.Context(ctx).Timeout(s.cfg.NavigationTimeout())
	if err := p.Navigate(url); err != nil {
		return types.NewError(types.ErrKindNavigation, fmt.Sprintf("navigate to %s", url), err)
	}
	if err := p.WaitLoad(); err != nil {
		return types.NewError(types.ErrKindNavigation, fmt.Sprintf("wait load for %s", url), err)
	}
	return nil
}

// Click clicks the first element matched by the fallback list.
func (s *Session) Click(ctx context.Context, selectors []string) error {
	el, err := s.findElement(ctx, selectors, s.cfg.SelectorTimeout())
	if err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return types.NewError(types.ErrKindUnknown, "click failed", err)
	}
	return nil
}

// Type enters text into the first matched element.
func (s *Session) Type(ctx context.Context, selectors []string, text string, opts TypeOptions) error {
	el, err := s.findElement(ctx, selectors, s.cfg.SelectorTimeout())
	if err != nil {
		return err
	}
	if opts.Clear {
		if err := el.SelectAllText(); err == nil {
			_ = el.Input("")
		}
	}
	if opts.DelayMs > 0 {
		for _, r := range text {
			if err := el.Input(string(r)); err != nil {
				return types.NewError(types.ErrKindUnknown, "type failed", err)
			}
			select {
			case <-time.After(time.Duration(opts.DelayMs) * time.Millisecond):
			case <-ctx.Done():
				return types.ErrStopped
			}
		}
		return nil
	}
	if err := el.Input(text); err != nil {
		return types.NewError(types.ErrKindUnknown, "type failed", err)
	}
	return nil
}

// WaitForSelector blocks until any fallback selector matches.
func (s *Session) WaitForSelector(ctx context.Context, selectors []string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.SelectorTimeout()
	}
	_, err := s.findElement(ctx, selectors, timeout)
	return err
}

// WaitForNavigation waits for the next network-almost-idle lifecycle.
func (s *Session) WaitForNavigation(ctx context.Context, timeout time.Duration) error {
	page, err := s.currentPage()
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = s.cfg.NavigationTimeout()
	}
	wait := page.Context(ctx).Timeout(timeout).WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	wait()
	return nil
}

// Execute evaluates a script in the page and returns its string value.
func (s *Session) Execute(ctx context.Context, script string) (string, error) {
	page, err := s.currentPage()
	if err != nil {
		return "", err
	}
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           script,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return "", types.NewError(types.ErrKindUnknown, "script evaluation failed", err)
	}
	if res == nil {
		return "", nil
	}
	return res.Value.String(), nil
}

// CurrentURL returns the page URL.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	page, err := s.currentPage()
	if err != nil {
		return "", err
	}
	info, err := page.Context(ctx).Info()
	if err != nil {
		return "", types.NewError(types.ErrKindUnknown, "page info failed", err)
	}
	return info.URL, nil
}

// ElementExists probes the fallback list without waiting.
func (s *Session) ElementExists(ctx context.Context, selectors []string) (bool, error) {
	page, err := s.currentPage()
	if err != nil {
		return false, err
	}
	p := page.Context(ctx)
	for _, sel := range selectors {
		has, _, err := p.Has(sel)
		if err != nil {
			continue
		}
		if has {
			return true, nil
		}
	}
	return false, nil
}

// ElementText returns the visible text of the first matched element.
func (s *Session) ElementText(ctx context.Context, selectors []string) (string, error) {
	el, err := s.findElement(ctx, selectors, s.cfg.SelectorTimeout())
	if err != nil {
		return "", err
	}
	text, err := el.Text()
	if err != nil {
		return "", types.NewError(types.ErrKindUnknown, "element text failed", err)
	}
	return text, nil
}

// ElementAttribute returns an attribute of the first matched element.
func (s *Session) ElementAttribute(ctx context.Context, selectors []string, attr string) (string, error) {
	el, err := s.findElement(ctx, selectors, s.cfg.SelectorTimeout())
	if err != nil {
		return "", err
	}
	val, err := el.Attribute(attr)
	if err != nil {
		return "", types.NewError(types.ErrKindUnknown, "element attribute failed", err)
	}
	if val == nil {
		return "", nil
	}
	return *val, nil
}

// Scroll scrolls the page by amount pixels in the given direction.
func (s *Session) Scroll(ctx context.Context, direction string, amount int) error {
	page, err := s.currentPage()
	if err != nil {
		return err
	}
	dx, dy := 0.0, float64(amount)
	switch direction {
	case "up":
		dy = -dy
	case "left":
		dx, dy = -float64(amount), 0
	case "right":
		dx, dy = float64(amount), 0
	}
	if err := page.Context(ctx).Mouse.Scroll(dx, dy, 1); err != nil {
		return types.NewError(types.ErrKindUnknown, "scroll failed", err)
	}
	return nil
}

// Screenshot captures the viewport as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	page, err := s.currentPage()
	if err != nil {
		return nil, err
	}
	data, err := page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, types.NewError(types.ErrKindUnknown, "screenshot failed", err)
	}
	return data, nil
}

// findElement walks the fallback selector list; the first selector
// that matches within its slice of the timeout wins.
func (s *Session) findElement(ctx context.Context, selectors []string, timeout time.Duration) (*rod.Element, error) {
	page, err := s.currentPage()
	if err != nil {
		return nil, err
	}
	if len(selectors) == 0 {
		return nil, types.Errorf(types.ErrKindValidation, "no selectors given")
	}
	per := timeout / time.Duration(len(selectors))
	if per < 250*time.Millisecond {
		per = 250 * time.Millisecond
	}
	p := page.Context(ctx)
	for _, sel := range selectors {
		el, err := p.Timeout(per).Element(sel)
		if err == nil && el != nil {
			return el, nil
		}
	}
	return nil, types.Errorf(types.ErrKindElementNotFound,
		"no element matched selectors %v", selectors)
}
