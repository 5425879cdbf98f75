package browser

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"leadpilot/internal/types"
)

// Executor maps engine actions onto a Control implementation.
type Executor struct {
	control Control
	logger  *zap.Logger
}

// NewExecutor wraps a Control.
func NewExecutor(control Control, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{control: control, logger: logger.Named("executor")}
}

// Execute performs one action and returns its result payload. Errors
// come back classified in the engine taxonomy so retry policy applies.
func (e *Executor) Execute(ctx context.Context, action types.Action) (types.ActionResult, error) {
	started := time.Now()
	result := types.ActionResult{Kind: action.Kind}

	var err error
	switch action.Kind {
	case types.ActionNavigate:
		err = e.control.Navigate(ctx, action.URL)
		if err == nil {
			result.URL, _ = e.control.CurrentURL(ctx)
		}

	case types.ActionClick, types.ActionHover:
		err = e.control.Click(ctx, action.Selectors)

	case types.ActionType:
		err = e.control.Type(ctx, action.Selectors, action.Text, TypeOptions{Clear: true})

	case types.ActionScroll:
		err = e.control.Scroll(ctx, action.Direction, scrollAmount(action))

	case types.ActionExtract:
		result.Value, err = e.extract(ctx, action)

	case types.ActionScreenshot:
		result.Screenshot, err = e.control.Screenshot(ctx)

	case types.ActionWait:
		if len(action.Selectors) > 0 {
			err = e.control.WaitForSelector(ctx, action.Selectors, action.Timeout)
		} else {
			err = sleep(ctx, action.Duration)
		}

	case types.ActionSelect:
		err = e.control.Click(ctx, action.Selectors)

	case types.ActionSendMessage, types.ActionConnect, types.ActionPost, types.ActionFollow:
		err = e.outreach(ctx, action)

	default:
		err = types.Errorf(types.ErrKindValidation, "unsupported action kind %q", action.Kind)
	}

	result.DurationMs = time.Since(started).Milliseconds()
	if err != nil {
		e.logger.Debug("action failed",
			zap.String("kind", string(action.Kind)),
			zap.Error(err))
		return result, err
	}
	return result, nil
}

// outreach performs the sensitive kinds: optionally navigate to the
// target, fill the compose field, then click the submit control.
func (e *Executor) outreach(ctx context.Context, action types.Action) error {
	if action.URL != "" {
		if err := e.control.Navigate(ctx, action.URL); err != nil {
			return err
		}
	}
	if action.Text != "" && len(action.TextSelectors) > 0 {
		if err := e.control.Type(ctx, action.TextSelectors, action.Text, TypeOptions{Clear: true, DelayMs: 40}); err != nil {
			return err
		}
	}
	return e.control.Click(ctx, action.Selectors)
}

// extract pulls a value from the page: an element attribute, element
// text, or, with a script, the script result reduced to visible text
// when it returns HTML.
func (e *Executor) extract(ctx context.Context, action types.Action) (string, error) {
	if action.Script != "" {
		raw, err := e.control.Execute(ctx, action.Script)
		if err != nil {
			return "", err
		}
		if looksLikeHTML(raw) {
			return VisibleText(raw), nil
		}
		return raw, nil
	}
	if action.Attribute != "" {
		return e.control.ElementAttribute(ctx, action.Selectors, action.Attribute)
	}
	return e.control.ElementText(ctx, action.Selectors)
}

func scrollAmount(action types.Action) int {
	if action.Amount > 0 {
		return action.Amount
	}
	return 600
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return types.ErrStopped
	}
}

func looksLikeHTML(s string) bool {
	t := strings.TrimSpace(s)
	return strings.HasPrefix(t, "<") && strings.Contains(t, ">")
}

// VisibleText strips markup from an HTML fragment, returning the
// concatenated text nodes outside script and style elements.
func VisibleText(fragment string) string {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return fragment
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return b.String()
}
