package browser

import (
	"context"
	"testing"
	"time"

	"leadpilot/internal/types"
)

// fakeControl records calls and serves canned page data.
type fakeControl struct {
	calls      []string
	url        string
	typedText  string
	typedOpts  TypeOptions
	execResult string
	text       string
	attr       string
	navErr     error
	clickErr   error
}

func (f *fakeControl) Navigate(ctx context.Context, url string) error {
	f.calls = append(f.calls, "navigate:"+url)
	f.url = url
	return f.navErr
}
func (f *fakeControl) Click(ctx context.Context, selectors []string) error {
	f.calls = append(f.calls, "click:"+selectors[0])
	return f.clickErr
}
func (f *fakeControl) Type(ctx context.Context, selectors []string, text string, opts TypeOptions) error {
	f.calls = append(f.calls, "type:"+selectors[0])
	f.typedText = text
	f.typedOpts = opts
	return nil
}
func (f *fakeControl) WaitForSelector(ctx context.Context, selectors []string, timeout time.Duration) error {
	f.calls = append(f.calls, "wait:"+selectors[0])
	return nil
}
func (f *fakeControl) WaitForNavigation(ctx context.Context, timeout time.Duration) error {
	return nil
}
func (f *fakeControl) Execute(ctx context.Context, script string) (string, error) {
	f.calls = append(f.calls, "execute")
	return f.execResult, nil
}
func (f *fakeControl) CurrentURL(ctx context.Context) (string, error) { return f.url, nil }
func (f *fakeControl) ElementExists(ctx context.Context, selectors []string) (bool, error) {
	return true, nil
}
func (f *fakeControl) ElementText(ctx context.Context, selectors []string) (string, error) {
	return f.text, nil
}
func (f *fakeControl) ElementAttribute(ctx context.Context, selectors []string, attr string) (string, error) {
	return f.attr, nil
}
func (f *fakeControl) Scroll(ctx context.Context, direction string, amount int) error {
	f.calls = append(f.calls, "scroll:"+direction)
	return nil
}
func (f *fakeControl) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte{0x89, 'P', 'N', 'G'}, nil
}

func TestExecuteNavigateRecordsFinalURL(t *testing.T) {
	fc := &fakeControl{}
	e := NewExecutor(fc, nil)

	res, err := e.Execute(context.Background(), types.Action{Kind: types.ActionNavigate, URL: "https://example.com"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.URL != "https://example.com" {
		t.Fatalf("result URL = %q", res.URL)
	}
}

func TestExecuteOutreachTypesThenClicks(t *testing.T) {
	fc := &fakeControl{}
	e := NewExecutor(fc, nil)

	action := types.Action{
		Kind:          types.ActionSendMessage,
		URL:           "https://example.com/in/dana",
		Text:          "hello!",
		TextSelectors: []string{".compose"},
		Selectors:     []string{".send"},
	}
	if _, err := e.Execute(context.Background(), action); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := []string{"navigate:https://example.com/in/dana", "type:.compose", "click:.send"}
	if len(fc.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", fc.calls, want)
	}
	for i := range want {
		if fc.calls[i] != want[i] {
			t.Fatalf("call[%d] = %s, want %s", i, fc.calls[i], want[i])
		}
	}
	if fc.typedText != "hello!" {
		t.Fatalf("typed %q", fc.typedText)
	}
	if fc.typedOpts.DelayMs == 0 {
		t.Fatal("outreach typing has no keystroke delay")
	}
}

func TestExecuteExtractPrefersScript(t *testing.T) {
	fc := &fakeControl{execResult: `<div><script>x()</script><p>Jane Doe</p><span>CTO</span></div>`}
	e := NewExecutor(fc, nil)

	res, err := e.Execute(context.Background(), types.Action{Kind: types.ActionExtract, Script: "document.body.innerHTML"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != "Jane Doe CTO" {
		t.Fatalf("extracted %q, want visible text only", res.Value)
	}
}

func TestExecuteExtractAttributeAndText(t *testing.T) {
	fc := &fakeControl{attr: "https://example.com/a.jpg", text: "  headline  "}
	e := NewExecutor(fc, nil)

	res, err := e.Execute(context.Background(), types.Action{
		Kind: types.ActionExtract, Selectors: []string{"img"}, Attribute: "src",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != "https://example.com/a.jpg" {
		t.Fatalf("attribute value = %q", res.Value)
	}

	res, err = e.Execute(context.Background(), types.Action{Kind: types.ActionExtract, Selectors: []string{"h1"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != "  headline  " {
		t.Fatalf("text value = %q", res.Value)
	}
}

func TestExecuteUnknownKindIsValidationError(t *testing.T) {
	e := NewExecutor(&fakeControl{}, nil)
	_, err := e.Execute(context.Background(), types.Action{Kind: "teleport"})
	if types.KindOf(err) != types.ErrKindValidation {
		t.Fatalf("error kind = %v, want validation", types.KindOf(err))
	}
}

func TestExecutePropagatesClassifiedErrors(t *testing.T) {
	fc := &fakeControl{navErr: types.Errorf(types.ErrKindNavigation, "dns failure")}
	e := NewExecutor(fc, nil)

	_, err := e.Execute(context.Background(), types.Action{Kind: types.ActionNavigate, URL: "https://x"})
	if types.KindOf(err) != types.ErrKindNavigation {
		t.Fatalf("error kind = %v, want navigation", types.KindOf(err))
	}
	if !types.IsRetryable(err) {
		t.Fatal("navigation error not retryable")
	}
}

func TestExecuteWaitWithoutSelectorSleeps(t *testing.T) {
	e := NewExecutor(&fakeControl{}, nil)
	start := time.Now()
	_, err := e.Execute(context.Background(), types.Action{Kind: types.ActionWait, Duration: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("wait returned early")
	}
}

func TestVisibleTextStripsMarkup(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`<p>plain</p>`, "plain"},
		{`<div>a<style>.x{}</style><b>b</b></div>`, "a b"},
		{`<script>evil()</script>`, ""},
		{`no markup at all`, "no markup at all"},
	}
	for _, tc := range cases {
		if got := VisibleText(tc.in); got != tc.want {
			t.Errorf("VisibleText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
