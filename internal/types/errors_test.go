package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelMatchingAcrossWrapping(t *testing.T) {
	err := fmt.Errorf("launch: %w", NewError(ErrKindStopped, "operator abort", nil))
	if !errors.Is(err, ErrStopped) {
		t.Fatal("wrapped stopped error does not match ErrStopped")
	}
	if errors.Is(err, ErrApprovalDenied) {
		t.Fatal("stopped error matched ErrApprovalDenied")
	}
}

func TestRetryableByKind(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want bool
	}{
		{ErrKindTimeout, true},
		{ErrKindNavigation, true},
		{ErrKindElementNotFound, true},
		{ErrKindUnknown, true},
		{ErrKindValidation, false},
		{ErrKindStopped, false},
		{ErrKindApprovalDenied, false},
		{ErrKindRateLimited, false},
		{ErrKindLoginRequired, false},
	}
	for _, tc := range cases {
		if got := Errorf(tc.kind, "x").Retryable(); got != tc.want {
			t.Errorf("Retryable(%s) = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestIsRetryableDefaultsToRetry(t *testing.T) {
	if !IsRetryable(errors.New("connection reset")) {
		t.Fatal("unclassified error not retried")
	}
	if IsRetryable(nil) {
		t.Fatal("nil error reported retryable")
	}
}

func TestKindOf(t *testing.T) {
	if k := KindOf(fmt.Errorf("outer: %w", Errorf(ErrKindNavigation, "dns"))); k != ErrKindNavigation {
		t.Fatalf("KindOf = %s, want %s", k, ErrKindNavigation)
	}
	if k := KindOf(errors.New("plain")); k != ErrKindUnknown {
		t.Fatalf("KindOf(plain) = %s, want %s", k, ErrKindUnknown)
	}
}

func TestRequiresApprovalSet(t *testing.T) {
	for _, kind := range []ActionKind{ActionSendMessage, ActionConnect, ActionPost, ActionFollow} {
		if !kind.RequiresApproval() {
			t.Errorf("%s not in approval-required set", kind)
		}
	}
	for _, kind := range []ActionKind{ActionNavigate, ActionClick, ActionExtract, ActionScreenshot} {
		if kind.RequiresApproval() {
			t.Errorf("%s wrongly requires approval", kind)
		}
	}
}

func TestTargetResourceDefaults(t *testing.T) {
	task := &Task{ID: "t1"}
	if got := task.TargetResource(); got != "default" {
		t.Fatalf("TargetResource() = %q, want \"default\"", got)
	}
	task.Resource = "profile-a"
	if got := task.TargetResource(); got != "profile-a" {
		t.Fatalf("TargetResource() = %q, want \"profile-a\"", got)
	}
}
