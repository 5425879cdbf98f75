package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry decisions and event reporting.
type ErrorKind string

const (
	ErrKindValidation      ErrorKind = "validation"
	ErrKindTimeout         ErrorKind = "timeout"
	ErrKindStopped         ErrorKind = "stopped"
	ErrKindApprovalDenied  ErrorKind = "approval_denied"
	ErrKindElementNotFound ErrorKind = "element_not_found"
	ErrKindNavigation      ErrorKind = "navigation_error"
	ErrKindRateLimited     ErrorKind = "rate_limited"
	ErrKindLoginRequired   ErrorKind = "login_required"
	ErrKindProfileNotFound ErrorKind = "profile_not_found"
	ErrKindUnknown         ErrorKind = "unknown"
)

// Sentinel errors for the fatal, non-retryable conditions callers
// routinely test with errors.Is.
var (
	ErrStopped         = &OutreachError{Kind: ErrKindStopped, Message: "run stopped"}
	ErrApprovalDenied  = &OutreachError{Kind: ErrKindApprovalDenied, Message: "approval denied"}
	ErrApprovalExpired = &OutreachError{Kind: ErrKindApprovalDenied, Message: "approval expired"}
)

// OutreachError is the typed failure carried through the engine.
type OutreachError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *OutreachError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *OutreachError) Unwrap() error { return e.Cause }

// Is matches on error kind so sentinel comparisons work across wrapping.
func (e *OutreachError) Is(target error) bool {
	var oe *OutreachError
	if errors.As(target, &oe) {
		return e.Kind == oe.Kind
	}
	return false
}

// Retryable reports whether the failure is worth another attempt.
// Timeouts, navigation failures, missing elements and unclassified
// network errors retry; validation, stop and approval failures never do.
func (e *OutreachError) Retryable() bool {
	switch e.Kind {
	case ErrKindTimeout, ErrKindNavigation, ErrKindElementNotFound, ErrKindUnknown:
		return true
	default:
		return false
	}
}

// NewError builds an OutreachError wrapping an optional cause.
func NewError(kind ErrorKind, msg string, cause error) *OutreachError {
	return &OutreachError{Kind: kind, Message: msg, Cause: cause}
}

// Errorf builds an OutreachError with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *OutreachError {
	return &OutreachError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable classifies an arbitrary error. Unclassified errors are
// treated as generic network-ish failures and retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var oe *OutreachError
	if errors.As(err, &oe) {
		return oe.Retryable()
	}
	return true
}

// KindOf extracts the error kind, defaulting to unknown.
func KindOf(err error) ErrorKind {
	var oe *OutreachError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ErrKindUnknown
}
