// Package errs defines the runtime's error-kind taxonomy so callers can
// branch on what went wrong without string matching.
package errs

import "fmt"

// Kind classifies a RuntimeError for dispatch by callers (session
// commands, the dispatcher, the tool gate, extension hooks).
type Kind string

const (
	KindInvalidConfig       Kind = "invalid_config"
	KindUnknownSessionID    Kind = "unknown_session_id"
	KindParentNotFound      Kind = "parent_not_found"
	KindCycle               Kind = "cycle"
	KindLockUnavailable     Kind = "lock_unavailable"
	KindProviderRetryable   Kind = "provider_retryable"
	KindProviderFatal       Kind = "provider_fatal"
	KindToolPolicyDenied    Kind = "tool_policy_denied"
	KindToolExecutionFailed Kind = "tool_execution_failed"
	KindExtensionFailed     Kind = "extension_runtime_failed"
	KindExtensionDenied     Kind = "extension_policy_denied"
	KindTransportRetryable  Kind = "transport_retryable"
	KindCancelled           Kind = "cancelled"
	KindTimedOut            Kind = "timed_out"
)

// RuntimeError carries a Kind alongside the usual message/cause so a
// single type works for every error path described in the error
// handling design.
type RuntimeError struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *RuntimeError {
	return &RuntimeError{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *RuntimeError {
	return &RuntimeError{Kind: kind, Message: message, Cause: cause}
}

func (e *RuntimeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RuntimeError) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, errs.New(kind, "")) style kind comparisons.
func (e *RuntimeError) Is(target error) bool {
	t, ok := target.(*RuntimeError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func IsKind(err error, kind Kind) bool {
	var re *RuntimeError
	for err != nil {
		if r, ok := err.(*RuntimeError); ok {
			re = r
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return re != nil && re.Kind == kind
}
