package models

import (
	"errors"
	"fmt"
)

// ErrorKind tags a failure with its retry semantics. The queue layer decides
// retry versus dead-letter from the kind; the agent engine converts tool
// failures into tool-result messages so the LLM can react.
type ErrorKind string

// Error kind constants.
const (
	// ErrKindValidation: input or output failed schema validation. Non-retryable.
	ErrKindValidation ErrorKind = "validation"
	// ErrKindPermission: caller lacks the required permission. Non-retryable.
	ErrKindPermission ErrorKind = "permission"
	// ErrKindNotFound: referenced resource missing. Non-retryable.
	ErrKindNotFound ErrorKind = "not_found"
	// ErrKindTimeout: job, execution, or acquire deadline exceeded. Retryable
	// for function jobs.
	ErrKindTimeout ErrorKind = "timeout"
	// ErrKindPoolExhausted: sandbox acquire timed out. Retryable.
	ErrKindPoolExhausted ErrorKind = "pool_exhausted"
	// ErrKindExecutionFailure: user code raised inside the sandbox. Not retried.
	ErrKindExecutionFailure ErrorKind = "execution_failure"
	// ErrKindInfrastructure: runtime, broker, or store outage. Retryable.
	ErrKindInfrastructure ErrorKind = "infrastructure"
)

// Retryable reports whether the queue layer may retry a failure of this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindTimeout, ErrKindPoolExhausted, ErrKindInfrastructure:
		return true
	default:
		return false
	}
}

// CoreError is a tagged failure. It wraps an underlying cause when present
// and carries the sandbox traceback for execution failures.
type CoreError struct {
	Kind      ErrorKind
	Message   string
	Traceback string
	Err       error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Err }

// NewError creates a tagged error.
func NewError(kind ErrorKind, format string, args ...any) *CoreError {
	return &CoreError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError tags an underlying cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *CoreError {
	return &CoreError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain. Untagged errors are treated
// as infrastructure failures: the cautious default for retry decisions is
// made explicit at the call site, not here.
func KindOf(err error) ErrorKind {
	var core *CoreError
	if errors.As(err, &core) {
		return core.Kind
	}
	return ErrKindInfrastructure
}

// IsRetryable reports whether err carries a retryable kind. Untagged errors
// are not retried.
func IsRetryable(err error) bool {
	var core *CoreError
	if errors.As(err, &core) {
		return core.Kind.Retryable()
	}
	return false
}
