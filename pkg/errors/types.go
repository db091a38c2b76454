// Package errors provides structured errors for the scenesmith pipeline.
// Every failure that crosses the orchestrator boundary is normalized into
// an *Error carrying a code, a retryable flag, and a user-facing message.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Submission errors
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrCodeTaskNotFound  ErrorCode = "TASK_NOT_FOUND"
	ErrCodeTaskTerminal  ErrorCode = "TASK_TERMINAL"
	ErrCodeDuplicateTask ErrorCode = "DUPLICATE_TASK"

	// Agent errors
	ErrCodeAgentTimeout    ErrorCode = "AGENT_TIMEOUT"
	ErrCodeAgentRateLimit  ErrorCode = "AGENT_RATE_LIMIT"
	ErrCodeAgentNetwork    ErrorCode = "AGENT_NETWORK"
	ErrCodeAgentPanic      ErrorCode = "AGENT_PANIC"
	ErrCodeAgentViolation  ErrorCode = "AGENT_CONTRACT_VIOLATION"
	ErrCodeUnknownMsgType  ErrorCode = "UNKNOWN_MESSAGE_TYPE"
	ErrCodeValidationFail  ErrorCode = "VALIDATION_FAILED"
	ErrCodeFixLoopExceeded ErrorCode = "FIX_ATTEMPTS_EXCEEDED"

	// Task lifecycle errors
	ErrCodeIllegalTransition ErrorCode = "ILLEGAL_TRANSITION"
	ErrCodeRetriesExhausted  ErrorCode = "RETRIES_EXHAUSTED"
	ErrCodeTaskDeadline      ErrorCode = "TASK_DEADLINE"
	ErrCodeTaskStale         ErrorCode = "TASK_STALE"
	ErrCodeTaskCancelled     ErrorCode = "TASK_CANCELLED"

	// Storage errors
	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"

	// Generic errors
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Error represents a structured scenesmith error
type Error struct {
	Code        ErrorCode
	Message     string
	Underlying  error
	Context     map[string]any
	Retryable   bool
	UserMessage string
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Wrap wraps an existing error with pipeline error context
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
	}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks the error as retryable
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithUserMessage sets the human-friendly message returned to callers.
func (e *Error) WithUserMessage(message string) *Error {
	e.UserMessage = message
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, v))
			first = false
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var serr *Error
	if !stderrors.As(err, &serr) {
		return false
	}
	return serr.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var serr *Error
	if !stderrors.As(err, &serr) {
		return ErrCodeInternal
	}
	return serr.Code
}

// UserMessage extracts the user-facing message, falling back to the
// structured message when none was set.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var serr *Error
	if stderrors.As(err, &serr) {
		if serr.UserMessage != "" {
			return serr.UserMessage
		}
		return serr.Message
	}
	return err.Error()
}

// IsRetryable classifies an error as transient. Structured errors carry
// the flag explicitly; everything else falls back to the transport-level
// heuristics below. Unknown errors are not retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var serr *Error
	if stderrors.As(err, &serr) {
		return serr.Retryable
	}

	// Timeouts at the context level are worth another attempt; a
	// cancellation means the caller gave up.
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if stderrors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// Normalize converts any error into a structured *Error so that the
// orchestrator never sees a raw failure. Already-structured errors pass
// through unchanged.
func Normalize(err error, step string) *Error {
	if err == nil {
		return nil
	}
	var serr *Error
	if stderrors.As(err, &serr) {
		return serr
	}

	code := ErrCodeInternal
	retryable := false
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		code = ErrCodeAgentTimeout
		retryable = true
	case stderrors.Is(err, context.Canceled):
		code = ErrCodeTaskCancelled
	default:
		var netErr net.Error
		if stderrors.As(err, &netErr) {
			code = ErrCodeAgentNetwork
			retryable = netErr.Timeout()
		}
	}

	return Wrap(err, code, fmt.Sprintf("step %s failed", step)).
		WithContext("step", step).
		WithRetryable(retryable)
}
