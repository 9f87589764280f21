// Package huberr defines the Hub's error taxonomy (spec §7). Errors carry a
// stable code, an optional cause, a retryability flag, and a context map for
// structured logging — and they are comparable with errors.Is against the
// package's sentinel codes, following the teacher's state.ErrNotFound /
// state.ErrConflict convention.
package huberr

import (
	"errors"
	"fmt"
)

// Code is one member of the §7 taxonomy.
type Code string

const (
	CodeAgentNotFound        Code = "CAP_AGENT_NOT_FOUND"
	CodeAgentNotReady        Code = "CAP_AGENT_NOT_READY"
	CodeAgentUnhealthy       Code = "CAP_AGENT_UNHEALTHY"
	CodeAgentConflict        Code = "CAP_AGENT_CONFLICT"
	CodeThreadNotFound       Code = "CAP_THREAD_NOT_FOUND"
	CodeThreadClosed         Code = "CAP_THREAD_CLOSED"
	CodeRunNotFound          Code = "CAP_RUN_NOT_FOUND"
	CodeRunCancelled         Code = "CAP_RUN_CANCELLED"
	CodeRunTimeout           Code = "CAP_RUN_TIMEOUT"
	CodeRunExecutionFailed   Code = "CAP_RUN_EXECUTION_FAILED"
	CodeInterruptNotFound    Code = "CAP_INTERRUPT_NOT_FOUND"
	CodeInterruptExpired     Code = "CAP_INTERRUPT_EXPIRED"
	CodeInterruptConflict    Code = "CAP_INTERRUPT_CONFLICT"
	CodeGuardrailBlocked     Code = "CAP_GUARDRAIL_BLOCKED"

	CodeValidation        Code = "VALID_INPUT"
	CodeValidationSchema  Code = "VALID_SCHEMA"

	CodeNetworkUnavailable Code = "NET_UNAVAILABLE"
	CodeNetworkTimeout     Code = "NET_TIMEOUT"

	CodeRAGNotFound Code = "RAG_NOT_FOUND"

	CodeTimeoutOperation Code = "TIMEOUT_OPERATION"
)

// retryableByDefault holds the families that are retried with exponential
// backoff unless a specific error overrides Retryable explicitly (§7).
var retryableByDefault = map[Code]bool{
	CodeNetworkUnavailable: true,
	CodeNetworkTimeout:     true,
	CodeTimeoutOperation:   true,
}

// Error is the Hub's structured error type.
type Error struct {
	Code      Code
	Message   string
	Cause     error
	Retryable bool
	Context   map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is allows errors.Is(err, huberr.Sentinel(code)) comparisons by code.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// New builds an *Error, defaulting Retryable from the code's family.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: retryableByDefault[code]}
}

// Wrap builds an *Error around a causing error.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// WithContext attaches structured context for logging/observability.
func (e *Error) WithContext(ctx map[string]any) *Error {
	if e == nil {
		return nil
	}
	e.Context = ctx
	return e
}

// WithRetryable overrides the default retryability.
func (e *Error) WithRetryable(retryable bool) *Error {
	if e == nil {
		return nil
	}
	e.Retryable = retryable
	return e
}

// Sentinel returns a bare comparison target for errors.Is by code.
func Sentinel(code Code) error {
	return &Error{Code: code}
}

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error; returns "" otherwise.
func CodeOf(err error) Code {
	var he *Error
	if errors.As(err, &he) {
		return he.Code
	}
	return ""
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Retryable
	}
	return false
}

// httpStatusByCode is the §6 wire mapping from taxonomy code to HTTP
// status. Codes absent from this table (or errors that aren't *Error at
// all) fall back to 500 in StatusFor.
var httpStatusByCode = map[Code]int{
	CodeValidation:         400,
	CodeValidationSchema:   400,
	CodeAgentNotFound:      404,
	CodeThreadNotFound:     404,
	CodeRunNotFound:        404,
	CodeInterruptNotFound:  404,
	CodeRAGNotFound:        404,
	CodeAgentConflict:      409,
	CodeInterruptConflict:  409,
	CodeThreadClosed:       409,
	CodeInterruptExpired:   410,
	CodeRunTimeout:         408,
	CodeTimeoutOperation:   408,
	CodeAgentNotReady:      503,
	CodeAgentUnhealthy:     503,
	CodeNetworkUnavailable: 503,
	CodeNetworkTimeout:     504,
	CodeRunCancelled:       409,
	CodeRunExecutionFailed: 500,
}

// StatusFor maps err to the HTTP status the transport layer should
// respond with (spec §6 status table), defaulting to 500 for codes the
// table doesn't cover and for errors that carry no *Error at all.
func StatusFor(err error) int {
	var he *Error
	if errors.As(err, &he) {
		if status, ok := httpStatusByCode[he.Code]; ok {
			return status
		}
	}
	return 500
}
