// Package apierrors defines the coarse error taxonomy shared across the
// fragment store, agent runtime, and HTTP surface.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes an error for retry logic, trace recording, and HTTP
// status mapping. It mirrors the shape of the agent package's ToolErrorType
// but carries the kinds this server's components actually raise.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindValidation          Kind = "validation_error"
	KindUnknownInstruction  Kind = "unknown_instruction"
	KindUnknownAgent        Kind = "unknown_agent"
	KindAgentTimeout        Kind = "agent_timeout"
	KindAgentCycle          Kind = "agent_cycle"
	KindAgentDepthExceeded  Kind = "agent_depth_exceeded"
	KindAgentCallLimit      Kind = "agent_call_limit_exceeded"
	KindToolError           Kind = "tool_error"
	KindStreamAborted       Kind = "stream_aborted"
	KindStorage             Kind = "storage"
	KindScriptError         Kind = "script_error"
	KindConflict            Kind = "conflict"
	KindInternal            Kind = "internal"
)

// HTTPStatus maps a Kind to the status code the HTTP surface should return.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound, KindUnknownAgent:
		return http.StatusNotFound
	case KindValidation, KindUnknownInstruction, KindAgentCycle, KindAgentDepthExceeded, KindAgentCallLimit:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindAgentTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is a structured error carrying a Kind for classification, a
// human-readable message, and an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: cause}
}

// WithMessage sets a custom message, preserving Kind and Cause.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else "".
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
