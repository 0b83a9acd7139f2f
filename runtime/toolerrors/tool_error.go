// Package toolerrors defines the structured error carried by tool_response
// blocks. A ToolError survives JSON round trips through the history store and
// still supports errors.Is/As via its Cause chain.
package toolerrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Code classifies a tool failure.
type Code string

const (
	// CodeExecution is a failure reported by the tool itself.
	CodeExecution Code = "execution"
	// CodeInvalidArguments means the call arguments failed validation and the
	// tool never ran.
	CodeInvalidArguments Code = "invalid_arguments"
	// CodeTimeout means the tool exceeded its deadline.
	CodeTimeout Code = "timeout"
	// CodeCancelled means the batch was cancelled before the tool finished.
	CodeCancelled Code = "cancelled"
	// CodeInterrupted marks a call whose result never reached history.
	CodeInterrupted Code = "interrupted"
)

// ToolError is a tool failure with an optional causal chain.
type ToolError struct {
	Code    Code       `json:"code,omitempty"`
	Message string     `json:"message"`
	Cause   *ToolError `json:"cause,omitempty"`
}

// New returns a ToolError with CodeExecution.
func New(message string) *ToolError {
	return WithCode(CodeExecution, message)
}

// WithCode returns a ToolError with the given code.
func WithCode(code Code, message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Code: code, Message: message}
}

// Errorf formats a message into a ToolError with CodeExecution.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// NewWithCause wraps cause, converting it into a ToolError chain so it
// survives serialization.
func NewWithCause(message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	te := New(message)
	te.Cause = FromError(cause)
	return te
}

// FromError converts err into a ToolError chain. Context cancellation and
// deadline errors map to CodeCancelled and CodeTimeout.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	code := CodeExecution
	switch {
	case errors.Is(err, context.Canceled):
		code = CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
	}
	return &ToolError{
		Code:    code,
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Error implements error.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap supports errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is a ToolError with the same non-empty code.
func (e *ToolError) Is(target error) bool {
	t, ok := target.(*ToolError)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Code != "" && t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// Chain renders the message chain joined by ": ", the form written into
// provider tool result payloads.
func (e *ToolError) Chain() string {
	var parts []string
	for cur := e; cur != nil; cur = cur.Cause {
		if n := len(parts); n > 0 && parts[n-1] == cur.Message {
			continue
		}
		parts = append(parts, cur.Message)
	}
	return strings.Join(parts, ": ")
}

// Clone returns a deep copy of e.
func (e *ToolError) Clone() *ToolError {
	if e == nil {
		return nil
	}
	c := *e
	c.Cause = e.Cause.Clone()
	return &c
}
