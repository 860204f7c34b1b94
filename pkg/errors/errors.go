// Package errors provides structured errors for skelstream.
// Errors carry a code, a message, optional context and a short stack trace.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Code classifies an error for programmatic handling.
type Code string

const (
	// Model errors (1xx)
	CodeModelInvalid  Code = "E101"
	CodeModelNotFound Code = "E102"
	CodeModelDecode   Code = "E103"

	// Stream errors (2xx)
	CodeSourceOpen   Code = "E201"
	CodeSourceRead   Code = "E202"
	CodeEventDecode  Code = "E203"
	CodeEventInvalid Code = "E204"

	// Report errors (3xx)
	CodeReportWrite    Code = "E301"
	CodeReportRead     Code = "E302"
	CodeReportNotFound Code = "E303"
	CodeReportBackend  Code = "E304"

	// System errors (4xx)
	CodeContextCanceled Code = "E401"
	CodeTimeout         Code = "E402"
	CodeUnavailable     Code = "E403"
	CodeUnauthenticated Code = "E404"

	// Config errors (5xx)
	CodeConfigInvalid Code = "E501"
	CodeConfigRead    Code = "E502"

	CodeUnknown Code = "E999"
)

// Error is the base error type for all skelstream errors.
type Error struct {
	Code       Code
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace []Frame
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface. Context keys are rendered in sorted
// order so messages are stable.
func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Code, e.Message)

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, e.Context[k])
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds context to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new Error.
func New(code Code, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		StackTrace: captureStack(2),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		StackTrace: captureStack(2),
	}
}

// Wrap wraps an existing error. It returns nil when err is nil.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	pcs = pcs[:n]

	cf := runtime.CallersFrames(pcs)
	for {
		frame, more := cf.Next()
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// FormatStack returns a formatted stack trace.
func (e *Error) FormatStack() string {
	var sb strings.Builder
	for _, f := range e.StackTrace {
		fmt.Fprintf(&sb, "  at %s\n    %s:%d\n", f.Function, f.File, f.Line)
	}
	return sb.String()
}

// --- Convenience constructors ---

// ModelNotFound reports a skeleton model file that does not exist.
func ModelNotFound(path string) *Error {
	return New(CodeModelNotFound, "skeleton model not found").WithContext("path", path)
}

// InvalidModel reports a structurally invalid skeleton model.
func InvalidModel(constraint string, reason string) *Error {
	return New(CodeModelInvalid, reason).WithContext("constraint", constraint)
}

// InvalidConfig reports a configuration value that cannot be used.
func InvalidConfig(field string, reason string) *Error {
	return New(CodeConfigInvalid, reason).WithContext("field", field)
}

// EventDecode reports an event line that could not be decoded.
func EventDecode(source string, line int64, err error) *Error {
	return Wrap(err, CodeEventDecode, "event decode failed").
		WithContext("source", source).
		WithContext("line", line)
}

// ContextCanceled creates a cancellation error.
func ContextCanceled(operation string) *Error {
	return New(CodeContextCanceled, "operation canceled").
		WithContext("operation", operation)
}

// --- Error checking utilities ---

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsRetryable returns true for transient backend failures.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeUnavailable, CodeReportBackend:
		return true
	default:
		return false
	}
}

// MultiError collects multiple errors.
type MultiError struct {
	Errors []error
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d errors occurred:\n", len(m.Errors))
	for i, err := range m.Errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if any errors were collected.
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// Combined returns nil if no errors, the single error if one, or the MultiError.
func (m *MultiError) Combined() error {
	switch len(m.Errors) {
	case 0:
		return nil
	case 1:
		return m.Errors[0]
	default:
		return m
	}
}
