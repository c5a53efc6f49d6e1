// Package errors provides structured error handling for StreamBridge.
//
// Every error raised by the connector layer carries an ErrorType that maps
// onto the handling policy callers must apply: connection, payload and
// unavailable errors are fatal and surface synchronously; transient and
// throttling errors are retried internally by the reconnect policy until
// the attempt budget is exhausted.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeConnection represents broker connectivity or credential failures at connect time
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeTransient represents recoverable broker errors (timeouts, dropped connections)
	ErrorTypeTransient ErrorType = "transient"
	// ErrorTypeThrottling represents platform rate limiting
	ErrorTypeThrottling ErrorType = "throttling"
	// ErrorTypePayload represents messages or batches exceeding platform size limits
	ErrorTypePayload ErrorType = "payload"
	// ErrorTypeUnavailable represents a streaming platform whose support is not present in this build
	ErrorTypeUnavailable ErrorType = "unavailable"
	// ErrorTypeHandler represents errors raised by a caller-supplied event handler
	ErrorTypeHandler ErrorType = "handler"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeTimeout represents operation timeouts
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsTransient returns true if the error should be handled by the
// reconnect-with-backoff policy.
func IsTransient(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeTransient, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// IsThrottling returns true if the error represents platform rate limiting,
// which widens the poll interval instead of tearing down the connection.
func IsThrottling(err error) bool {
	return IsType(err, ErrorTypeThrottling)
}

// IsFatal returns true for error categories that must surface to the caller
// without any internal retry.
func IsFatal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeConnection, ErrorTypePayload, ErrorTypeUnavailable, ErrorTypeConfig:
		return true
	default:
		return false
	}
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// As is a convenience wrapper around errors.As for *Error
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
