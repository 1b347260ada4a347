// Package errors provides structured error handling for duckbridge.
//
// Every error that crosses a component boundary is an *Error carrying a
// Type from the bridge's error taxonomy. The Type drives the retry loops in
// the reader and writer: transient and transaction errors are retried up to
// the configured budget, everything else escalates to the coordinator.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeTransientIO represents source or target connectivity problems
	ErrorTypeTransientIO ErrorType = "transient_io"
	// ErrorTypeTimeout represents an expired wait on a blocking operation
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeSchemaViolation represents a record that failed schema mapping
	ErrorTypeSchemaViolation ErrorType = "schema_violation"
	// ErrorTypeTransactionFailure represents a failed bulk insert or commit
	ErrorTypeTransactionFailure ErrorType = "transaction_failure"
	// ErrorTypeInvariantViolation represents a concurrency discipline breach or corrupted state
	ErrorTypeInvariantViolation ErrorType = "invariant_violation"
	// ErrorTypeCancelled represents a requested stop
	ErrorTypeCancelled ErrorType = "cancelled"
	// ErrorTypeFatal represents an error whose retry budget is exhausted
	ErrorTypeFatal ErrorType = "fatal"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeData represents malformed source data
	ErrorTypeData ErrorType = "data"
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

// StackString renders the captured stack, one frame per line.
func (e *Error) StackString() string {
	var b strings.Builder
	for _, f := range e.Stack {
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
	}
	return b.String()
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf is New with a formatted message.
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

// Fatal converts err into a fatal error. Used when a retry budget runs out.
func Fatal(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, ErrorTypeFatal, message)
}

// Invariant panics with an invariant_violation error. A broken invariant
// means internal state can no longer be trusted, so the process aborts.
func Invariant(message string) {
	panic(&Error{
		Type:    ErrorTypeInvariantViolation,
		Message: message,
		Stack:   captureStack(2),
	})
}

// Assert calls Invariant when cond is false.
func Assert(cond bool, message string) {
	if !cond {
		panic(&Error{
			Type:    ErrorTypeInvariantViolation,
			Message: message,
			Stack:   captureStack(2),
		})
	}
}

// IsRetryable returns true if the error is retryable
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeTransientIO, ErrorTypeTimeout, ErrorTypeTransactionFailure:
		return true
	default:
		return false
	}
}

// IsType checks if the error is of the given type. Only the outermost
// *Error is inspected.
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// HasType reports whether any *Error in the chain has the given type.
func HasType(err error, errType ErrorType) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Type == errType {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// TypeOf returns the type of the outermost *Error, or "" for foreign errors.
func TypeOf(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Type
}

// Is and As re-export the standard library helpers so callers only import
// one errors package.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is errors.As.
func As(err error, target interface{}) bool { return errors.As(err, target) }

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
