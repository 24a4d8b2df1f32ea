// Package errors provides structured error handling for actuator.
//
// Every failure surfaced by the loader, the connector or the dispatcher is an
// *Error carrying a Type (which layer failed) and a Kind (what went wrong).
// The Kind drives the retry policy and the CLI exit status.
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
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeConnection represents connection and transport errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeAction represents errors reported by an action
	ErrorTypeAction ErrorType = "action"
	// ErrorTypeInvalidState represents use of a connector in the wrong state
	ErrorTypeInvalidState ErrorType = "invalid_state"
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
)

// Kind narrows an ErrorType down to the concrete failure.
type Kind string

// Configuration kinds.
const (
	KindMissing     Kind = "missing"
	KindWrongType   Kind = "wrong-type"
	KindUnknownKey  Kind = "unknown-key"
	KindParseFailed Kind = "parse-failed"
)

// Connection kinds.
const (
	KindCannotOpen  Kind = "cannot-open"
	KindAuthExpired Kind = "auth-expired"
	KindRefused     Kind = "refused"
	KindTimeout     Kind = "timeout"
	KindCancelled   Kind = "cancelled"
)

// Action kinds.
const (
	KindUnknownAction Kind = "unknown-action"
	KindBadRequest    Kind = "bad-request"
	KindServerError   Kind = "server-error"
	KindConflict      Kind = "conflict"
)

// KindInvalidState is the only kind of ErrorTypeInvalidState.
const KindInvalidState Kind = "invalid-state"

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Kind    Kind
	Message string
	// Where locates configuration errors (source:dotted.path).
	Where   string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame

	fatal   bool
	noRetry bool
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	if e.Kind != "" {
		b.WriteString("(")
		b.WriteString(string(e.Kind))
		b.WriteString(")")
	}
	if e.Where != "" {
		b.WriteString(" at ")
		b.WriteString(e.Where)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Summary renders the error without its cause chain.
func (e *Error) Summary() string {
	head := string(e.Type)
	if e.Kind != "" {
		head = fmt.Sprintf("%s(%s)", e.Type, e.Kind)
	}
	if e.Where != "" {
		return fmt.Sprintf("%s at %s: %s", head, e.Where, e.Message)
	}
	return fmt.Sprintf("%s: %s", head, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors with the same Type and Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type && (t.Kind == "" || t.Kind == e.Kind)
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Retryable reports whether the retry policy may consume this error.
func (e *Error) Retryable() bool {
	if e == nil || e.fatal || e.noRetry {
		return false
	}
	switch e.Kind {
	case KindAuthExpired, KindRefused, KindTimeout, KindServerError:
		return true
	default:
		return false
	}
}

// Fatal reports whether the error must close the connector.
func (e *Error) Fatal() bool {
	if e == nil {
		return false
	}
	if e.fatal {
		return true
	}
	switch e.Type {
	case ErrorTypeConfig, ErrorTypeInvalidState:
		return true
	}
	return e.Kind == KindCannotOpen
}

// Promote marks the error fatal. Used when a refresh fails.
func (e *Error) Promote() *Error {
	e.fatal = true
	return e
}

// NoRetry marks the error as final for the current call without making it
// fatal. Used when a non-idempotent request may already have been applied.
func (e *Error) NoRetry() *Error {
	e.noRetry = true
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

// Config creates a configuration error located at where.
func Config(kind Kind, where, message string) *Error {
	return &Error{
		Type:    ErrorTypeConfig,
		Kind:    kind,
		Where:   where,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Conn creates a connection error, optionally wrapping cause.
func Conn(kind Kind, message string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeConnection,
		Kind:    kind,
		Message: message,
		Cause:   cause,
		Stack:   captureStack(2),
	}
}

// Action creates an action error.
func Action(kind Kind, message string) *Error {
	return &Error{
		Type:    ErrorTypeAction,
		Kind:    kind,
		Message: message,
		Stack:   captureStack(2),
	}
}

// InvalidState creates an invalid state error.
func InvalidState(message string) *Error {
	return &Error{
		Type:    ErrorTypeInvalidState,
		Kind:    KindInvalidState,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack and kind
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Kind:    existingErr.Kind,
			Where:   existingErr.Where,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
			fatal:   existingErr.fatal,
			noRetry: existingErr.noRetry,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// As returns the outermost *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable returns true if the error is retryable
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Retryable()
}

// IsFatal returns true if the error must close the connector
func IsFatal(err error) bool {
	e, ok := As(err)
	return ok && e.Fatal()
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	e, ok := As(err)
	return ok && e.Type == errType
}

// IsKind checks if the error is of the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf returns the kind of the outermost *Error, or "" for foreign errors.
func KindOf(err error) Kind {
	e, ok := As(err)
	if !ok {
		return ""
	}
	return e.Kind
}

// Chain lists the messages of err and all of its causes, outermost first.
func Chain(err error) []string {
	var out []string
	for err != nil {
		if e, ok := err.(*Error); ok {
			out = append(out, e.Summary())
		} else {
			out = append(out, err.Error())
			if _, ok := err.(interface{ Unwrap() []error }); ok {
				break
			}
		}
		err = errors.Unwrap(err)
	}
	return out
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
