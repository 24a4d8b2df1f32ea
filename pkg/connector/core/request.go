package core

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/actuator/pkg/errors"
)

// Request is one action to perform against a connector.
type Request struct {
	ID        string
	Operation string
	Params    map[string]any
	// Timeout bounds each attempt; zero uses the connector default.
	Timeout    time.Duration
	Idempotent bool
}

// NewRequest creates a request with a fresh ID.
func NewRequest(operation string, params map[string]any) *Request {
	if params == nil {
		params = map[string]any{}
	}
	return &Request{ID: uuid.NewString(), Operation: operation, Params: params}
}

// Status of a Result as reported to users and in exit codes.
const (
	StatusOK             = "ok"
	StatusRetryableError = "retryable_error"
	StatusFatalError     = "fatal_error"
)

// Result is either ok(Value) or err(Err).
type Result struct {
	Value any
	Err   error
	// Attempts is the number of transport attempts made.
	Attempts int
}

// OK returns a successful result
func OK(value any) Result {
	return Result{Value: value}
}

// Fail returns a failed result
func Fail(err error) Result {
	return Result{Err: err}
}

// IsOK reports whether the result carries a value
func (r Result) IsOK() bool {
	return r.Err == nil
}

// Kind returns the error kind, or "" for ok results.
func (r Result) Kind() errors.Kind {
	return errors.KindOf(r.Err)
}

// Status classifies the result for callers that only need the outcome.
// Cancellation and action errors are reported as retryable: the caller may
// submit the request again.
func (r Result) Status() string {
	switch {
	case r.Err == nil:
		return StatusOK
	case errors.IsFatal(r.Err):
		return StatusFatalError
	default:
		if _, ok := errors.As(r.Err); !ok {
			return StatusFatalError
		}
		return StatusRetryableError
	}
}

// Has reports whether the parameter is set
func (r *Request) Has(key string) bool {
	_, ok := r.Params[key]
	return ok
}

// String returns a string parameter or ""
func (r *Request) String(key string) string {
	switch v := r.Params[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// RequireString returns a non-empty string parameter or a bad-request error.
func (r *Request) RequireString(key string) (string, error) {
	s := r.String(key)
	if s == "" {
		return "", errors.Action(errors.KindBadRequest, r.Operation+": parameter "+key+" is required")
	}
	return s, nil
}

// Int returns an integer parameter or 0
func (r *Request) Int(key string) int64 {
	switch v := r.Params[key].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// Bool returns a boolean parameter or false
func (r *Request) Bool(key string) bool {
	switch v := r.Params[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Duration returns a duration parameter or 0
func (r *Request) Duration(key string) time.Duration {
	switch v := r.Params[key].(type) {
	case time.Duration:
		return v
	case string:
		d, _ := time.ParseDuration(v)
		return d
	case int:
		return time.Duration(v) * time.Second
	default:
		return 0
	}
}

// Strings returns a list parameter as strings
func (r *Request) Strings(key string) []string {
	switch v := r.Params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

// Map returns a record parameter or nil
func (r *Request) Map(key string) map[string]any {
	m, _ := r.Params[key].(map[string]any)
	return m
}
