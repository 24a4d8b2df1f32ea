// Package core defines the contracts shared by the connector, its transports
// and the dispatcher.
package core

import (
	"context"
	"time"

	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/credential"
)

// ConnState is the state of a connector.
type ConnState int32

const (
	// StateUnopened is the initial state; no transport exists yet
	StateUnopened ConnState = iota
	// StateOpen holds a live session
	StateOpen
	// StateRefreshing replaces an expired credential
	StateRefreshing
	// StateClosing is releasing the session
	StateClosing
	// StateClosed is terminal
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpen:
		return "open"
	case StateRefreshing:
		return "refreshing"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CredentialSource yields the credential currently in use. Sessions that
// authenticate per connection (SQL, Redis) consult it on every new
// connection so rotated secrets are picked up.
type CredentialSource interface {
	Current() credential.Credential
}

// ActionSpec declares one operation a transport supports.
type ActionSpec struct {
	Name        string
	Description string
	// Params validates the parameters before the connector is touched.
	Params config.Schema
	// Idempotent operations may be interrupted without closing the connector.
	Idempotent bool
	// Timeout overrides the connector default per attempt.
	Timeout time.Duration
}

// Transport creates sessions to one external subsystem.
type Transport interface {
	// Name returns the registry name of the transport
	Name() string

	// Actions returns the operations the transport supports
	Actions() []ActionSpec

	// Dial opens a session. Misconfiguration is reported as
	// ConnError(cannot-open); transient failures as refused or timeout.
	Dial(ctx context.Context, creds CredentialSource) (Session, error)
}

// Session is a live connection owned by exactly one connector.
type Session interface {
	// Do performs one attempt of req with cred. Implementations classify
	// their errors with pkg/errors kinds; unclassified errors are treated as
	// transport faults.
	Do(ctx context.Context, req *Request, cred credential.Credential) (any, error)

	// Close releases the session
	Close(ctx context.Context) error
}

// HealthStatus represents health check results
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Latency   time.Duration          `json:"latency"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Error     string                 `json:"error,omitempty"`
}
