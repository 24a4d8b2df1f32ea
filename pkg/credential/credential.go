// Package credential holds the token a connector authenticates with and the
// mechanisms that replace it when it expires.
//
// A Store is shared by reference between a connector and its refresh
// Provider. Concurrent callers that observe an expired credential join the
// refresh already in flight, so a Provider is never called twice for the same
// stale credential.
package credential

import (
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"
)

const redacted = "******"

// Credential is an opaque token with an optional refresh token and expiry.
// Its string forms never include the token values.
type Credential struct {
	Token        string
	RefreshToken string
	ExpiresAt    time.Time

	// Version increases each time the Store replaces the credential.
	Version uint64
}

// IsZero reports whether no token is present.
func (c Credential) IsZero() bool {
	return c.Token == ""
}

// ExpiresWithin reports whether the credential expires within d of now.
// Credentials without an expiry never expire.
func (c Credential) ExpiresWithin(d time.Duration, now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(d).Before(c.ExpiresAt)
}

func (c Credential) String() string {
	token := ""
	if c.Token != "" {
		token = redacted
	}
	expires := "never"
	if !c.ExpiresAt.IsZero() {
		expires = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("credential{token=%s, refreshable=%t, expires_at=%s, version=%d}",
		token, c.RefreshToken != "", expires, c.Version)
}

// GoString keeps %#v from printing the token.
func (c Credential) GoString() string {
	return c.String()
}

// MarshalLogObject renders the credential for zap without its secrets.
func (c Credential) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddBool("present", c.Token != "")
	enc.AddBool("refreshable", c.RefreshToken != "")
	if !c.ExpiresAt.IsZero() {
		enc.AddTime("expires_at", c.ExpiresAt)
	}
	enc.AddUint64("version", c.Version)
	return nil
}
