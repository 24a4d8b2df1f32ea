package base

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	"github.com/ajitpratap0/actuator/pkg/config"
)

// RetryPolicy defines retry behavior
type RetryPolicy struct {
	// MaxRetries is the number of attempts allowed after the first one.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
}

// NewRetryPolicy creates a policy with exponential backoff and jitter
func NewRetryPolicy(maxRetries int, base, max time.Duration) *RetryPolicy {
	if max < base {
		max = base
	}
	return &RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  base,
		MaxDelay:   max,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// RetryPolicyFromSettings reads retry_max, retry_base and retry_max_delay.
func RetryPolicyFromSettings(s *config.Settings) *RetryPolicy {
	return NewRetryPolicy(s.RetryMax, s.RetryBase, s.RetryMaxDelay)
}

// DefaultRetryPolicy returns the policy used when no settings are given
func DefaultRetryPolicy() *RetryPolicy {
	return NewRetryPolicy(config.DefaultRetryMax, config.DefaultRetryBase, config.DefaultRetryMaxDelay)
}

// NoRetryPolicy returns a policy that doesn't retry
func NoRetryPolicy() *RetryPolicy {
	return &RetryPolicy{Multiplier: 2.0}
}

// Attempts returns the maximum number of attempts, the first included.
func (rp *RetryPolicy) Attempts() int {
	if rp.MaxRetries < 0 {
		return 1
	}
	return rp.MaxRetries + 1
}

// Backoff returns a fresh delay sequence for one request.
func (rp *RetryPolicy) Backoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    rp.BaseDelay,
		Max:    rp.MaxDelay,
		Factor: rp.Multiplier,
		Jitter: rp.Jitter,
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
