package clients

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// RateLimiter paces requests with a token bucket.
type RateLimiter struct {
	limiter *rate.Limiter

	allowed int64
	waited  int64
}

// RateLimiterStats provides statistics about rate limiter usage
type RateLimiterStats struct {
	Rate            float64 `json:"rate"`
	Burst           int     `json:"burst"`
	AllowedRequests int64   `json:"allowed_requests"`
	WaitedRequests  int64   `json:"waited_requests"`
}

// NewRateLimiter creates a limiter allowing perSecond requests with the given
// burst. A non-positive rate returns nil, which never limits.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until a request is allowed or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if r.limiter.Allow() {
		atomic.AddInt64(&r.allowed, 1)
		return nil
	}
	atomic.AddInt64(&r.waited, 1)
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	atomic.AddInt64(&r.allowed, 1)
	return nil
}

// GetStats returns rate limiter statistics
func (r *RateLimiter) GetStats() RateLimiterStats {
	if r == nil {
		return RateLimiterStats{}
	}
	return RateLimiterStats{
		Rate:            float64(r.limiter.Limit()),
		Burst:           r.limiter.Burst(),
		AllowedRequests: atomic.LoadInt64(&r.allowed),
		WaitedRequests:  atomic.LoadInt64(&r.waited),
	}
}
