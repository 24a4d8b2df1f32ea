package clients

import (
	stderrors "errors"
	"sync/atomic"
	"time"

	"github.com/eapache/go-resiliency/breaker"
	"go.uber.org/zap"
)

// ErrBreakerOpen is returned while the circuit is open.
var ErrBreakerOpen = breaker.ErrBreakerOpen

// CircuitBreakerConfig configures a CircuitBreaker
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// CircuitBreaker stops calling a failing subsystem until it has had time to
// recover.
type CircuitBreaker struct {
	name    string
	breaker *breaker.Breaker
	logger  *zap.Logger

	rejected int64
	onReject func()
}

// NewCircuitBreaker creates a breaker. A nil breaker passes every call through.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:    name,
		breaker: breaker.New(config.FailureThreshold, config.SuccessThreshold, config.Timeout),
		logger:  logger.With(zap.String("component", "circuit_breaker"), zap.String("name", name)),
	}
}

// OnReject registers a callback invoked for every rejected call.
func (cb *CircuitBreaker) OnReject(fn func()) {
	if cb != nil {
		cb.onReject = fn
	}
}

// Execute runs fn through the breaker. fn reports whether its outcome counts
// as a failure separately from the error it returns, so client errors do not
// trip the circuit.
func (cb *CircuitBreaker) Execute(fn func() (failure bool, err error)) error {
	if cb == nil {
		_, err := fn()
		return err
	}
	var result error
	err := cb.breaker.Run(func() error {
		failure, err := fn()
		result = err
		if failure {
			if err == nil {
				return stderrors.New("failure")
			}
			return err
		}
		return nil
	})
	if stderrors.Is(err, breaker.ErrBreakerOpen) {
		atomic.AddInt64(&cb.rejected, 1)
		cb.logger.Debug("circuit open, call rejected")
		if cb.onReject != nil {
			cb.onReject()
		}
		return ErrBreakerOpen
	}
	return result
}

// State returns "closed", "open" or "half-open".
func (cb *CircuitBreaker) State() string {
	if cb == nil {
		return "closed"
	}
	switch cb.breaker.GetState() {
	case breaker.Open:
		return "open"
	case breaker.HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Rejected returns the number of calls rejected while open.
func (cb *CircuitBreaker) Rejected() int64 {
	if cb == nil {
		return 0
	}
	return atomic.LoadInt64(&cb.rejected)
}
