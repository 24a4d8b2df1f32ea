package base

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/errors"
)

// Health states reported by a HealthChecker.
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

// unhealthyAfter consecutive failures turn degraded into unhealthy.
const unhealthyAfter = 3

// HealthChecker periodically runs an idempotent check through a connector.
type HealthChecker struct {
	interval time.Duration
	timeout  time.Duration
	check    func(ctx context.Context) error
	logger   *zap.Logger

	mu               sync.RWMutex
	status           core.HealthStatus
	consecutiveFails int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	checkCount   atomic.Int64
	failureCount atomic.Int64
}

// NewHealthChecker checks conn with the operation "ping". The check counts
// against the connector's retry policy like any request.
func NewHealthChecker(conn *Connector, interval time.Duration) *HealthChecker {
	hc := NewHealthCheckerFunc(func(ctx context.Context) error {
		req := core.NewRequest("ping", nil)
		req.Idempotent = true
		return conn.Execute(ctx, req).Err
	}, interval, conn.logger)
	return hc
}

// NewHealthCheckerFunc runs check every interval.
func NewHealthCheckerFunc(check func(ctx context.Context) error, interval time.Duration, log *zap.Logger) *HealthChecker {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthChecker{
		interval: interval,
		timeout:  10 * time.Second,
		check:    check,
		logger:   log.With(zap.String("component", "health_checker")),
		status: core.HealthStatus{
			Status:    Healthy,
			Timestamp: time.Now(),
			Details:   map[string]interface{}{},
		},
		stopCh: make(chan struct{}),
	}
}

// Start checks once immediately and then every interval until ctx is done or
// Stop is called.
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.wg.Add(1)
	go func() {
		defer hc.wg.Done()
		ticker := time.NewTicker(hc.interval)
		defer ticker.Stop()

		hc.Check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hc.stopCh:
				return
			case <-ticker.C:
				hc.Check(ctx)
			}
		}
	}()
}

// Stop stops the health checker and waits for the running check.
func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stopCh) })
	hc.wg.Wait()
}

// Check pings the connector once and returns the updated status.
func (hc *HealthChecker) Check(ctx context.Context) core.HealthStatus {
	hc.checkCount.Add(1)

	checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	start := time.Now()
	err := hc.check(checkCtx)
	latency := time.Since(start)

	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.status.Timestamp = time.Now()
	hc.status.Latency = latency
	if err != nil {
		hc.failureCount.Add(1)
		hc.consecutiveFails++
		hc.status.Status = Degraded
		if hc.consecutiveFails >= unhealthyAfter || errors.IsFatal(err) {
			hc.status.Status = Unhealthy
		}
		hc.status.Error = summary(err)
		hc.status.Details["consecutive_failures"] = hc.consecutiveFails
		hc.logger.Warn("health check failed",
			zap.Error(err),
			zap.String("status", hc.status.Status),
			zap.Int("consecutive_failures", hc.consecutiveFails))
	} else {
		hc.consecutiveFails = 0
		hc.status.Status = Healthy
		hc.status.Error = ""
		delete(hc.status.Details, "consecutive_failures")
		hc.logger.Debug("health check passed", zap.Duration("latency", latency))
	}
	hc.status.Details["check_count"] = hc.checkCount.Load()
	hc.status.Details["failure_count"] = hc.failureCount.Load()
	return hc.copyStatus()
}

// Status returns a copy of the latest status
func (hc *HealthChecker) Status() core.HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.copyStatus()
}

// IsHealthy returns true if the last check passed
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.status.Status == Healthy
}

// CheckCount returns the total number of health checks performed
func (hc *HealthChecker) CheckCount() int64 { return hc.checkCount.Load() }

// FailureCount returns the total number of failed health checks
func (hc *HealthChecker) FailureCount() int64 { return hc.failureCount.Load() }

func (hc *HealthChecker) copyStatus() core.HealthStatus {
	s := hc.status
	s.Details = make(map[string]interface{}, len(hc.status.Details))
	for k, v := range hc.status.Details {
		s.Details[k] = v
	}
	return s
}

func summary(err error) string {
	if e, ok := errors.As(err); ok {
		return e.Summary()
	}
	return err.Error()
}
