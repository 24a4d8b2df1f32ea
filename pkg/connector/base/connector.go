// Package base implements the resource connector: the state machine that owns
// one transport session and runs every request through rate limiting, the
// circuit breaker, the retry policy and credential refresh.
//
// # Lifecycle
//
//	Unopened ──Open──▶ Open ──Close──▶ Closing ──▶ Closed
//	                    │  ▲
//	        auth-expired│  │refreshed
//	                    ▼  │
//	                 Refreshing ──refresh failed──▶ Closed
//
// Open is idempotent and dials the transport once. Execute opens lazily.
// Close on a closed connector is an InvalidState error. WithScope always
// leaves the connector Closed, even when the scoped function panics.
//
// # Retries
//
// A request gets at most RetryPolicy.MaxRetries retries after the first
// attempt when its error is retryable (refused, timeout, server-error,
// auth-expired). Delays grow exponentially with jitter and stop immediately
// when the context is cancelled. An auth-expired error triggers one credential
// refresh and an immediate retry; a failed refresh is fatal.
//
// # Usage
//
//	conn := base.New(transport, store, base.OptionsFromSettings(settings, logger.Get()))
//	defer conn.Close(ctx)
//
//	res := conn.Execute(ctx, core.NewRequest("get", map[string]any{"key": "a"}))
//	if res.Err != nil {
//		return res.Err
//	}
package base

import (
	"context"
	stderrors "errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/actuator/pkg/clients"
	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/credential"
	"github.com/ajitpratap0/actuator/pkg/errors"
	"github.com/ajitpratap0/actuator/pkg/logger"
	"github.com/ajitpratap0/actuator/pkg/metrics"
)

// TracerName is the instrumentation scope of connector spans.
const TracerName = "github.com/ajitpratap0/actuator/pkg/connector"

const closeTimeout = 10 * time.Second

// Options configures a Connector.
type Options struct {
	Name  string
	Retry *RetryPolicy
	// Timeout bounds each attempt unless the request sets its own.
	Timeout time.Duration
	// RefreshBefore triggers a refresh when the credential expires within it.
	RefreshBefore time.Duration
	Limiter       *clients.RateLimiter
	Breaker       *clients.CircuitBreaker
	Logger        *zap.Logger
	Tracer        trace.Tracer
}

// OptionsFromSettings builds connector options from decoded settings.
func OptionsFromSettings(s *config.Settings, log *zap.Logger) Options {
	opts := Options{
		Name:          s.Name,
		Retry:         RetryPolicyFromSettings(s),
		Timeout:       s.Timeout,
		RefreshBefore: s.Credentials.RefreshBefore,
		Logger:        log,
	}
	if s.RateLimitPerSec > 0 {
		burst := int(math.Ceil(s.RateLimitPerSec))
		opts.Limiter = clients.NewRateLimiter(s.RateLimitPerSec, burst)
	}
	if s.CircuitBreaker.Enabled {
		opts.Breaker = clients.NewCircuitBreaker(s.Name, clients.CircuitBreakerConfig{
			FailureThreshold: s.CircuitBreaker.FailureThreshold,
			SuccessThreshold: s.CircuitBreaker.SuccessThreshold,
			Timeout:          s.CircuitBreaker.Timeout,
		}, log)
	}
	return opts
}

// Connector owns one transport session. It is safe for concurrent use.
type Connector struct {
	name      string
	transport core.Transport
	creds     *credential.Store
	retry     *RetryPolicy
	opts      Options
	logger    *zap.Logger
	tracer    trace.Tracer

	mu         sync.Mutex
	state      core.ConnState
	session    core.Session
	handle     *Handle
	refreshing int
	inflight   sync.WaitGroup

	current atomic.Int32
	dials   atomic.Int64
}

// New creates an Unopened connector. creds may be nil for transports that
// need no credential.
func New(transport core.Transport, creds *credential.Store, opts Options) *Connector {
	if opts.Name == "" {
		opts.Name = transport.Name()
	}
	if opts.Retry == nil {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Get()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(TracerName)
	}
	if creds == nil {
		creds = credential.NewStore(credential.Credential{}, nil)
	}
	c := &Connector{
		name:      opts.Name,
		transport: transport,
		creds:     creds,
		retry:     opts.Retry,
		opts:      opts,
		logger: opts.Logger.With(
			zap.String("component", "connector"),
			zap.String("connector", opts.Name),
			zap.String("transport", transport.Name())),
		tracer: opts.Tracer,
	}
	if opts.Breaker != nil {
		opts.Breaker.OnReject(func() {
			metrics.BreakerRejections.WithLabelValues(opts.Name).Inc()
		})
	}
	return c
}

// Name returns the connector name
func (c *Connector) Name() string { return c.name }

// Transport returns the transport the connector dials
func (c *Connector) Transport() core.Transport { return c.transport }

// Credentials returns the credential store
func (c *Connector) Credentials() *credential.Store { return c.creds }

// State returns the current state without blocking on an in-progress open.
func (c *Connector) State() core.ConnState {
	return core.ConnState(c.current.Load())
}

// Dials returns how many times the transport was dialled.
func (c *Connector) Dials() int64 { return c.dials.Load() }

// Open dials the transport unless a session already exists.
func (c *Connector) Open(ctx context.Context) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked(ctx)
}

func (c *Connector) openLocked(ctx context.Context) (*Handle, error) {
	switch c.state {
	case core.StateOpen, core.StateRefreshing:
		return c.handle, nil
	case core.StateClosing, core.StateClosed:
		return nil, errors.InvalidState("connector " + c.name + " is " + c.state.String())
	}
	if ctx.Err() != nil {
		return nil, cancelled(ctx, "open")
	}

	c.dials.Add(1)
	session, err := c.transport.Dial(ctx, c.creds)
	if err != nil {
		err = classify("open", err, ctx, ctx)
		if errors.IsFatal(err) {
			c.transition(core.StateClosed)
		}
		c.logger.Warn("failed to open connector", zap.Error(err))
		return nil, err
	}

	c.session = session
	c.handle = &Handle{conn: c, session: session}
	c.transition(core.StateOpen)
	metrics.ActiveConnections.WithLabelValues(c.name).Inc()
	c.logger.Info("connector opened")
	return c.handle, nil
}

// Close waits for in-flight attempts, bounded by ctx, and releases the
// session.
func (c *Connector) Close(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case core.StateClosing, core.StateClosed:
		state := c.state
		c.mu.Unlock()
		return errors.InvalidState("connector " + c.name + " is already " + state.String())
	case core.StateUnopened:
		c.transition(core.StateClosed)
		c.mu.Unlock()
		return nil
	}
	c.transition(core.StateClosing)
	c.mu.Unlock()

	c.drain(ctx)
	return c.release(ctx)
}

// WithScope opens the connector, runs fn and closes the connector however fn
// returns.
func (c *Connector) WithScope(ctx context.Context, fn func(ctx context.Context, h *Handle) error) (err error) {
	defer func() {
		cerr := c.Close(context.WithoutCancel(ctx))
		if err == nil && cerr != nil && !errors.IsKind(cerr, errors.KindInvalidState) {
			err = cerr
		}
	}()

	h, err := c.Open(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, h)
}

// drain waits until no attempt holds the session or ctx is done.
func (c *Connector) drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("closing connector with requests in flight")
	}
}

// release closes the session and moves to Closed. The caller has already
// moved the connector to Closing.
func (c *Connector) release(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()

	var err error
	if session != nil {
		err = session.Close(ctx)
		metrics.ActiveConnections.WithLabelValues(c.name).Dec()
	}

	c.mu.Lock()
	c.transition(core.StateClosed)
	c.mu.Unlock()

	if err != nil {
		err = classify("close", err, ctx, ctx)
		c.logger.Warn("error closing session", zap.Error(err))
		return err
	}
	c.logger.Info("connector closed")
	return nil
}

// fail closes the connector after a fatal error without waiting for other
// attempts.
func (c *Connector) fail(ctx context.Context, cause error) {
	c.mu.Lock()
	if c.state == core.StateClosing || c.state == core.StateClosed {
		c.mu.Unlock()
		return
	}
	c.transition(core.StateClosing)
	c.mu.Unlock()

	c.logger.Error("closing connector after fatal error", zap.Error(cause))
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	_ = c.release(closeCtx)
}

// transition must be called with mu held.
func (c *Connector) transition(to core.ConnState) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.current.Store(int32(to))
	metrics.StateTransitions.WithLabelValues(c.name, from.String(), to.String()).Inc()
	c.logger.Debug("connector state changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to))
}

// acquire opens the connector if needed and registers an in-flight attempt.
// The caller must call c.inflight.Done when the attempt ends.
func (c *Connector) acquire(ctx context.Context) (core.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == core.StateUnopened {
		if _, err := c.openLocked(ctx); err != nil {
			return nil, err
		}
	}
	switch c.state {
	case core.StateOpen, core.StateRefreshing:
		c.inflight.Add(1)
		return c.session, nil
	default:
		return nil, errors.InvalidState("connector " + c.name + " is " + c.state.String())
	}
}

// refresh replaces the credential with version stale. Concurrent callers share
// one provider call. A failure other than cancellation closes the connector.
func (c *Connector) refresh(ctx context.Context, stale uint64) (credential.Credential, error) {
	c.mu.Lock()
	if c.state == core.StateOpen {
		c.transition(core.StateRefreshing)
	}
	c.refreshing++
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "connector.refresh")
	defer span.End()

	cred, err := c.creds.Refresh(ctx, stale)

	c.mu.Lock()
	c.refreshing--
	fatal := err != nil && !errors.IsKind(err, errors.KindCancelled)
	if !fatal && c.refreshing == 0 && c.state == core.StateRefreshing {
		c.transition(core.StateOpen)
	}
	c.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errors.KindOf(err)))
		if fatal {
			c.fail(ctx, err)
		}
		return credential.Credential{}, err
	}
	return cred, nil
}

// Execute runs req with retries and returns its result. Requests from one
// caller run in the order they are submitted.
func (c *Connector) Execute(ctx context.Context, req *core.Request) core.Result {
	if req == nil {
		return core.Fail(errors.Action(errors.KindBadRequest, "nil request"))
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ctx, span := c.tracer.Start(ctx, "connector.execute", trace.WithAttributes(
		attribute.String("actuator.connector", c.name),
		attribute.String("actuator.operation", req.Operation),
		attribute.String("actuator.request_id", req.ID)))
	defer span.End()

	ctx = logger.NewContext(ctx, req.ID, "")
	log := logger.WithContext(ctx, c.logger).With(zap.String("operation", req.Operation))

	value, attempts, err := c.run(ctx, req, log)
	span.SetAttributes(attribute.Int("actuator.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errors.KindOf(err)))
		log.Debug("request failed", zap.Int("attempts", attempts), zap.Error(err))
		return core.Result{Err: err, Attempts: attempts}
	}
	log.Debug("request succeeded", zap.Int("attempts", attempts))
	return core.Result{Value: value, Attempts: attempts}
}

func (c *Connector) run(ctx context.Context, req *core.Request, log *zap.Logger) (any, int, error) {
	if ctx.Err() != nil {
		return nil, 0, cancelled(ctx, req.Operation)
	}

	var (
		bo          = c.retry.Backoff()
		maxAttempts = c.retry.Attempts()
		attempts    int
		refreshed   bool
		noBackoff   bool
		lastErr     error
	)
	for attempts < maxAttempts {
		if attempts > 0 && !noBackoff {
			delay := bo.Duration()
			metrics.Retries.WithLabelValues(c.name, string(errors.KindOf(lastErr))).Inc()
			log.Debug("retrying request",
				zap.Int("attempt", attempts+1),
				zap.Duration("backoff", delay),
				zap.Error(lastErr))
			if err := sleep(ctx, delay); err != nil {
				return nil, attempts, cancelled(ctx, req.Operation)
			}
		}
		noBackoff = false
		if ctx.Err() != nil {
			return nil, attempts, cancelled(ctx, req.Operation)
		}

		session, err := c.acquire(ctx)
		if err != nil {
			if errors.IsFatal(err) {
				c.fail(ctx, err)
				return nil, attempts, err
			}
			if !errors.IsRetryable(err) {
				return nil, attempts, err
			}
			attempts++
			lastErr = err
			continue
		}

		cred := c.creds.Current()
		if !refreshed && c.opts.RefreshBefore > 0 && c.creds.CanRefresh() && c.creds.NeedsRefresh(c.opts.RefreshBefore) {
			refreshed = true
			log.Debug("credential close to expiry, refreshing")
			fresh, err := c.refresh(ctx, cred.Version)
			if err != nil {
				c.inflight.Done()
				return nil, attempts, err
			}
			cred = fresh
		}

		attempts++
		value, inFlight, err := c.attempt(ctx, session, req, cred)
		c.inflight.Done()
		c.observe(req.Operation, err)
		if err == nil {
			return value, attempts, nil
		}
		lastErr = err

		switch {
		case errors.IsKind(err, errors.KindCancelled):
			if inFlight && !req.Idempotent {
				c.fail(ctx, err)
			}
			return nil, attempts, err
		case stderrors.Is(err, clients.ErrBreakerOpen):
			return nil, attempts, err
		case errors.IsFatal(err):
			c.fail(ctx, err)
			return nil, attempts, err
		case errors.IsKind(err, errors.KindAuthExpired):
			if refreshed || (attempts >= maxAttempts && c.creds.CanRefresh()) {
				// already refreshed once for this request, or no attempt left
				return nil, attempts, err
			}
			refreshed = true
			if _, err := c.refresh(ctx, cred.Version); err != nil {
				return nil, attempts, err
			}
			noBackoff = true
		case !errors.IsRetryable(err):
			return nil, attempts, err
		}
	}
	return nil, attempts, lastErr
}

// attempt performs one transport call. inFlight reports whether the session
// was reached.
func (c *Connector) attempt(ctx context.Context, session core.Session, req *core.Request, cred credential.Credential) (value any, inFlight bool, err error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := c.opts.Limiter.Wait(actx); err != nil {
		if stderrors.Is(ctx.Err(), context.Canceled) {
			return nil, false, cancelled(ctx, req.Operation)
		}
		return nil, false, errors.Conn(errors.KindTimeout, req.Operation+" rate limit wait exceeded deadline", err)
	}

	err = c.opts.Breaker.Execute(func() (bool, error) {
		inFlight = true
		v, err := session.Do(actx, req, cred)
		if err != nil {
			err = classify(req.Operation, err, actx, ctx)
			return tripsBreaker(err), err
		}
		value = v
		return false, nil
	})
	if stderrors.Is(err, clients.ErrBreakerOpen) {
		return nil, false, errors.Conn(errors.KindRefused, "circuit breaker open", err)
	}
	return value, inFlight, err
}

func (c *Connector) observe(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(errors.KindOf(err))
		if outcome == "" {
			outcome = "internal"
		}
	}
	metrics.Attempts.WithLabelValues(c.name, operation, outcome).Inc()
}

// tripsBreaker reports whether err indicates an unhealthy subsystem rather
// than a bad request.
func tripsBreaker(err error) bool {
	switch errors.KindOf(err) {
	case errors.KindRefused, errors.KindTimeout, errors.KindServerError, errors.KindCannotOpen:
		return true
	default:
		return false
	}
}

// classify maps err into the error taxonomy. Cancellation of parent wins over
// everything else; expiry of the attempt deadline is a timeout.
func classify(op string, err error, attemptCtx, parent context.Context) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(parent.Err(), context.Canceled) {
		if errors.IsKind(err, errors.KindCancelled) {
			return err
		}
		return errors.Conn(errors.KindCancelled, op+" cancelled", err)
	}
	if stderrors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !errors.IsKind(err, errors.KindTimeout) {
		return errors.Conn(errors.KindTimeout, op+" exceeded its deadline", err)
	}
	if _, ok := errors.As(err); ok {
		return err
	}
	return clients.ClassifyNetError(op, err)
}

func cancelled(ctx context.Context, op string) error {
	cause := context.Cause(ctx)
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Conn(errors.KindTimeout, op+" exceeded its deadline", cause)
	}
	return errors.Conn(errors.KindCancelled, op+" cancelled", cause)
}

// Handle is the live connection owned by a connector.
type Handle struct {
	conn    *Connector
	session core.Session
}

// Execute runs req through the owning connector.
func (h *Handle) Execute(ctx context.Context, req *core.Request) core.Result {
	return h.conn.Execute(ctx, req)
}

// Session returns the transport session
func (h *Handle) Session() core.Session { return h.session }

// Connector returns the owning connector
func (h *Handle) Connector() *Connector { return h.conn }
