package base_test

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ajitpratap0/actuator/pkg/clients"
	"github.com/ajitpratap0/actuator/pkg/connector/base"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/credential"
	"github.com/ajitpratap0/actuator/pkg/errors"
	"github.com/ajitpratap0/actuator/pkg/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingProvider struct {
	calls atomic.Int64
	delay time.Duration
	err   error
}

func (p *countingProvider) Name() string { return "counting" }

func (p *countingProvider) Refresh(ctx context.Context, _ credential.Credential) (credential.Credential, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return credential.Credential{}, ctx.Err()
		}
	}
	if p.err != nil {
		return credential.Credential{}, p.err
	}
	return credential.Credential{Token: "fresh", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func newConnector(t *testing.T, transport core.Transport, store *credential.Store, retries int) *base.Connector {
	t.Helper()
	return base.New(transport, store, base.Options{
		Name:    "test",
		Retry:   base.NewRetryPolicy(retries, time.Millisecond, 5*time.Millisecond),
		Timeout: time.Second,
		Logger:  testutil.TestLogger(t),
	})
}

func closeQuietly(t *testing.T, conn *base.Connector) {
	t.Helper()
	if conn.State() != core.StateClosed {
		require.NoError(t, conn.Close(context.Background()))
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	transport := testutil.NewFakeTransport()
	conn := newConnector(t, transport, nil, 0)
	ctx := context.Background()

	assert.Equal(t, core.StateUnopened, conn.State())
	h1, err := conn.Open(ctx)
	require.NoError(t, err)
	h2, err := conn.Open(ctx)
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, core.StateOpen, conn.State())
	assert.Equal(t, 1, transport.Dials())
	assert.Equal(t, int64(1), conn.Dials())

	require.NoError(t, conn.Close(ctx))
	assert.Equal(t, core.StateClosed, conn.State())
	assert.Equal(t, 1, transport.Closes())
}

func TestCloseStates(t *testing.T) {
	ctx := context.Background()

	t.Run("unopened closes without dialing", func(t *testing.T) {
		transport := testutil.NewFakeTransport()
		conn := newConnector(t, transport, nil, 0)
		require.NoError(t, conn.Close(ctx))
		assert.Equal(t, core.StateClosed, conn.State())
		assert.Equal(t, 0, transport.Dials())
	})

	t.Run("close twice", func(t *testing.T) {
		conn := newConnector(t, testutil.NewFakeTransport(), nil, 0)
		_, err := conn.Open(ctx)
		require.NoError(t, err)
		require.NoError(t, conn.Close(ctx))

		err = conn.Close(ctx)
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindInvalidState))
	})

	t.Run("open after close", func(t *testing.T) {
		conn := newConnector(t, testutil.NewFakeTransport(), nil, 0)
		require.NoError(t, conn.Close(ctx))

		_, err := conn.Open(ctx)
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindInvalidState))

		res := conn.Execute(ctx, core.NewRequest("ping", nil))
		assert.True(t, errors.IsKind(res.Err, errors.KindInvalidState))
		assert.Equal(t, core.StatusFatalError, res.Status())
	})
}

func TestWithScopeAlwaysCloses(t *testing.T) {
	ctx := context.Background()

	t.Run("normal", func(t *testing.T) {
		conn := newConnector(t, testutil.NewFakeTransport(), nil, 0)
		err := conn.WithScope(ctx, func(ctx context.Context, h *base.Handle) error {
			assert.Equal(t, core.StateOpen, conn.State())
			return h.Execute(ctx, core.NewRequest("ping", nil)).Err
		})
		require.NoError(t, err)
		assert.Equal(t, core.StateClosed, conn.State())
	})

	t.Run("error", func(t *testing.T) {
		conn := newConnector(t, testutil.NewFakeTransport(), nil, 0)
		boom := stderrors.New("boom")
		err := conn.WithScope(ctx, func(context.Context, *base.Handle) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, core.StateClosed, conn.State())
	})

	t.Run("panic", func(t *testing.T) {
		transport := testutil.NewFakeTransport()
		conn := newConnector(t, transport, nil, 0)
		assert.PanicsWithValue(t, "boom", func() {
			_ = conn.WithScope(ctx, func(context.Context, *base.Handle) error { panic("boom") })
		})
		assert.Equal(t, core.StateClosed, conn.State())
		assert.Equal(t, 1, transport.Closes())
	})
}

func TestExecuteOpensLazily(t *testing.T) {
	transport := testutil.NewFakeTransport().Script("get", testutil.Step{Value: "v"})
	conn := newConnector(t, transport, nil, 0)
	defer closeQuietly(t, conn)

	res := conn.Execute(context.Background(), core.NewRequest("get", nil))
	require.NoError(t, res.Err)
	assert.Equal(t, "v", res.Value)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, core.StatusOK, res.Status())
	assert.Equal(t, core.StateOpen, conn.State())
}

func TestRetryBudget(t *testing.T) {
	for _, retries := range []int{0, 1, 3} {
		transport := testutil.NewFakeTransport().
			Script("op", testutil.Step{Err: errors.Action(errors.KindServerError, "503 service unavailable")})
		conn := newConnector(t, transport, nil, retries)

		res := conn.Execute(context.Background(), core.NewRequest("op", nil))
		require.Error(t, res.Err)
		assert.True(t, errors.IsKind(res.Err, errors.KindServerError))
		assert.Equal(t, retries+1, transport.CallCount("op"))
		assert.Equal(t, retries+1, res.Attempts)
		assert.Equal(t, core.StatusRetryableError, res.Status())
		assert.Equal(t, core.StateOpen, conn.State())
		closeQuietly(t, conn)
	}
}

func TestRetryRecovers(t *testing.T) {
	transport := testutil.NewFakeTransport().Script("op",
		testutil.Step{Err: errors.Conn(errors.KindRefused, "connection refused", nil)},
		testutil.Step{Err: errors.Action(errors.KindServerError, "502")},
		testutil.Step{Value: 42},
	)
	conn := newConnector(t, transport, nil, 3)
	defer closeQuietly(t, conn)

	res := conn.Execute(context.Background(), core.NewRequest("op", nil))
	require.NoError(t, res.Err)
	assert.Equal(t, 42, res.Value)
	assert.Equal(t, 3, res.Attempts)
}

func TestNonRetryableSurfacesImmediately(t *testing.T) {
	for _, kind := range []errors.Kind{errors.KindBadRequest, errors.KindConflict} {
		transport := testutil.NewFakeTransport().
			Script("op", testutil.Step{Err: errors.Action(kind, "rejected")})
		conn := newConnector(t, transport, nil, 3)

		res := conn.Execute(context.Background(), core.NewRequest("op", nil))
		assert.True(t, errors.IsKind(res.Err, kind))
		assert.Equal(t, 1, transport.CallCount("op"))
		assert.Equal(t, core.StateOpen, conn.State())
		closeQuietly(t, conn)
	}
}

func TestUnclassifiedErrorsAreClassified(t *testing.T) {
	transport := testutil.NewFakeTransport().
		Script("op", testutil.Step{Err: context.DeadlineExceeded})
	conn := newConnector(t, transport, nil, 1)
	defer closeQuietly(t, conn)

	res := conn.Execute(context.Background(), core.NewRequest("op", nil))
	assert.True(t, errors.IsKind(res.Err, errors.KindTimeout))
	assert.Equal(t, 2, transport.CallCount("op"))
}

func TestAuthExpiredRefreshesOnce(t *testing.T) {
	transport := testutil.NewFakeTransport().Script("op",
		testutil.Step{Err: errors.Conn(errors.KindAuthExpired, "401 unauthorized", nil)},
		testutil.Step{Value: "ok"},
	)
	provider := &countingProvider{}
	store := credential.NewStore(credential.Credential{Token: "stale"}, provider)
	conn := newConnector(t, transport, store, 3)
	defer closeQuietly(t, conn)

	res := conn.Execute(context.Background(), core.NewRequest("op", nil))
	require.NoError(t, res.Err)
	assert.Equal(t, int64(1), provider.calls.Load())
	assert.Equal(t, int64(1), store.Refreshes())

	calls := transport.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "stale", calls[0].Token)
	assert.Equal(t, "fresh", calls[1].Token)
	assert.Equal(t, core.StateOpen, conn.State())
}

func TestAuthExpiredAfterRefreshSurfaces(t *testing.T) {
	transport := testutil.NewFakeTransport().Script("op",
		testutil.Step{Err: errors.Conn(errors.KindAuthExpired, "401 unauthorized", nil)})
	provider := &countingProvider{}
	store := credential.NewStore(credential.Credential{Token: "stale"}, provider)
	conn := newConnector(t, transport, store, 3)
	defer closeQuietly(t, conn)

	res := conn.Execute(context.Background(), core.NewRequest("op", nil))
	assert.True(t, errors.IsKind(res.Err, errors.KindAuthExpired))
	assert.Equal(t, 2, transport.CallCount("op"))
	assert.Equal(t, int64(1), provider.calls.Load())
}

func TestAuthExpiredWithoutRetriesSkipsRefresh(t *testing.T) {
	transport := testutil.NewFakeTransport().Script("op",
		testutil.Step{Err: errors.Conn(errors.KindAuthExpired, "401 unauthorized", nil)})
	provider := &countingProvider{}
	store := credential.NewStore(credential.Credential{Token: "stale"}, provider)
	conn := newConnector(t, transport, store, 0)
	defer closeQuietly(t, conn)

	res := conn.Execute(context.Background(), core.NewRequest("op", nil))
	assert.True(t, errors.IsKind(res.Err, errors.KindAuthExpired))
	assert.False(t, errors.IsFatal(res.Err))
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int64(0), provider.calls.Load())
	assert.Equal(t, core.StateOpen, conn.State())
}

func TestRefreshFailureIsFatal(t *testing.T) {
	transport := testutil.NewFakeTransport().Script("op",
		testutil.Step{Err: errors.Conn(errors.KindAuthExpired, "401 unauthorized", nil)})
	provider := &countingProvider{err: stderrors.New("token endpoint unreachable")}
	store := credential.NewStore(credential.Credential{Token: "stale"}, provider)
	conn := newConnector(t, transport, store, 3)

	res := conn.Execute(context.Background(), core.NewRequest("op", nil))
	require.Error(t, res.Err)
	assert.True(t, errors.IsKind(res.Err, errors.KindAuthExpired))
	assert.True(t, errors.IsFatal(res.Err))
	assert.Equal(t, core.StatusFatalError, res.Status())
	assert.Equal(t, 1, transport.CallCount("op"))
	assert.Equal(t, core.StateClosed, conn.State())
	assert.Equal(t, 1, transport.Closes())
}

func TestNoRefreshMechanismIsFatal(t *testing.T) {
	transport := testutil.NewFakeTransport().Script("op",
		testutil.Step{Err: errors.Conn(errors.KindAuthExpired, "401 unauthorized", nil)})
	conn := newConnector(t, transport, nil, 3)

	res := conn.Execute(context.Background(), core.NewRequest("op", nil))
	assert.True(t, errors.IsFatal(res.Err))
	assert.Equal(t, core.StateClosed, conn.State())
}

func TestSingleRefreshUnderConcurrency(t *testing.T) {
	const n = 16
	transport := testutil.NewFakeTransport()
	transport.Handler = func(_ context.Context, _ *core.Request, cred credential.Credential) (any, error) {
		if cred.Token != "fresh" {
			return nil, errors.Conn(errors.KindAuthExpired, "401 unauthorized", nil)
		}
		return "ok", nil
	}
	provider := &countingProvider{delay: 20 * time.Millisecond}
	store := credential.NewStore(credential.Credential{Token: "stale"}, provider)
	conn := newConnector(t, transport, store, 3)
	defer closeQuietly(t, conn)

	var wg sync.WaitGroup
	results := make([]core.Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = conn.Execute(context.Background(), core.NewRequest("op", nil))
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		require.NoError(t, res.Err)
	}
	assert.Equal(t, int64(1), provider.calls.Load())
	assert.Equal(t, core.StateOpen, conn.State())
}

func TestProactiveRefresh(t *testing.T) {
	transport := testutil.NewFakeTransport()
	provider := &countingProvider{}
	store := credential.NewStore(credential.Credential{
		Token:     "stale",
		ExpiresAt: time.Now().Add(10 * time.Second),
	}, provider)
	conn := base.New(transport, store, base.Options{
		Name:          "test",
		Retry:         base.NoRetryPolicy(),
		RefreshBefore: time.Minute,
		Logger:        testutil.TestLogger(t),
	})
	defer closeQuietly(t, conn)

	res := conn.Execute(context.Background(), core.NewRequest("op", nil))
	require.NoError(t, res.Err)
	assert.Equal(t, int64(1), provider.calls.Load())
	assert.Equal(t, "fresh", transport.Calls()[0].Token)

	res = conn.Execute(context.Background(), core.NewRequest("op", nil))
	require.NoError(t, res.Err)
	assert.Equal(t, int64(1), provider.calls.Load())
}

func TestCancelDuringBackoff(t *testing.T) {
	transport := testutil.NewFakeTransport().
		Script("op", testutil.Step{Err: errors.Action(errors.KindServerError, "503")})
	conn := base.New(transport, nil, base.Options{
		Name:   "test",
		Retry:  base.NewRetryPolicy(3, 10*time.Second, 10*time.Second),
		Logger: testutil.TestLogger(t),
	})
	defer closeQuietly(t, conn)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-transport.Started()
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := conn.Execute(ctx, core.NewRequest("op", nil))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, errors.IsKind(res.Err, errors.KindCancelled))
	assert.Equal(t, 1, transport.CallCount("op"))
	assert.Equal(t, core.StateOpen, conn.State())
}

func TestCancelInFlight(t *testing.T) {
	for _, idempotent := range []bool{true, false} {
		transport := testutil.NewFakeTransport().Script("op", testutil.Step{Block: true})
		conn := newConnector(t, transport, nil, 3)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-transport.Started()
			cancel()
		}()

		req := core.NewRequest("op", nil)
		req.Idempotent = idempotent
		res := conn.Execute(ctx, req)
		assert.True(t, errors.IsKind(res.Err, errors.KindCancelled))
		assert.Equal(t, 1, transport.CallCount("op"))

		if idempotent {
			assert.Equal(t, core.StateOpen, conn.State())
		} else {
			assert.Equal(t, core.StateClosed, conn.State())
		}
		closeQuietly(t, conn)
	}
}

func TestCancelledBeforeExecute(t *testing.T) {
	transport := testutil.NewFakeTransport()
	conn := newConnector(t, transport, nil, 3)
	defer closeQuietly(t, conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := conn.Execute(ctx, core.NewRequest("op", nil))
	assert.True(t, errors.IsKind(res.Err, errors.KindCancelled))
	assert.Equal(t, 0, transport.Dials())
	assert.Equal(t, core.StateUnopened, conn.State())
}

func TestAttemptTimeoutIsRetryable(t *testing.T) {
	transport := testutil.NewFakeTransport().Script("op", testutil.Step{Block: true})
	conn := newConnector(t, transport, nil, 1)
	defer closeQuietly(t, conn)

	req := core.NewRequest("op", nil)
	req.Timeout = 10 * time.Millisecond
	res := conn.Execute(context.Background(), req)
	assert.True(t, errors.IsKind(res.Err, errors.KindTimeout))
	assert.Equal(t, 2, transport.CallCount("op"))
	assert.Equal(t, core.StateOpen, conn.State())
}

func TestDialFailures(t *testing.T) {
	t.Run("cannot open is fatal", func(t *testing.T) {
		transport := testutil.NewFakeTransport()
		transport.DialErr = errors.Conn(errors.KindCannotOpen, "invalid endpoint", nil)
		conn := newConnector(t, transport, nil, 3)

		res := conn.Execute(context.Background(), core.NewRequest("op", nil))
		assert.True(t, errors.IsKind(res.Err, errors.KindCannotOpen))
		assert.Equal(t, 1, transport.Dials())
		assert.Equal(t, core.StateClosed, conn.State())
	})

	t.Run("refused is retried", func(t *testing.T) {
		transport := testutil.NewFakeTransport()
		transport.DialErr = errors.Conn(errors.KindRefused, "connection refused", nil)
		conn := newConnector(t, transport, nil, 2)
		defer closeQuietly(t, conn)

		res := conn.Execute(context.Background(), core.NewRequest("op", nil))
		assert.True(t, errors.IsKind(res.Err, errors.KindRefused))
		assert.Equal(t, 3, transport.Dials())
		assert.Equal(t, core.StateUnopened, conn.State())
	})
}

func TestCircuitBreakerRejects(t *testing.T) {
	transport := testutil.NewFakeTransport().
		Script("op", testutil.Step{Err: errors.Action(errors.KindServerError, "500")})
	breaker := clients.NewCircuitBreaker("test", clients.CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	}, testutil.TestLogger(t))
	conn := base.New(transport, nil, base.Options{
		Name:    "test",
		Retry:   base.NoRetryPolicy(),
		Breaker: breaker,
		Logger:  testutil.TestLogger(t),
	})
	defer closeQuietly(t, conn)

	res := conn.Execute(context.Background(), core.NewRequest("op", nil))
	assert.True(t, errors.IsKind(res.Err, errors.KindServerError))
	assert.Equal(t, "open", breaker.State())

	res = conn.Execute(context.Background(), core.NewRequest("op", nil))
	assert.ErrorIs(t, res.Err, clients.ErrBreakerOpen)
	assert.Equal(t, 1, transport.CallCount("op"))
	assert.Equal(t, int64(1), breaker.Rejected())
}

func TestConcurrentExecuteAndClose(t *testing.T) {
	transport := testutil.NewFakeTransport().Script("op", testutil.Step{Delay: 5 * time.Millisecond, Value: "ok"})
	conn := newConnector(t, transport, nil, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := conn.Execute(context.Background(), core.NewRequest("op", nil))
			if res.Err != nil {
				assert.True(t, errors.IsKind(res.Err, errors.KindInvalidState), res.Err)
			}
		}()
	}
	testutil.AssertEventually(t, func() bool { return transport.CallCount("op") > 0 }, time.Second, "no request started")
	require.NoError(t, conn.Close(context.Background()))
	wg.Wait()
	assert.Equal(t, core.StateClosed, conn.State())
	assert.Equal(t, 1, transport.Dials())
}
