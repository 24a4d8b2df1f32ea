package clients

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/actuator/pkg/errors"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   errors.Kind
	}{
		{http.StatusUnauthorized, errors.KindAuthExpired},
		{http.StatusForbidden, errors.KindBadRequest},
		{http.StatusNotFound, errors.KindBadRequest},
		{http.StatusTooManyRequests, errors.KindBadRequest},
		{http.StatusConflict, errors.KindConflict},
		{http.StatusPreconditionFailed, errors.KindConflict},
		{http.StatusInternalServerError, errors.KindServerError},
		{http.StatusServiceUnavailable, errors.KindServerError},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			err := ClassifyStatus(tc.status, "")
			require.Error(t, err)
			assert.Equal(t, tc.kind, errors.KindOf(err))
		})
	}
	assert.NoError(t, ClassifyStatus(http.StatusOK, ""))
	assert.NoError(t, ClassifyStatus(http.StatusNotModified, ""))
}

func TestClassifyNetError(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

	assert.Equal(t, errors.KindRefused, errors.KindOf(ClassifyNetError("get", refused)))
	assert.Equal(t, errors.KindTimeout, errors.KindOf(ClassifyNetError("get", context.DeadlineExceeded)))
	assert.Equal(t, errors.KindCancelled, errors.KindOf(ClassifyNetError("get", context.Canceled)))
	assert.Equal(t, errors.KindRefused, errors.KindOf(ClassifyNetError("get", stderrors.New("read: connection reset by peer"))))
	assert.Nil(t, ClassifyNetError("get", nil))

	already := errors.Action(errors.KindConflict, "exists")
	assert.Same(t, already, ClassifyNetError("get", already))

	other := ClassifyNetError("get", stderrors.New("weird"))
	assert.True(t, errors.IsType(other, errors.ErrorTypeInternal))
	assert.False(t, errors.IsRetryable(other))
}

func TestClassifyAWSError(t *testing.T) {
	expired := &smithy.GenericAPIError{Code: "ExpiredTokenException", Message: "token expired"}
	assert.Equal(t, errors.KindAuthExpired, errors.KindOf(ClassifyAWSError("GetItem", expired)))

	conflict := &smithy.GenericAPIError{Code: "ConditionalCheckFailedException"}
	assert.Equal(t, errors.KindConflict, errors.KindOf(ClassifyAWSError("PutItem", conflict)))

	throttled := &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException"}
	assert.True(t, errors.IsRetryable(ClassifyAWSError("PutItem", throttled)))
}

func TestStaticAWSCredentials(t *testing.T) {
	creds, ok := StaticAWSCredentials("AKID:SECRET:SESSION")
	require.True(t, ok)
	assert.Equal(t, "AKID", creds.AccessKeyID)
	assert.Equal(t, "SECRET", creds.SecretAccessKey)
	assert.Equal(t, "SESSION", creds.SessionToken)

	_, ok = StaticAWSCredentials("bearer-token")
	assert.False(t, ok)
}

func TestAWSCredentialsFrom(t *testing.T) {
	assert.Nil(t, AWSCredentialsFrom(func() string { return "bearer-token" }))

	token := "AKID:SECRET"
	fn := AWSCredentialsFrom(func() string { return token })
	require.NotNil(t, fn)

	creds, err := fn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKID", creds.AccessKeyID)
	assert.True(t, creds.CanExpire)

	token = "AKID2:SECRET2"
	creds, err = fn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKID2", creds.AccessKeyID)

	token = "garbage"
	_, err = fn(context.Background())
	assert.True(t, errors.IsKind(err, errors.KindAuthExpired))
}

func TestCircuitBreakerOpens(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour}, zaptest.NewLogger(t))
	boom := stderrors.New("boom")

	rejected := 0
	cb.OnReject(func() { rejected++ })

	for i := 0; i < 2; i++ {
		err := cb.Execute(func() (bool, error) { return true, boom })
		assert.Equal(t, boom, err)
	}
	assert.Equal(t, "open", cb.State())

	calls := 0
	err := cb.Execute(func() (bool, error) { calls++; return false, nil })
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Zero(t, calls)
	assert.Equal(t, int64(1), cb.Rejected())
	assert.Equal(t, 1, rejected)
}

func TestCircuitBreakerIgnoresClientErrors(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1}, nil)
	bad := errors.Action(errors.KindBadRequest, "400")

	for i := 0; i < 3; i++ {
		err := cb.Execute(func() (bool, error) { return false, bad })
		assert.Equal(t, bad, err)
	}
	assert.Equal(t, "closed", cb.State())
}

func TestNilCircuitBreakerPassesThrough(t *testing.T) {
	var cb *CircuitBreaker
	err := cb.Execute(func() (bool, error) { return true, nil })
	assert.NoError(t, err)
	assert.Equal(t, "closed", cb.State())
}

func TestRateLimiter(t *testing.T) {
	assert.Nil(t, NewRateLimiter(0, 1))

	var nilLimiter *RateLimiter
	require.NoError(t, nilLimiter.Wait(context.Background()))

	rl := NewRateLimiter(1, 1)
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := rl.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	stats := rl.GetStats()
	assert.Equal(t, int64(1), stats.AllowedRequests)
	assert.Equal(t, int64(1), stats.WaitedRequests)
}

func TestNewHTTPClient(t *testing.T) {
	client := NewHTTPClient(DefaultHTTPConfig(), zaptest.NewLogger(t))
	require.NotNil(t, client)
	assert.Zero(t, client.Timeout)
	_, ok := client.Transport.(*http.Transport)
	assert.True(t, ok)
}
