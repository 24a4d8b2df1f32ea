package dispatcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/base"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/connector/transports/memory"
	"github.com/ajitpratap0/actuator/pkg/dispatcher"
	"github.com/ajitpratap0/actuator/pkg/errors"
	"github.com/ajitpratap0/actuator/pkg/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fakeSpecs() []core.ActionSpec {
	return []core.ActionSpec{
		{Name: "ping", Idempotent: true},
		{Name: "get", Idempotent: true, Params: config.Schema{Fields: map[string]config.Field{
			"key":   {Kind: config.KindString, Required: true},
			"limit": {Kind: config.KindInt, Default: 10},
		}}},
		{Name: "slow", Timeout: 20 * time.Millisecond},
	}
}

func newFake(t *testing.T) (*testutil.FakeTransport, *base.Connector) {
	t.Helper()
	ft := testutil.NewFakeTransport()
	ft.Specs = fakeSpecs()
	conn := base.New(ft, nil, base.Options{
		Retry:   base.NoRetryPolicy(),
		Timeout: time.Second,
		Logger:  testutil.TestLogger(t),
	})
	return ft, conn
}

func newMemory(t *testing.T) *base.Connector {
	t.Helper()
	return base.New(memory.New("example", memory.Options{}, testutil.TestLogger(t)), nil, base.Options{
		Retry:  base.NewRetryPolicy(2, time.Millisecond, 5*time.Millisecond),
		Logger: testutil.TestLogger(t),
	})
}

func TestUnknownActionDoesNotOpen(t *testing.T) {
	ft, conn := newFake(t)
	d := dispatcher.New(conn)
	defer d.Close(context.Background())

	for _, name := range []string{"no-such", "delete-universe"} {
		res := d.Dispatch(context.Background(), name, map[string]any{})
		require.Error(t, res.Err)
		assert.True(t, errors.IsKind(res.Err, errors.KindUnknownAction))
		assert.Equal(t, core.StatusRetryableError, res.Status())
	}
	assert.Equal(t, 0, ft.Dials())
	assert.Empty(t, ft.Calls())
	assert.Equal(t, core.StateUnopened, conn.State())
}

func TestSchemaViolationDoesNotTouchConnector(t *testing.T) {
	ft, conn := newFake(t)
	d := dispatcher.New(conn)
	defer d.Close(context.Background())

	res := d.Dispatch(context.Background(), "get", nil)
	require.Error(t, res.Err)
	assert.True(t, errors.IsKind(res.Err, errors.KindBadRequest))
	e, ok := errors.As(res.Err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrorTypeAction, e.Type)
	assert.Equal(t, "params:key", e.Where)

	res = d.Dispatch(context.Background(), "get", map[string]any{"key": "a", "colour": "red"})
	assert.True(t, errors.IsKind(res.Err, errors.KindBadRequest))

	res = d.Dispatch(context.Background(), "get", map[string]any{"key": 42})
	assert.True(t, errors.IsKind(res.Err, errors.KindBadRequest))

	assert.Equal(t, 0, ft.Dials())
	assert.Equal(t, core.StateUnopened, conn.State())
}

func TestForwardAppliesDefaults(t *testing.T) {
	ft, conn := newFake(t)
	d := dispatcher.New(conn)
	defer d.Close(context.Background())

	res := d.Dispatch(context.Background(), "get", map[string]any{"key": "a"})
	require.NoError(t, res.Err)
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, 1, res.Attempts)

	calls := ft.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "get", calls[0].Operation)
	assert.Equal(t, map[string]any{"key": "a", "limit": 10}, calls[0].Params)
}

func TestActionTimeoutOverridesConnectorDefault(t *testing.T) {
	ft, conn := newFake(t)
	ft.Script("slow", testutil.Step{Block: true})
	d := dispatcher.New(conn)
	defer d.Close(context.Background())

	start := time.Now()
	res := d.Dispatch(context.Background(), "slow", nil)
	assert.True(t, errors.IsKind(res.Err, errors.KindTimeout), res.Err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	req := core.NewRequest("slow", nil)
	req.Timeout = 5 * time.Millisecond
	res = d.DispatchRequest(context.Background(), req)
	assert.True(t, errors.IsKind(res.Err, errors.KindTimeout), res.Err)
}

func TestHappyPathPing(t *testing.T) {
	d := dispatcher.New(newMemory(t))
	defer d.Close(context.Background())

	res := d.Dispatch(context.Background(), "ping", map[string]any{})
	require.NoError(t, res.Err)
	assert.Equal(t, "pong", res.Value)
	assert.Equal(t, core.StatusOK, res.Status())
}

func TestActionsSortedAndOverridable(t *testing.T) {
	_, conn := newFake(t)
	custom := dispatcher.Action{
		Name: "ping",
		Handler: func(context.Context, *dispatcher.Call, map[string]any) core.Result {
			return core.OK("custom")
		},
	}
	d := dispatcher.New(conn, custom, dispatcher.BatchAction())
	defer d.Close(context.Background())

	assert.Equal(t, []string{"batch", "get", "ping", "slow"}, d.Actions())
	assert.Equal(t, "custom", d.Dispatch(context.Background(), "ping", nil).Value)

	_, err := d.Validate("get", map[string]any{"key": "a"})
	assert.NoError(t, err)
	_, err = d.Validate("nope", nil)
	assert.True(t, errors.IsKind(err, errors.KindUnknownAction))
}

func TestCompositeSharesConnection(t *testing.T) {
	conn := newMemory(t)
	copyAction := dispatcher.Action{
		Name: "copy",
		Params: config.Schema{Fields: map[string]config.Field{
			"from": {Kind: config.KindString, Required: true},
			"to":   {Kind: config.KindString, Required: true},
		}},
		Handler: func(ctx context.Context, call *dispatcher.Call, p map[string]any) core.Result {
			got := call.Dispatch(ctx, "get", map[string]any{"key": p["from"]})
			if got.Err != nil {
				return got
			}
			return call.Execute(ctx, "set", map[string]any{"key": p["to"], "value": got.Value})
		},
	}
	d := dispatcher.New(conn, copyAction)
	defer d.Close(context.Background())

	ctx := context.Background()
	require.NoError(t, d.Dispatch(ctx, "set", map[string]any{"key": "a", "value": "1"}).Err)
	require.NoError(t, d.Dispatch(ctx, "copy", map[string]any{"from": "a", "to": "b"}).Err)
	assert.Equal(t, "1", d.Dispatch(ctx, "get", map[string]any{"key": "b"}).Value)
	assert.Equal(t, int64(1), conn.Dials())
}

func TestBatch(t *testing.T) {
	conn := newMemory(t)
	d := dispatcher.New(conn, dispatcher.BatchAction())
	defer d.Close(context.Background())

	res := d.Dispatch(context.Background(), "batch", map[string]any{"steps": []any{
		map[string]any{"name": "set", "params": map[string]any{"key": "k", "value": "v"}},
		map[string]any{"name": "get", "params": map[string]any{"key": "k"}},
	}})
	require.NoError(t, res.Err)
	outcomes := res.Value.([]dispatcher.StepOutcome)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "v", outcomes[1].Value)
	assert.Equal(t, core.StatusOK, outcomes[1].Status)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int64(1), conn.Dials())
}

func TestBatchStopsOnError(t *testing.T) {
	d := dispatcher.New(newMemory(t), dispatcher.BatchAction())
	defer d.Close(context.Background())

	steps := []any{
		map[string]any{"name": "set", "params": map[string]any{"key": "k", "value": 1}},
		map[string]any{"name": "set", "params": map[string]any{"key": "k", "value": 2, "if_absent": true}},
		map[string]any{"name": "ping"},
	}
	res := d.Dispatch(context.Background(), "batch", map[string]any{"steps": steps})
	assert.True(t, errors.IsKind(res.Err, errors.KindConflict))
	assert.Len(t, res.Value.([]dispatcher.StepOutcome), 2)

	res = d.Dispatch(context.Background(), "batch", map[string]any{"steps": steps, "stop_on_error": false})
	require.NoError(t, res.Err)
	outcomes := res.Value.([]dispatcher.StepOutcome)
	require.Len(t, outcomes, 3)
	assert.Equal(t, core.StatusRetryableError, outcomes[1].Status)
	assert.NotEmpty(t, outcomes[1].Error)
	assert.Equal(t, "pong", outcomes[2].Value)
}

func TestBatchValidatesEveryStepFirst(t *testing.T) {
	store := memory.New("example", memory.Options{}, testutil.TestLogger(t))
	conn := base.New(store, nil, base.Options{Retry: base.NoRetryPolicy(), Logger: testutil.TestLogger(t)})
	d := dispatcher.New(conn, dispatcher.BatchAction())
	defer d.Close(context.Background())

	tests := []struct {
		name  string
		steps []any
		where string
	}{
		{
			name: "invalid params in a later step",
			steps: []any{
				map[string]any{"name": "set", "params": map[string]any{"key": "a", "value": 1}},
				map[string]any{"name": "set", "params": map[string]any{"value": 2}},
			},
			where: "params:steps.1.params.key",
		},
		{
			name: "unknown action",
			steps: []any{
				map[string]any{"name": "set", "params": map[string]any{"key": "a", "value": 1}},
				map[string]any{"name": "delete-universe"},
			},
			where: "params:steps.1",
		},
		{
			name: "params not a record",
			steps: []any{
				map[string]any{"name": "set", "params": map[string]any{"key": "a", "value": 1}},
				map[string]any{"name": "get", "params": "key=b"},
			},
			where: "params:steps.1.params",
		},
		{
			name:  "step without a name",
			steps: []any{"ping"},
			where: "params:steps.0",
		},
		{
			name:  "nested batch",
			steps: []any{map[string]any{"name": "batch"}},
			where: "params:steps.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Dispatch(context.Background(), "batch", map[string]any{"steps": tt.steps})
			require.Error(t, res.Err)
			e, ok := errors.As(res.Err)
			require.True(t, ok)
			assert.Equal(t, errors.KindBadRequest, e.Kind)
			assert.Equal(t, tt.where, e.Where)
			assert.Nil(t, res.Value)

			_, err := d.Validate("batch", map[string]any{"steps": tt.steps})
			assert.True(t, errors.IsKind(err, errors.KindBadRequest))
		})
	}

	assert.Equal(t, int64(0), conn.Dials())
	assert.Equal(t, core.StateUnopened, conn.State())
	assert.Equal(t, 0, store.Len())
}

func TestBatchValidateAppliesStepDefaults(t *testing.T) {
	_, conn := newFake(t)
	d := dispatcher.New(conn, dispatcher.BatchAction())
	defer d.Close(context.Background())

	params, err := d.Validate("batch", map[string]any{"steps": []any{
		map[string]any{"name": "get", "params": map[string]any{"key": "a"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, true, params["stop_on_error"])
	assert.Equal(t, []any{
		map[string]any{"name": "get", "params": map[string]any{"key": "a", "limit": 10}},
	}, params["steps"])
}

func TestCloseClosesConnector(t *testing.T) {
	conn := newMemory(t)
	d := dispatcher.New(conn)

	require.NoError(t, d.Dispatch(context.Background(), "ping", nil).Err)
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, core.StateClosed, conn.State())

	res := d.Dispatch(context.Background(), "ping", nil)
	assert.True(t, errors.IsKind(res.Err, errors.KindInvalidState))
	assert.Equal(t, core.StatusFatalError, res.Status())
}
