package dynamodb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/actuator/pkg/connector/base"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/credential"
	"github.com/ajitpratap0/actuator/pkg/errors"
	"github.com/ajitpratap0/actuator/pkg/testutil"
)

type fakeAPI struct {
	mu     sync.Mutex
	items  map[string]map[string]types.AttributeValue
	puts   []*dynamodb.PutItemInput
	query  *dynamodb.QueryInput
	errs   []error
	calls  int
	status types.TableStatus
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: map[string]map[string]types.AttributeValue{}, status: types.TableStatusActive}
}

func (f *fakeAPI) next() error {
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func idOf(key map[string]types.AttributeValue) string {
	if s, ok := key["id"].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeAPI) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next(); err != nil {
		return nil, err
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableName: in.TableName, TableStatus: f.status}}, nil
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next(); err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: f.items[idOf(in.Key)]}, nil
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)
	if err := f.next(); err != nil {
		return nil, err
	}
	id := idOf(in.Item)
	if in.ConditionExpression != nil && f.items[id] != nil {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	f.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next(); err != nil {
		return nil, err
	}
	old := f.items[idOf(in.Key)]
	delete(f.items, idOf(in.Key))
	return &dynamodb.DeleteItemOutput{Attributes: old}, nil
}

func (f *fakeAPI) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.query = in
	if err := f.next(); err != nil {
		return nil, err
	}
	out := &dynamodb.QueryOutput{}
	for _, item := range f.items {
		out.Items = append(out.Items, item)
	}
	return out, nil
}

type rotatingProvider struct{ calls int }

func (p *rotatingProvider) Name() string { return "test" }

func (p *rotatingProvider) Refresh(context.Context, credential.Credential) (credential.Credential, error) {
	p.calls++
	return credential.Credential{Token: "AKID2:SECRET2"}, nil
}

func newConnector(t *testing.T, api API, store *credential.Store) *base.Connector {
	t.Helper()
	conn := base.New(NewWithAPI("orders", Options{}, api, nil), store, base.Options{
		Retry:   base.NewRetryPolicy(2, time.Millisecond, 5*time.Millisecond),
		Timeout: time.Second,
		Logger:  testutil.TestLogger(t),
	})
	t.Cleanup(func() { _ = conn.Close(context.Background()) })
	return conn
}

func TestItemLifecycle(t *testing.T) {
	api := newFakeAPI()
	conn := newConnector(t, api, nil)
	ctx := context.Background()

	res := conn.Execute(ctx, core.NewRequest("ping", nil))
	require.NoError(t, res.Err)
	assert.Equal(t, map[string]any{"table": "orders", "status": "ACTIVE"}, res.Value)

	res = conn.Execute(ctx, core.NewRequest("put_item", map[string]any{
		"item": map[string]any{"id": "o-1", "total": 42},
	}))
	require.NoError(t, res.Err)

	res = conn.Execute(ctx, core.NewRequest("get_item", map[string]any{"key": map[string]any{"id": "o-1"}}))
	require.NoError(t, res.Err)
	assert.Equal(t, map[string]any{"id": "o-1", "total": float64(42)}, res.Value)

	res = conn.Execute(ctx, core.NewRequest("get_item", map[string]any{"key": map[string]any{"id": "missing"}}))
	require.NoError(t, res.Err)
	assert.Nil(t, res.Value)

	res = conn.Execute(ctx, core.NewRequest("delete_item", map[string]any{"key": map[string]any{"id": "o-1"}}))
	require.NoError(t, res.Err)
	assert.Equal(t, true, res.Value)

	res = conn.Execute(ctx, core.NewRequest("delete_item", map[string]any{"key": map[string]any{"id": "o-1"}}))
	require.NoError(t, res.Err)
	assert.Equal(t, false, res.Value)
}

func TestPutIfAbsentConflicts(t *testing.T) {
	api := newFakeAPI()
	conn := newConnector(t, api, nil)
	ctx := context.Background()
	params := map[string]any{"item": map[string]any{"id": "o-1"}, "if_absent": true}

	require.NoError(t, conn.Execute(ctx, core.NewRequest("put_item", params)).Err)
	res := conn.Execute(ctx, core.NewRequest("put_item", params))
	assert.True(t, errors.IsKind(res.Err, errors.KindConflict), res.Err)
	assert.Equal(t, 1, res.Attempts)

	require.Len(t, api.puts, 2)
	assert.NotNil(t, api.puts[1].ConditionExpression)
	assert.Contains(t, *api.puts[1].ConditionExpression, "attribute_not_exists")
	assert.Contains(t, api.puts[1].ExpressionAttributeNames, "#0")
	assert.Equal(t, "id", api.puts[1].ExpressionAttributeNames["#0"])
}

func TestQueryBuildsKeyCondition(t *testing.T) {
	api := newFakeAPI()
	item, err := attributevalue.MarshalMap(map[string]any{"id": "o-1", "customer": "c-9"})
	require.NoError(t, err)
	api.items["o-1"] = item
	conn := newConnector(t, api, nil)

	res := conn.Execute(context.Background(), core.NewRequest("query", map[string]any{
		"key":   map[string]any{"customer": "c-9"},
		"index": "by-customer",
		"limit": 10,
	}))
	require.NoError(t, res.Err)
	assert.Equal(t, []map[string]any{{"id": "o-1", "customer": "c-9"}}, res.Value)

	require.NotNil(t, api.query)
	assert.Equal(t, "by-customer", aws.ToString(api.query.IndexName))
	assert.Equal(t, int32(10), aws.ToInt32(api.query.Limit))
	assert.Nil(t, api.query.ConsistentRead)
	assert.Contains(t, api.query.ExpressionAttributeNames, "#0")

	res = conn.Execute(context.Background(), core.NewRequest("query", map[string]any{
		"key": map[string]any{"a": 1, "b": 2, "c": 3},
	}))
	assert.True(t, errors.IsKind(res.Err, errors.KindBadRequest))
}

func TestExpiredTokenRefreshesOnce(t *testing.T) {
	api := newFakeAPI()
	api.errs = []error{&smithy.GenericAPIError{Code: "ExpiredTokenException", Message: "expired"}}
	provider := &rotatingProvider{}
	store := credential.NewStore(credential.Credential{Token: "AKID:SECRET"}, provider)
	conn := newConnector(t, api, store)

	res := conn.Execute(context.Background(), core.NewRequest("ping", nil))
	require.NoError(t, res.Err)
	assert.Equal(t, 1, provider.calls)
	assert.Equal(t, 2, api.calls)
}

func TestThrottlingIsRetried(t *testing.T) {
	api := newFakeAPI()
	throttled := &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException"}
	api.errs = []error{throttled, throttled, throttled}
	conn := newConnector(t, api, nil)

	res := conn.Execute(context.Background(), core.NewRequest("ping", nil))
	assert.True(t, errors.IsKind(res.Err, errors.KindServerError), res.Err)
	assert.Equal(t, 3, res.Attempts)
}

func TestBadRequests(t *testing.T) {
	conn := newConnector(t, newFakeAPI(), nil)
	ctx := context.Background()

	res := conn.Execute(ctx, core.NewRequest("get_item", nil))
	assert.True(t, errors.IsKind(res.Err, errors.KindBadRequest))

	res = conn.Execute(ctx, core.NewRequest("put_item", nil))
	assert.True(t, errors.IsKind(res.Err, errors.KindBadRequest))

	res = conn.Execute(ctx, core.NewRequest("scan", nil))
	assert.True(t, errors.IsKind(res.Err, errors.KindUnknownAction))
}

func TestDialRequiresTable(t *testing.T) {
	_, err := NewWithAPI("", Options{}, newFakeAPI(), nil).Dial(context.Background(), nil)
	assert.True(t, errors.IsKind(err, errors.KindCannotOpen))
}
