package sqs

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/actuator/pkg/connector/base"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/errors"
	"github.com/ajitpratap0/actuator/pkg/testutil"
)

type fakeSQS struct {
	sent     []*sqs.SendMessageInput
	received *sqs.ReceiveMessageInput
	deleted  []string
	sendErr  error
}

func (f *fakeSQS) GetQueueAttributes(context.Context, *sqs.GetQueueAttributesInput, ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{Attributes: map[string]string{"ApproximateNumberOfMessages": "7"}}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.received = in
	return &sqs.ReceiveMessageOutput{Messages: []types.Message{{
		MessageId:     aws.String("m-1"),
		ReceiptHandle: aws.String("rh-1"),
		Body:          aws.String(`{"id":1}`),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"source": {DataType: aws.String("String"), StringValue: aws.String("billing")},
		},
	}}}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func newConnector(t *testing.T, api API) *base.Connector {
	t.Helper()
	conn := base.New(NewWithAPI("https://sqs.eu-west-1.amazonaws.com/123/orders", Options{}, api, nil), nil, base.Options{
		Retry:   base.NewRetryPolicy(1, time.Millisecond, 2*time.Millisecond),
		Timeout: time.Second,
		Logger:  testutil.TestLogger(t),
	})
	t.Cleanup(func() { _ = conn.Close(context.Background()) })
	return conn
}

func TestSendReceiveDelete(t *testing.T) {
	api := &fakeSQS{}
	conn := newConnector(t, api)
	ctx := context.Background()

	res := conn.Execute(ctx, core.NewRequest("ping", nil))
	require.NoError(t, res.Err)
	assert.Equal(t, map[string]any{"approximate_messages": "7"}, res.Value)

	res = conn.Execute(ctx, core.NewRequest("send_message", map[string]any{
		"body":          map[string]any{"id": 1},
		"delay_seconds": 5,
		"attributes":    map[string]any{"source": "billing"},
		"group_id":      "g",
	}))
	require.NoError(t, res.Err)
	assert.Equal(t, map[string]any{"message_id": "m-1"}, res.Value)
	require.Len(t, api.sent, 1)
	assert.Equal(t, `{"id":1}`, aws.ToString(api.sent[0].MessageBody))
	assert.Equal(t, int32(5), api.sent[0].DelaySeconds)
	assert.Equal(t, "g", aws.ToString(api.sent[0].MessageGroupId))
	assert.Equal(t, "billing", aws.ToString(api.sent[0].MessageAttributes["source"].StringValue))

	res = conn.Execute(ctx, core.NewRequest("receive_messages", map[string]any{"max": 5, "wait_seconds": 1}))
	require.NoError(t, res.Err)
	msgs := res.Value.([]Message)
	require.Len(t, msgs, 1)
	assert.Equal(t, Message{ID: "m-1", ReceiptHandle: "rh-1", Body: `{"id":1}`, Attributes: map[string]string{"source": "billing"}}, msgs[0])
	assert.Equal(t, int32(5), api.received.MaxNumberOfMessages)

	res = conn.Execute(ctx, core.NewRequest("delete_message", map[string]any{"receipt_handle": "rh-1"}))
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"rh-1"}, api.deleted)
}

func TestSendErrors(t *testing.T) {
	api := &fakeSQS{sendErr: &smithy.GenericAPIError{Code: "RequestThrottled"}}
	conn := newConnector(t, api)
	ctx := context.Background()

	res := conn.Execute(ctx, core.NewRequest("send_message", map[string]any{"body": "x"}))
	require.Error(t, res.Err)
	assert.Equal(t, 1, res.Attempts)

	res = conn.Execute(ctx, core.NewRequest("send_message", nil))
	assert.True(t, errors.IsKind(res.Err, errors.KindBadRequest))

	res = conn.Execute(ctx, core.NewRequest("receive_messages", map[string]any{"max": 11}))
	assert.True(t, errors.IsKind(res.Err, errors.KindBadRequest))

	res = conn.Execute(ctx, core.NewRequest("purge", nil))
	assert.True(t, errors.IsKind(res.Err, errors.KindUnknownAction))
}

func TestDialRequiresQueueURL(t *testing.T) {
	_, err := NewWithAPI("", Options{}, &fakeSQS{}, nil).Dial(context.Background(), nil)
	assert.True(t, errors.IsKind(err, errors.KindCannotOpen))
}
