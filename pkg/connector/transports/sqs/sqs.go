// Package sqs is a transport for one Amazon SQS queue. The endpoint is the
// queue URL.
package sqs

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/actuator/pkg/clients"
	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/credential"
	"github.com/ajitpratap0/actuator/pkg/errors"
)

// Name is the registry name of the transport.
const Name = "sqs"

// Options are read from settings.options.
type Options struct {
	Region      string `mapstructure:"region"`
	EndpointURL string `mapstructure:"endpoint_url" validate:"omitempty,url"`
}

// API is the subset of the SQS client used by the transport.
type API interface {
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Message is a received message.
type Message struct {
	ID            string            `json:"id"`
	ReceiptHandle string            `json:"receipt_handle"`
	Body          string            `json:"body"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// Transport sends to and receives from one queue.
type Transport struct {
	queueURL string
	opts     Options
	logger   *zap.Logger
	newAPI   func(ctx context.Context, creds core.CredentialSource) (API, error)
}

// New creates a transport for queueURL.
func New(queueURL string, opts Options, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Transport{queueURL: queueURL, opts: opts, logger: logger}
	t.newAPI = t.sdkClient
	return t
}

// NewWithAPI creates a transport that uses api instead of an SDK client.
func NewWithAPI(queueURL string, opts Options, api API, logger *zap.Logger) *Transport {
	t := New(queueURL, opts, logger)
	t.newAPI = func(context.Context, core.CredentialSource) (API, error) { return api, nil }
	return t
}

func (t *Transport) sdkClient(ctx context.Context, creds core.CredentialSource) (API, error) {
	cfg, err := clients.LoadAWSConfig(ctx, clients.AWSOptions{
		Region:      t.opts.Region,
		Endpoint:    t.opts.EndpointURL,
		Credentials: clients.AWSCredentialsFrom(func() string { return creds.Current().Token }),
	})
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(cfg), nil
}

// Name implements core.Transport
func (t *Transport) Name() string { return Name }

// Actions implements core.Transport
func (t *Transport) Actions() []core.ActionSpec {
	return []core.ActionSpec{
		{Name: "ping", Description: "read the approximate queue depth", Idempotent: true},
		{Name: "send_message", Description: "send one message",
			Params: config.Schema{Fields: map[string]config.Field{
				"body":             {Kind: config.KindAny, Required: true, Description: "string or JSON value"},
				"delay_seconds":    {Kind: config.KindInt, Default: 0},
				"attributes":       {Kind: config.KindRecord},
				"group_id":         {Kind: config.KindString, Description: "FIFO queues only"},
				"deduplication_id": {Kind: config.KindString, Description: "FIFO queues only"},
			}}},
		{Name: "receive_messages", Description: "receive up to max messages",
			Params: config.Schema{Fields: map[string]config.Field{
				"max":                {Kind: config.KindInt, Default: 1},
				"wait_seconds":       {Kind: config.KindInt, Default: 0},
				"visibility_timeout": {Kind: config.KindInt},
			}}},
		{Name: "delete_message", Description: "acknowledge a received message", Idempotent: true,
			Params: config.Schema{Fields: map[string]config.Field{
				"receipt_handle": {Kind: config.KindString, Required: true},
			}}},
	}
}

// Dial builds the SDK client. No request is made until the first action.
func (t *Transport) Dial(ctx context.Context, creds core.CredentialSource) (core.Session, error) {
	if t.queueURL == "" {
		return nil, errors.Conn(errors.KindCannotOpen, "sqs endpoint must be a queue URL", nil)
	}
	api, err := t.newAPI(ctx, creds)
	if err != nil {
		return nil, err
	}
	return &session{api: api, queueURL: aws.String(t.queueURL)}, nil
}

type session struct {
	api      API
	queueURL *string
}

func (s *session) Do(ctx context.Context, req *core.Request, _ credential.Credential) (any, error) {
	switch req.Operation {
	case "ping":
		out, err := s.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl:       s.queueURL,
			AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
		})
		if err != nil {
			return nil, clients.ClassifyAWSError("GetQueueAttributes", err)
		}
		return map[string]any{"approximate_messages": out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]}, nil
	case "send_message":
		return s.send(ctx, req)
	case "receive_messages":
		return s.receive(ctx, req)
	case "delete_message":
		handle, err := req.RequireString("receipt_handle")
		if err != nil {
			return nil, err
		}
		if _, err := s.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{QueueUrl: s.queueURL, ReceiptHandle: aws.String(handle)}); err != nil {
			return nil, clients.ClassifyAWSError("DeleteMessage", err)
		}
		return true, nil
	default:
		return nil, errors.Action(errors.KindUnknownAction, "sqs transport does not support "+req.Operation)
	}
}

func (s *session) send(ctx context.Context, req *core.Request) (any, error) {
	if !req.Has("body") {
		return nil, errors.Action(errors.KindBadRequest, "parameter body is required")
	}
	body, ok := req.Params["body"].(string)
	if !ok {
		data, err := json.Marshal(req.Params["body"])
		if err != nil {
			return nil, errors.Action(errors.KindBadRequest, "body cannot be encoded as JSON: "+err.Error())
		}
		body = string(data)
	}

	in := &sqs.SendMessageInput{
		QueueUrl:     s.queueURL,
		MessageBody:  aws.String(body),
		DelaySeconds: int32(req.Int("delay_seconds")),
	}
	if group := req.String("group_id"); group != "" {
		in.MessageGroupId = aws.String(group)
	}
	if dedup := req.String("deduplication_id"); dedup != "" {
		in.MessageDeduplicationId = aws.String(dedup)
	}
	for k, v := range req.Map("attributes") {
		str, ok := v.(string)
		if !ok {
			return nil, errors.Action(errors.KindBadRequest, "attribute "+k+" must be a string")
		}
		if in.MessageAttributes == nil {
			in.MessageAttributes = map[string]types.MessageAttributeValue{}
		}
		in.MessageAttributes[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(str)}
	}

	out, err := s.api.SendMessage(ctx, in)
	if err != nil {
		return nil, clients.ClassifyAWSError("SendMessage", err)
	}
	return map[string]any{"message_id": aws.ToString(out.MessageId)}, nil
}

func (s *session) receive(ctx context.Context, req *core.Request) (any, error) {
	limit := req.Int("max")
	if limit <= 0 {
		limit = 1
	}
	if limit > 10 {
		return nil, errors.Action(errors.KindBadRequest, "max must be between 1 and 10")
	}
	in := &sqs.ReceiveMessageInput{
		QueueUrl:              s.queueURL,
		MaxNumberOfMessages:   int32(limit),
		WaitTimeSeconds:       int32(req.Int("wait_seconds")),
		MessageAttributeNames: []string{"All"},
	}
	if req.Has("visibility_timeout") {
		in.VisibilityTimeout = int32(req.Int("visibility_timeout"))
	}
	out, err := s.api.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, clients.ClassifyAWSError("ReceiveMessage", err)
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := Message{ID: aws.ToString(m.MessageId), ReceiptHandle: aws.ToString(m.ReceiptHandle), Body: aws.ToString(m.Body)}
		for k, v := range m.MessageAttributes {
			if msg.Attributes == nil {
				msg.Attributes = map[string]string{}
			}
			msg.Attributes[k] = aws.ToString(v.StringValue)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *session) Close(context.Context) error { return nil }
