// Package dynamodb is a transport for a single DynamoDB table. The endpoint
// is the table name. Items are exchanged as plain records and converted with
// the attributevalue package, so numbers come back as float64.
//
// A credential token of the form "access_key_id:secret_access_key[:session]"
// signs every request with those keys; otherwise the default AWS provider
// chain applies.
package dynamodb

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/ajitpratap0/actuator/pkg/clients"
	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/credential"
	"github.com/ajitpratap0/actuator/pkg/errors"
)

// Name is the registry name of the transport.
const Name = "dynamodb"

// Options are read from settings.options.
type Options struct {
	Region      string `mapstructure:"region"`
	EndpointURL string `mapstructure:"endpoint_url" validate:"omitempty,url"`
	HashKey     string `mapstructure:"hash_key"`
	Consistent  bool   `mapstructure:"consistent_read"`
}

// API is the subset of the DynamoDB client used by the transport.
type API interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Transport talks to one table.
type Transport struct {
	table  string
	opts   Options
	logger *zap.Logger

	// newAPI builds the client; replaced in tests.
	newAPI func(ctx context.Context, creds core.CredentialSource) (API, error)
}

// New creates a transport for table.
func New(table string, opts Options, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HashKey == "" {
		opts.HashKey = "id"
	}
	t := &Transport{table: table, opts: opts, logger: logger}
	t.newAPI = t.sdkClient
	return t
}

// NewWithAPI creates a transport that uses api instead of an SDK client.
func NewWithAPI(table string, opts Options, api API, logger *zap.Logger) *Transport {
	t := New(table, opts, logger)
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
	return dynamodb.NewFromConfig(cfg), nil
}

// Name implements core.Transport
func (t *Transport) Name() string { return Name }

// Actions implements core.Transport
func (t *Transport) Actions() []core.ActionSpec {
	key := config.Field{Kind: config.KindRecord, Required: true, Description: "primary key attributes"}
	return []core.ActionSpec{
		{Name: "ping", Description: "describe the table", Idempotent: true},
		{Name: "get_item", Description: "read one item by key", Idempotent: true,
			Params: config.Schema{Fields: map[string]config.Field{"key": key}}},
		{Name: "put_item", Description: "write one item", Idempotent: true,
			Params: config.Schema{Fields: map[string]config.Field{
				"item":      {Kind: config.KindRecord, Required: true},
				"if_absent": {Kind: config.KindBool, Default: false, Description: "fail with conflict when the hash key exists"},
			}}},
		{Name: "delete_item", Description: "delete one item by key", Idempotent: true,
			Params: config.Schema{Fields: map[string]config.Field{"key": key}}},
		{Name: "query", Description: "query by hash key and optional sort key", Idempotent: true,
			Params: config.Schema{Fields: map[string]config.Field{
				"key":   {Kind: config.KindRecord, Required: true, Description: "equality conditions on key attributes"},
				"index": {Kind: config.KindString},
				"limit": {Kind: config.KindInt, Default: 100},
			}}},
	}
}

// Dial builds the SDK client. No request is made until the first action.
func (t *Transport) Dial(ctx context.Context, creds core.CredentialSource) (core.Session, error) {
	if t.table == "" {
		return nil, errors.Conn(errors.KindCannotOpen, "dynamodb endpoint must name a table", nil)
	}
	api, err := t.newAPI(ctx, creds)
	if err != nil {
		return nil, err
	}
	return &session{api: api, table: t.table, opts: t.opts}, nil
}

type session struct {
	api   API
	table string
	opts  Options
}

func (s *session) Do(ctx context.Context, req *core.Request, _ credential.Credential) (any, error) {
	switch req.Operation {
	case "ping":
		out, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
		if err != nil {
			return nil, clients.ClassifyAWSError("DescribeTable", err)
		}
		status := ""
		if out.Table != nil {
			status = string(out.Table.TableStatus)
		}
		return map[string]any{"table": s.table, "status": status}, nil
	case "get_item":
		return s.getItem(ctx, req)
	case "put_item":
		return s.putItem(ctx, req)
	case "delete_item":
		return s.deleteItem(ctx, req)
	case "query":
		return s.query(ctx, req)
	default:
		return nil, errors.Action(errors.KindUnknownAction, "dynamodb transport does not support "+req.Operation)
	}
}

func (s *session) Close(context.Context) error { return nil }

func (s *session) key(req *core.Request) (map[string]types.AttributeValue, error) {
	raw := req.Map("key")
	if len(raw) == 0 {
		return nil, errors.Action(errors.KindBadRequest, "parameter key is required")
	}
	key, err := attributevalue.MarshalMap(raw)
	if err != nil {
		return nil, badRequest("cannot encode key", err)
	}
	return key, nil
}

func (s *session) getItem(ctx context.Context, req *core.Request) (any, error) {
	key, err := s.key(req)
	if err != nil {
		return nil, err
	}
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key,
		ConsistentRead: aws.Bool(s.opts.Consistent),
	})
	if err != nil {
		return nil, clients.ClassifyAWSError("GetItem", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	return decode(out.Item)
}

func (s *session) putItem(ctx context.Context, req *core.Request) (any, error) {
	raw := req.Map("item")
	if len(raw) == 0 {
		return nil, errors.Action(errors.KindBadRequest, "parameter item is required")
	}
	item, err := attributevalue.MarshalMap(raw)
	if err != nil {
		return nil, badRequest("cannot encode item", err)
	}
	in := &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: item}
	if req.Bool("if_absent") {
		expr, err := expression.NewBuilder().
			WithCondition(expression.AttributeNotExists(expression.Name(s.opts.HashKey))).
			Build()
		if err != nil {
			return nil, badRequest("cannot build condition", err)
		}
		in.ConditionExpression = expr.Condition()
		in.ExpressionAttributeNames = expr.Names()
	}
	if _, err := s.api.PutItem(ctx, in); err != nil {
		return nil, clients.ClassifyAWSError("PutItem", err)
	}
	return true, nil
}

func (s *session) deleteItem(ctx context.Context, req *core.Request) (any, error) {
	key, err := s.key(req)
	if err != nil {
		return nil, err
	}
	out, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.table),
		Key:          key,
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, clients.ClassifyAWSError("DeleteItem", err)
	}
	return len(out.Attributes) > 0, nil
}

func (s *session) query(ctx context.Context, req *core.Request) (any, error) {
	conds := req.Map("key")
	names := make([]string, 0, len(conds))
	for name := range conds {
		names = append(names, name)
	}
	sort.Strings(names)

	var cond expression.KeyConditionBuilder
	switch len(names) {
	case 1:
		cond = expression.Key(names[0]).Equal(expression.Value(conds[names[0]]))
	case 2:
		cond = expression.KeyAnd(
			expression.Key(names[0]).Equal(expression.Value(conds[names[0]])),
			expression.Key(names[1]).Equal(expression.Value(conds[names[1]])),
		)
	default:
		return nil, errors.Action(errors.KindBadRequest, "query key must name one or two key attributes")
	}
	expr, err := expression.NewBuilder().WithKeyCondition(cond).Build()
	if err != nil {
		return nil, badRequest("cannot build key condition", err)
	}

	in := &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(s.opts.Consistent),
	}
	if index := req.String("index"); index != "" {
		in.IndexName = aws.String(index)
		in.ConsistentRead = nil
	}
	if limit := req.Int("limit"); limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}
	out, err := s.api.Query(ctx, in)
	if err != nil {
		return nil, clients.ClassifyAWSError("Query", err)
	}
	items := make([]map[string]any, 0, len(out.Items))
	for _, item := range out.Items {
		record, err := decode(item)
		if err != nil {
			return nil, err
		}
		items = append(items, record)
	}
	return items, nil
}

func decode(item map[string]types.AttributeValue) (map[string]any, error) {
	var record map[string]any
	if err := attributevalue.UnmarshalMap(item, &record); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "cannot decode item")
	}
	return record, nil
}

func badRequest(msg string, cause error) error {
	e := errors.Action(errors.KindBadRequest, msg+": "+cause.Error())
	e.Cause = cause
	return e
}
