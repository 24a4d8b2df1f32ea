// Package kafka is a publishing transport for Apache Kafka built on sarama.
// The endpoint is a comma separated broker list.
//
// # Authentication
//
// With sasl_mechanism OAUTHBEARER the current credential is handed to the
// broker as the bearer token on every (re)authentication. With PLAIN it is
// used as the password of sasl_username.
//
// # Encoding
//
// String values are published as is and other values as JSON, unless
// avro_schema is set, in which case every value is encoded as Avro binary
// with that schema.
package kafka

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"github.com/linkedin/goavro/v2"
	"go.uber.org/zap"

	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/credential"
	"github.com/ajitpratap0/actuator/pkg/errors"
)

// Name is the registry name of the transport.
const Name = "kafka"

// Options are read from settings.options.
type Options struct {
	Topic         string        `mapstructure:"topic"`
	ClientID      string        `mapstructure:"client_id"`
	Acks          string        `mapstructure:"acks" validate:"omitempty,oneof=all 1 0"`
	Compression   string        `mapstructure:"compression" validate:"omitempty,oneof=none gzip snappy lz4 zstd"`
	SASLMechanism string        `mapstructure:"sasl_mechanism" validate:"omitempty,oneof=PLAIN OAUTHBEARER"`
	SASLUsername  string        `mapstructure:"sasl_username"`
	TLS           bool          `mapstructure:"tls"`
	AvroSchema    string        `mapstructure:"avro_schema"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout" validate:"gte=0"`
	Version       string        `mapstructure:"version"`
}

// Transport produces to a Kafka cluster.
type Transport struct {
	brokers []string
	opts    Options
	logger  *zap.Logger
}

// New creates a transport for a comma separated broker list.
func New(brokers string, opts Options, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	var list []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			list = append(list, b)
		}
	}
	return &Transport{brokers: list, opts: opts, logger: logger}
}

// Name implements core.Transport
func (t *Transport) Name() string { return Name }

// Actions implements core.Transport
func (t *Transport) Actions() []core.ActionSpec {
	message := map[string]config.Field{
		"topic":   {Kind: config.KindString, Description: "defaults to options.topic"},
		"key":     {Kind: config.KindString},
		"value":   {Kind: config.KindAny, Required: true},
		"headers": {Kind: config.KindRecord},
	}
	return []core.ActionSpec{
		{Name: "ping", Description: "refresh cluster metadata", Idempotent: true},
		{Name: "publish", Description: "publish one message and wait for acknowledgement",
			Params: config.Schema{Fields: message}},
		{Name: "publish_batch", Description: "publish several messages in one request",
			Params: config.Schema{Fields: map[string]config.Field{
				"topic":    {Kind: config.KindString},
				"messages": {Kind: config.KindList, Required: true, Description: "records with key, value and headers"},
			}}},
	}
}

// Config builds the sarama configuration.
func (t *Transport) Config(creds core.CredentialSource) (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = "actuator"
	if t.opts.ClientID != "" {
		cfg.ClientID = t.opts.ClientID
	}
	if t.opts.Version != "" {
		v, err := sarama.ParseKafkaVersion(t.opts.Version)
		if err != nil {
			return nil, errors.Config(errors.KindWrongType, "options:version", err.Error())
		}
		cfg.Version = v
	}
	if t.opts.DialTimeout > 0 {
		cfg.Net.DialTimeout = t.opts.DialTimeout
	}

	switch t.opts.Acks {
	case "1":
		cfg.Producer.RequiredAcks = sarama.WaitForLocal
	case "0":
		cfg.Producer.RequiredAcks = sarama.NoResponse
	default:
		cfg.Producer.RequiredAcks = sarama.WaitForAll
	}
	switch t.opts.Compression {
	case "gzip":
		cfg.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}
	// retries belong to the connector
	cfg.Producer.Retry.Max = 0
	cfg.Metadata.Retry.Max = 0
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	if t.opts.TLS {
		cfg.Net.TLS.Enable = true
		cfg.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	switch t.opts.SASLMechanism {
	case sarama.SASLTypeOAuth:
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = sarama.SASLTypeOAuth
		cfg.Net.SASL.TokenProvider = tokenProvider{creds: creds}
	case sarama.SASLTypePlaintext:
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		cfg.Net.SASL.User = t.opts.SASLUsername
		if creds != nil {
			cfg.Net.SASL.Password = creds.Current().Token
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Config(errors.KindWrongType, "options", err.Error())
	}
	return cfg, nil
}

// tokenProvider serves the current credential to OAUTHBEARER.
type tokenProvider struct {
	creds core.CredentialSource
}

func (p tokenProvider) Token() (*sarama.AccessToken, error) {
	if p.creds == nil || p.creds.Current().Token == "" {
		return nil, errors.Conn(errors.KindAuthExpired, "no bearer token available", nil)
	}
	return &sarama.AccessToken{Token: p.creds.Current().Token}, nil
}

// Dial connects to the brokers and creates a synchronous producer.
func (t *Transport) Dial(ctx context.Context, creds core.CredentialSource) (core.Session, error) {
	if len(t.brokers) == 0 {
		return nil, errors.Conn(errors.KindCannotOpen, "kafka endpoint must list at least one broker", nil)
	}
	codec, err := t.codec()
	if err != nil {
		return nil, err
	}
	cfg, err := t.Config(creds)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := sarama.NewClient(t.brokers, cfg)
	if err != nil {
		return nil, classify("connect", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, classify("connect", err)
	}
	t.logger.Info("connected to Kafka", zap.Strings("brokers", t.brokers))
	return newSession(producer, client.RefreshMetadata, client.Close, t.opts.Topic, codec), nil
}

func (t *Transport) codec() (*goavro.Codec, error) {
	if t.opts.AvroSchema == "" {
		return nil, nil
	}
	codec, err := goavro.NewCodec(t.opts.AvroSchema)
	if err != nil {
		return nil, errors.Config(errors.KindParseFailed, "options:avro_schema", err.Error())
	}
	return codec, nil
}

type session struct {
	producer sarama.SyncProducer
	ping     func(topics ...string) error
	closer   func() error
	topic    string
	codec    *goavro.Codec
}

func newSession(producer sarama.SyncProducer, ping func(...string) error, closer func() error, topic string, codec *goavro.Codec) *session {
	return &session{producer: producer, ping: ping, closer: closer, topic: topic, codec: codec}
}

func (s *session) Do(ctx context.Context, req *core.Request, _ credential.Credential) (any, error) {
	switch req.Operation {
	case "ping":
		if s.ping == nil {
			return "pong", nil
		}
		if err := s.ping(); err != nil {
			return nil, classify("ping", err)
		}
		return "pong", nil
	case "publish":
		msg, err := s.message(req.String("topic"), req.Params)
		if err != nil {
			return nil, err
		}
		return s.send(ctx, func() error {
			_, _, err := s.producer.SendMessage(msg)
			return err
		}, func() any {
			return map[string]any{"topic": msg.Topic, "partition": msg.Partition, "offset": msg.Offset}
		})
	case "publish_batch":
		return s.publishBatch(ctx, req)
	default:
		return nil, errors.Action(errors.KindUnknownAction, "kafka transport does not support "+req.Operation)
	}
}

func (s *session) publishBatch(ctx context.Context, req *core.Request) (any, error) {
	raw, _ := req.Params["messages"].([]any)
	if len(raw) == 0 {
		return nil, errors.Action(errors.KindBadRequest, "parameter messages must be a non-empty list")
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(raw))
	for _, item := range raw {
		fields, ok := item.(map[string]any)
		if !ok {
			return nil, errors.Action(errors.KindBadRequest, "every message must be a record")
		}
		topic, _ := fields["topic"].(string)
		if topic == "" {
			topic = req.String("topic")
		}
		msg, err := s.message(topic, fields)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return s.send(ctx, func() error {
		return s.producer.SendMessages(msgs)
	}, func() any {
		return map[string]any{"published": len(msgs)}
	})
}

// send runs fn without blocking past ctx. A message abandoned on
// cancellation may still be delivered.
func (s *session) send(ctx context.Context, fn func() error, value func() any) (any, error) {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, classify("publish", err)
		}
		return value(), nil
	}
}

func (s *session) message(topic string, fields map[string]any) (*sarama.ProducerMessage, error) {
	if topic == "" {
		topic = s.topic
	}
	if topic == "" {
		return nil, errors.Action(errors.KindBadRequest, "no topic given and options.topic is not set")
	}
	value, ok := fields["value"]
	if !ok {
		return nil, errors.Action(errors.KindBadRequest, "parameter value is required")
	}
	encoded, err := s.encode(value)
	if err != nil {
		return nil, err
	}

	msg := &sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(encoded)}
	if key, ok := fields["key"].(string); ok && key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	if headers, ok := fields["headers"].(map[string]any); ok {
		for k, v := range headers {
			hv, ok := v.(string)
			if !ok {
				return nil, errors.Action(errors.KindBadRequest, "header "+k+" must be a string")
			}
			msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(hv)})
		}
	}
	return msg, nil
}

func (s *session) encode(value any) ([]byte, error) {
	if s.codec != nil {
		data, err := s.codec.BinaryFromNative(nil, value)
		if err != nil {
			return nil, errors.Action(errors.KindBadRequest, "value does not match the Avro schema: "+err.Error())
		}
		return data, nil
	}
	if str, ok := value.(string); ok {
		return []byte(str), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Action(errors.KindBadRequest, "value cannot be encoded as JSON: "+err.Error())
	}
	return data, nil
}

func (s *session) Close(context.Context) error {
	err := s.producer.Close()
	if s.closer != nil {
		if cerr := s.closer(); cerr != nil && err == nil && cerr != sarama.ErrClosedClient {
			err = cerr
		}
	}
	return err
}
