// Package redis is a transport for Redis through go-redis. The endpoint is a
// redis:// or rediss:// URL or a plain host:port. The credential token is the
// password and is read on every new pool connection, so a refreshed token is
// used without reconnecting the client.
package redis

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ajitpratap0/actuator/pkg/clients"
	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/credential"
	"github.com/ajitpratap0/actuator/pkg/errors"
)

// Name is the registry name of the transport.
const Name = "redis"

// Options are read from settings.options.
type Options struct {
	Username string `mapstructure:"username"`
	DB       *int   `mapstructure:"db" validate:"omitempty,gte=0"`
	PoolSize int    `mapstructure:"pool_size" validate:"gte=0"`
	TLS      bool   `mapstructure:"tls"`
	// Prefix is prepended to every key.
	Prefix string `mapstructure:"prefix"`
}

// Transport creates go-redis clients.
type Transport struct {
	endpoint string
	opts     Options
	logger   *zap.Logger
}

// New creates a redis transport.
func New(endpoint string, opts Options, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{endpoint: endpoint, opts: opts, logger: logger}
}

// Name implements core.Transport
func (t *Transport) Name() string { return Name }

// Actions implements core.Transport
func (t *Transport) Actions() []core.ActionSpec {
	key := config.Field{Kind: config.KindString, Required: true}
	keyOnly := config.Schema{Fields: map[string]config.Field{"key": key}}
	return []core.ActionSpec{
		{Name: "ping", Description: "PING the server", Idempotent: true},
		{Name: "get", Description: "GET a key, decoding JSON values", Params: keyOnly, Idempotent: true},
		{Name: "set", Description: "SET a key with an optional ttl",
			Params: config.Schema{Fields: map[string]config.Field{
				"key":       key,
				"value":     {Kind: config.KindAny, Required: true},
				"ttl":       {Kind: config.KindDuration, Default: "0s"},
				"if_absent": {Kind: config.KindBool, Default: false},
			}}},
		{Name: "del", Description: "DEL a key", Params: keyOnly, Idempotent: true},
		{Name: "incr", Description: "INCRBY a key",
			Params: config.Schema{Fields: map[string]config.Field{
				"key": key,
				"by":  {Kind: config.KindInt, Default: 1},
			}}},
		{Name: "expire", Description: "set the ttl of a key", Idempotent: true,
			Params: config.Schema{Fields: map[string]config.Field{
				"key": key,
				"ttl": {Kind: config.KindDuration, Required: true},
			}}},
		{Name: "hgetall", Description: "HGETALL a hash", Params: keyOnly, Idempotent: true},
		{Name: "hset", Description: "HSET fields of a hash", Idempotent: true,
			Params: config.Schema{Fields: map[string]config.Field{
				"key":    key,
				"fields": {Kind: config.KindRecord, Required: true},
			}}},
	}
}

// clientOptions builds go-redis options. Retries are disabled: the
// connector owns the retry policy.
func (t *Transport) clientOptions(creds core.CredentialSource) (*redis.Options, error) {
	var opts *redis.Options
	if strings.Contains(t.endpoint, "://") {
		parsed, err := redis.ParseURL(t.endpoint)
		if err != nil {
			return nil, errors.Conn(errors.KindCannotOpen, "invalid redis URL", err)
		}
		opts = parsed
	} else {
		if t.endpoint == "" {
			return nil, errors.Conn(errors.KindCannotOpen, "redis endpoint is empty", nil)
		}
		opts = &redis.Options{Addr: t.endpoint}
	}

	opts.MaxRetries = -1
	if t.opts.DB != nil {
		opts.DB = *t.opts.DB
	}
	if t.opts.PoolSize > 0 {
		opts.PoolSize = t.opts.PoolSize
	}
	if t.opts.TLS && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	username := t.opts.Username
	if username == "" {
		username = opts.Username
	}
	static := opts.Password
	opts.Username, opts.Password = "", ""
	opts.CredentialsProvider = func() (string, string) {
		if creds != nil {
			if token := creds.Current().Token; token != "" {
				return username, token
			}
		}
		return username, static
	}
	return opts, nil
}

// Dial creates the client. Connections are made lazily by the pool.
func (t *Transport) Dial(ctx context.Context, creds core.CredentialSource) (core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts, err := t.clientOptions(creds)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("redis client created", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return &session{client: redis.NewClient(opts), prefix: t.opts.Prefix}, nil
}

type session struct {
	client *redis.Client
	prefix string
}

func (s *session) Do(ctx context.Context, req *core.Request, _ credential.Credential) (any, error) {
	if req.Operation == "ping" {
		res, err := s.client.Ping(ctx).Result()
		return res, classify(req.Operation, err)
	}

	key, err := req.RequireString("key")
	if err != nil {
		return nil, err
	}
	key = s.prefix + key

	switch req.Operation {
	case "get":
		val, err := s.client.Get(ctx, key).Result()
		if stderrors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, classify(req.Operation, err)
		}
		var data any
		if err := json.Unmarshal([]byte(val), &data); err == nil {
			return data, nil
		}
		return val, nil

	case "set":
		value, err := encode(req.Params["value"])
		if err != nil {
			return nil, err
		}
		ttl := req.Duration("ttl")
		if req.Bool("if_absent") {
			ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
			if err != nil {
				return nil, classify(req.Operation, err)
			}
			if !ok {
				return nil, errors.Action(errors.KindConflict, "key already exists")
			}
			return true, nil
		}
		if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
			return nil, classify(req.Operation, err)
		}
		return true, nil

	case "del":
		n, err := s.client.Del(ctx, key).Result()
		return n > 0, classify(req.Operation, err)

	case "incr":
		by := req.Int("by")
		if !req.Has("by") {
			by = 1
		}
		n, err := s.client.IncrBy(ctx, key, by).Result()
		return n, classify(req.Operation, err)

	case "expire":
		ok, err := s.client.Expire(ctx, key, req.Duration("ttl")).Result()
		return ok, classify(req.Operation, err)

	case "hgetall":
		val, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, classify(req.Operation, err)
		}
		result := make(map[string]any, len(val))
		for k, v := range val {
			result[k] = v
		}
		return result, nil

	case "hset":
		fields := req.Map("fields")
		if len(fields) == 0 {
			return nil, errors.Action(errors.KindBadRequest, "hset: fields must not be empty")
		}
		values := make([]any, 0, 2*len(fields))
		for k, v := range fields {
			encoded, err := encode(v)
			if err != nil {
				return nil, err
			}
			values = append(values, k, encoded)
		}
		n, err := s.client.HSet(ctx, key, values...).Result()
		return n, classify(req.Operation, err)

	default:
		return nil, errors.Action(errors.KindUnknownAction, "redis transport does not support "+req.Operation)
	}
}

func (s *session) Close(context.Context) error {
	return s.client.Close()
}

// encode stores strings as-is and everything else as JSON.
func encode(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case time.Duration:
		return val.String(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Action(errors.KindBadRequest, "value is not JSON encodable: "+err.Error())
	}
	return string(data), nil
}

var (
	authPrefixes     = []string{"NOAUTH", "WRONGPASS", "NOPERM"}
	busyPrefixes     = []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN", "READONLY"}
	conflictPrefixes = []string{"WRONGTYPE", "EXECABORT"}
)

// classify maps go-redis errors onto the taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, redis.ErrClosed) {
		return errors.Conn(errors.KindRefused, op+": client closed", err)
	}
	var rerr redis.Error
	if !stderrors.As(err, &rerr) {
		return clients.ClassifyNetError(op, err)
	}
	msg := rerr.Error()
	switch {
	case hasPrefix(msg, authPrefixes):
		return errors.Conn(errors.KindAuthExpired, op+": "+msg, nil)
	case hasPrefix(msg, busyPrefixes):
		return errors.Action(errors.KindServerError, op+": "+msg)
	case hasPrefix(msg, conflictPrefixes):
		return errors.Action(errors.KindConflict, op+": "+msg)
	default:
		return errors.Action(errors.KindBadRequest, op+": "+msg)
	}
}

func hasPrefix(msg string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(msg, p) {
			return true
		}
	}
	return false
}
