// Package memory is an in-process key-value transport. It is the default
// transport and needs no external system, which makes it the reference
// implementation of the transport contract.
//
// Data lives in the Transport value and survives reconnects. When
// options.snapshot names a file, the data is loaded on the first Dial and
// written back when a session closes; the file extension selects compression
// (see pkg/compression).
package memory

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/actuator/pkg/compression"
	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/credential"
	"github.com/ajitpratap0/actuator/pkg/errors"
)

// Name is the registry name of the transport.
const Name = "memory"

// Options are read from settings.options.
type Options struct {
	Snapshot string        `mapstructure:"snapshot"`
	Latency  time.Duration `mapstructure:"latency" validate:"gte=0"`
}

// Transport holds the key space shared by all its sessions.
type Transport struct {
	endpoint string
	opts     Options
	logger   *zap.Logger

	mu     sync.Mutex
	data   map[string]any
	loaded bool
}

// New creates a memory transport for endpoint.
func New(endpoint string, opts Options, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		endpoint: endpoint,
		opts:     opts,
		logger:   logger,
		data:     map[string]any{},
	}
}

// Name implements core.Transport
func (t *Transport) Name() string { return Name }

// Actions implements core.Transport
func (t *Transport) Actions() []core.ActionSpec {
	key := config.Field{Kind: config.KindString, Required: true}
	return []core.ActionSpec{
		{Name: "ping", Description: "check the store answers", Idempotent: true},
		{Name: "echo", Description: "return params.value unchanged", Idempotent: true,
			Params: config.Schema{Fields: map[string]config.Field{"value": {Kind: config.KindAny}}}},
		{Name: "get", Description: "read a key", Idempotent: true,
			Params: config.Schema{Fields: map[string]config.Field{"key": key}}},
		{Name: "set", Description: "write a key",
			Params: config.Schema{Fields: map[string]config.Field{
				"key":       key,
				"value":     {Kind: config.KindAny, Required: true},
				"if_absent": {Kind: config.KindBool, Default: false},
			}}},
		{Name: "delete", Description: "remove a key", Idempotent: true,
			Params: config.Schema{Fields: map[string]config.Field{"key": key}}},
		{Name: "incr", Description: "add params.by to an integer key",
			Params: config.Schema{Fields: map[string]config.Field{
				"key": key,
				"by":  {Kind: config.KindInt, Default: 1},
			}}},
		{Name: "keys", Description: "list keys with a prefix", Idempotent: true,
			Params: config.Schema{Fields: map[string]config.Field{"prefix": {Kind: config.KindString, Default: ""}}}},
	}
}

// Dial implements core.Transport
func (t *Transport) Dial(ctx context.Context, _ core.CredentialSource) (core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loaded && t.opts.Snapshot != "" {
		if err := t.load(); err != nil {
			return nil, err
		}
	}
	t.loaded = true
	return &session{t: t}, nil
}

// load must be called with mu held.
func (t *Transport) load() error {
	data, err := compression.ReadFile(t.opts.Snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Conn(errors.KindCannotOpen, "cannot read snapshot "+t.opts.Snapshot, err)
	}
	values := map[string]any{}
	if err := json.Unmarshal(data, &values); err != nil {
		return errors.Conn(errors.KindCannotOpen, "cannot decode snapshot "+t.opts.Snapshot, err)
	}
	t.data = values
	t.logger.Info("snapshot loaded",
		zap.String("path", t.opts.Snapshot),
		zap.Int("keys", len(values)))
	return nil
}

func (t *Transport) save() error {
	t.mu.Lock()
	data, err := json.Marshal(t.data)
	t.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "cannot encode snapshot")
	}
	if err := compression.WriteFile(t.opts.Snapshot, data, 0o600); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "cannot write snapshot")
	}
	return nil
}

// Len returns the number of keys
func (t *Transport) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.data)
}

type session struct {
	t *Transport
}

func (s *session) Do(ctx context.Context, req *core.Request, _ credential.Credential) (any, error) {
	if s.t.opts.Latency > 0 {
		timer := time.NewTimer(s.t.opts.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := s.t
	switch req.Operation {
	case "ping":
		return "pong", nil
	case "echo":
		return req.Params["value"], nil
	case "keys":
		prefix := req.String("prefix")
		t.mu.Lock()
		defer t.mu.Unlock()
		keys := make([]string, 0, len(t.data))
		for k := range t.data {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		return keys, nil
	}

	key, err := req.RequireString("key")
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	switch req.Operation {
	case "get":
		return t.data[key], nil
	case "set":
		if _, exists := t.data[key]; exists && req.Bool("if_absent") {
			return nil, errors.Action(errors.KindConflict, "key "+key+" already exists")
		}
		t.data[key] = req.Params["value"]
		return true, nil
	case "delete":
		_, existed := t.data[key]
		delete(t.data, key)
		return existed, nil
	case "incr":
		by := req.Int("by")
		if !req.Has("by") {
			by = 1
		}
		var n int64
		switch v := t.data[key].(type) {
		case nil:
		case int:
			n = int64(v)
		case int64:
			n = v
		case float64:
			n = int64(v)
		default:
			return nil, errors.Action(errors.KindConflict, "key "+key+" does not hold an integer")
		}
		n += by
		t.data[key] = n
		return n, nil
	default:
		return nil, errors.Action(errors.KindUnknownAction, "memory transport does not support "+req.Operation)
	}
}

func (s *session) Close(context.Context) error {
	if s.t.opts.Snapshot == "" {
		return nil
	}
	return s.t.save()
}
