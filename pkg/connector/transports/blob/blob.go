// Package blob holds the action set shared by the object storage transports.
// A transport supplies a Backend for one bucket; the session built by
// NewSession turns requests into Backend calls.
//
// put_object reports an xxhash64 digest of the bytes it stored, after
// compression.
//
// Object bodies are exchanged as text or JSON. Keys carrying a compression
// extension (".gz", ".zst", ".s2", ".lz4") are compressed on put and
// decompressed on get with the matching algorithm.
package blob

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"io"
	"mime"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"

	"github.com/ajitpratap0/actuator/pkg/compression"
	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/credential"
	"github.com/ajitpratap0/actuator/pkg/errors"
)

// DefaultMaxBody bounds object bodies read by get_object.
const DefaultMaxBody = 32 << 20

// ErrNotFound is returned by Backend.Get for a missing object.
var ErrNotFound = stderrors.New("object not found")

// Object describes a stored object.
type Object struct {
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	Updated     time.Time `json:"updated,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	ETag        string    `json:"etag,omitempty"`
	// Digest is the xxhash64 of the stored bytes, set by put_object.
	Digest      string    `json:"digest,omitempty"`
}

// Digest returns the hex xxhash64 of data.
func Digest(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// Backend is one bucket of an object store. Errors other than ErrNotFound
// must already be classified.
type Backend interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string, limit int64) (data []byte, contentType string, err error)
	Put(ctx context.Context, key string, data []byte, contentType string) (Object, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string, limit int) ([]Object, error)
	Close() error
}

// Actions returns the action set of every object storage transport.
func Actions() []core.ActionSpec {
	key := config.Field{Kind: config.KindString, Required: true, Description: "object key"}
	return []core.ActionSpec{
		{Name: "ping", Description: "check that the bucket is reachable", Idempotent: true},
		{Name: "get_object", Description: "read an object", Idempotent: true,
			Params: config.Schema{Fields: map[string]config.Field{
				"key":    key,
				"format": {Kind: config.KindString, Default: "auto", Description: "auto, text, json or base64"},
			}}},
		{Name: "put_object", Description: "write an object", Idempotent: true,
			Params: config.Schema{Fields: map[string]config.Field{
				"key":          key,
				"body":         {Kind: config.KindAny, Required: true, Description: "string or JSON value"},
				"content_type": {Kind: config.KindString},
			}}},
		{Name: "delete_object", Description: "delete an object", Idempotent: true,
			Params: config.Schema{Fields: map[string]config.Field{"key": key}}},
		{Name: "list_objects", Description: "list objects by prefix", Idempotent: true,
			Params: config.Schema{Fields: map[string]config.Field{
				"prefix": {Kind: config.KindString, Default: ""},
				"limit":  {Kind: config.KindInt, Default: 1000},
			}}},
	}
}

// NewSession returns a session over backend. maxBody <= 0 selects
// DefaultMaxBody.
func NewSession(backend Backend, maxBody int64) core.Session {
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	return &session{backend: backend, maxBody: maxBody}
}

type session struct {
	backend Backend
	maxBody int64
}

func (s *session) Do(ctx context.Context, req *core.Request, _ credential.Credential) (any, error) {
	switch req.Operation {
	case "ping":
		if err := s.backend.Ping(ctx); err != nil {
			return nil, err
		}
		return "pong", nil
	case "get_object":
		return s.get(ctx, req)
	case "put_object":
		return s.put(ctx, req)
	case "delete_object":
		key, err := req.RequireString("key")
		if err != nil {
			return nil, err
		}
		if err := s.backend.Delete(ctx, key); err != nil {
			return nil, err
		}
		return true, nil
	case "list_objects":
		limit := int(req.Int("limit"))
		if limit <= 0 {
			limit = 1000
		}
		objects, err := s.backend.List(ctx, req.String("prefix"), limit)
		if err != nil {
			return nil, err
		}
		return objects, nil
	default:
		return nil, errors.Action(errors.KindUnknownAction, "object storage does not support "+req.Operation)
	}
}

func (s *session) Close(context.Context) error {
	return s.backend.Close()
}

func (s *session) get(ctx context.Context, req *core.Request) (any, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return nil, err
	}
	data, contentType, err := s.backend.Get(ctx, key, s.maxBody)
	if stderrors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if alg := compression.ForPath(key); alg != compression.None {
		comp, err := compression.NewCompressor(alg)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "cannot decompress "+key)
		}
		if data, err = comp.Decompress(data); err != nil {
			return nil, badRequest("cannot decompress "+key, err)
		}
	}

	format := req.String("format")
	if format == "" || format == "auto" {
		format = "text"
		if isJSON(contentType, key) {
			format = "json"
		}
	}
	switch format {
	case "text":
		return string(data), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(data), nil
	case "json":
		var value any
		if err := json.Unmarshal(data, &value); err != nil {
			return nil, badRequest(key+" is not valid JSON", err)
		}
		return value, nil
	default:
		return nil, errors.Action(errors.KindBadRequest, "unsupported format "+format)
	}
}

func (s *session) put(ctx context.Context, req *core.Request) (any, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return nil, err
	}
	if !req.Has("body") {
		return nil, errors.Action(errors.KindBadRequest, "parameter body is required")
	}

	var data []byte
	contentType := req.String("content_type")
	switch body := req.Params["body"].(type) {
	case string:
		data = []byte(body)
		if contentType == "" {
			contentType = "text/plain; charset=utf-8"
		}
	default:
		if data, err = json.Marshal(body); err != nil {
			return nil, badRequest("body cannot be encoded as JSON", err)
		}
		if contentType == "" {
			contentType = "application/json"
		}
	}

	if alg := compression.ForPath(key); alg != compression.None {
		comp, err := compression.NewCompressor(alg)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "cannot compress "+key)
		}
		if data, err = comp.Compress(data); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "cannot compress "+key)
		}
	}
	obj, err := s.backend.Put(ctx, key, data, contentType)
	if err != nil {
		return nil, err
	}
	obj.Digest = Digest(data)
	return obj, nil
}

// ReadLimited reads r up to limit bytes; larger bodies are a bad request.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errors.Action(errors.KindBadRequest, "object exceeds the maximum body size")
	}
	return data, nil
}

func isJSON(contentType, key string) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if mt == "application/json" || strings.HasSuffix(mt, "+json") {
			return true
		}
	}
	base := key
	if compression.ForPath(key) != compression.None {
		base = strings.TrimSuffix(key, path.Ext(key))
	}
	return strings.EqualFold(path.Ext(base), ".json")
}

func badRequest(msg string, cause error) error {
	e := errors.Action(errors.KindBadRequest, msg+": "+cause.Error())
	e.Cause = cause
	return e
}
