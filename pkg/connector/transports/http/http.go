// Package http is a transport for JSON HTTP APIs. The endpoint is the base
// URL; every action names a path below it. The current credential is sent as
// "Authorization: Bearer <token>" unless options override the header.
//
// Status codes map onto the error taxonomy through clients.ClassifyStatus:
// 401 triggers a credential refresh, 5xx is retried, other 4xx surface.
// POST and PATCH are not retried once the request has been written, since
// the server may already have applied them. Responses larger than max_body
// fail with bad-request.
package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/actuator/pkg/clients"
	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/credential"
	"github.com/ajitpratap0/actuator/pkg/errors"
)

// Name is the registry name of the transport.
const Name = "http"

const maxErrorBody = 256

// Options are read from settings.options.
type Options struct {
	Headers    map[string]string `mapstructure:"headers"`
	AuthHeader string            `mapstructure:"auth_header"`
	AuthScheme string            `mapstructure:"auth_scheme"`
	PingPath   string            `mapstructure:"ping_path"`
	HTTP2      *bool             `mapstructure:"http2"`
	MaxBody    int64             `mapstructure:"max_body" validate:"gte=0"`
}

func (o *Options) setDefaults() {
	if o.AuthHeader == "" {
		o.AuthHeader = "Authorization"
	}
	if o.AuthScheme == "" {
		o.AuthScheme = "Bearer"
	}
	if o.PingPath == "" {
		o.PingPath = "/"
	}
	if o.MaxBody == 0 {
		o.MaxBody = 10 << 20
	}
}

// Response is the value of every successful action.
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   any         `json:"body,omitempty"`
}

// Transport sends requests below a base URL.
type Transport struct {
	endpoint string
	opts     Options
	client   *http.Client
	owned    bool
	logger   *zap.Logger
}

// New creates a transport. A nil client gets a dedicated pooled client.
func New(endpoint string, opts Options, client *http.Client, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.setDefaults()
	owned := false
	if client == nil {
		cfg := clients.DefaultHTTPConfig()
		if opts.HTTP2 != nil {
			cfg.EnableHTTP2 = *opts.HTTP2
		}
		client = clients.NewHTTPClient(cfg, logger)
		owned = true
	}
	return &Transport{endpoint: endpoint, opts: opts, client: client, owned: owned, logger: logger}
}

// Name implements core.Transport
func (t *Transport) Name() string { return Name }

// Actions implements core.Transport
func (t *Transport) Actions() []core.ActionSpec {
	path := config.Field{Kind: config.KindString, Required: true, Description: "path below the endpoint"}
	query := config.Field{Kind: config.KindRecord, Description: "query string parameters"}
	headers := config.Field{Kind: config.KindRecord, Description: "extra request headers"}
	body := config.Field{Kind: config.KindAny, Description: "JSON request body"}
	read := config.Schema{Fields: map[string]config.Field{"path": path, "query": query, "headers": headers}}
	write := config.Schema{Fields: map[string]config.Field{"path": path, "query": query, "headers": headers, "body": body}}
	return []core.ActionSpec{
		{Name: "ping", Description: "GET the ping path", Idempotent: true},
		{Name: "get", Description: "GET a resource", Params: read, Idempotent: true},
		{Name: "post", Description: "POST a JSON body", Params: write},
		{Name: "put", Description: "PUT a JSON body", Params: write, Idempotent: true},
		{Name: "patch", Description: "PATCH a JSON body", Params: write},
		{Name: "delete", Description: "DELETE a resource", Params: read, Idempotent: true},
	}
}

// Dial validates the endpoint. No request is made until the first action.
func (t *Transport) Dial(ctx context.Context, _ core.CredentialSource) (core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base, err := url.Parse(t.endpoint)
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, errors.Conn(errors.KindCannotOpen, "endpoint must be an http or https URL", err)
	}
	return &session{t: t, base: base}, nil
}

type session struct {
	t    *Transport
	base *url.URL
}

var methods = map[string]string{
	"ping":   http.MethodGet,
	"get":    http.MethodGet,
	"post":   http.MethodPost,
	"put":    http.MethodPut,
	"patch":  http.MethodPatch,
	"delete": http.MethodDelete,
}

func (s *session) Do(ctx context.Context, req *core.Request, cred credential.Credential) (any, error) {
	method, ok := methods[req.Operation]
	if !ok {
		return nil, errors.Action(errors.KindUnknownAction, "http transport does not support "+req.Operation)
	}
	path := s.t.opts.PingPath
	if req.Operation != "ping" {
		p, err := req.RequireString("path")
		if err != nil {
			return nil, err
		}
		path = p
	}

	target := s.base.JoinPath(path)
	if q := req.Map("query"); len(q) > 0 {
		values := target.Query()
		for k, v := range q {
			values.Set(k, stringify(v))
		}
		target.RawQuery = values.Encode()
	}

	var body io.Reader
	if v, ok := req.Params["body"]; ok && method != http.MethodGet && method != http.MethodDelete {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Action(errors.KindBadRequest, "body is not JSON encodable: "+err.Error())
		}
		body = bytes.NewReader(data)
	}

	var wrote atomic.Bool
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(httptrace.WroteRequestInfo) { wrote.Store(true) },
	})
	settle := func(err error) error {
		if !wrote.Load() || method == http.MethodGet || method == http.MethodPut || method == http.MethodDelete {
			return err
		}
		if e, ok := errors.As(err); ok && e.Kind != errors.KindAuthExpired {
			e.NoRetry()
		}
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, errors.Action(errors.KindBadRequest, "invalid request: "+err.Error())
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", req.ID)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range s.t.opts.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Map("headers") {
		httpReq.Header.Set(k, stringify(v))
	}
	if cred.Token != "" {
		httpReq.Header.Set(s.t.opts.AuthHeader, strings.TrimSpace(s.t.opts.AuthScheme+" "+cred.Token))
	}

	resp, err := s.t.client.Do(httpReq)
	if err != nil {
		return nil, settle(clients.ClassifyNetError(req.Operation, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.t.opts.MaxBody+1))
	if err != nil {
		return nil, settle(clients.ClassifyNetError(req.Operation, err))
	}
	if err := clients.ClassifyStatus(resp.StatusCode, snippet(data)); err != nil {
		return nil, settle(err)
	}
	if int64(len(data)) > s.t.opts.MaxBody {
		return nil, errors.Action(errors.KindBadRequest,
			fmt.Sprintf("%s: response body exceeds max_body (%d bytes)", req.Operation, s.t.opts.MaxBody))
	}

	out := &Response{Status: resp.StatusCode, Header: resp.Header}
	if len(data) > 0 {
		out.Body = decode(resp.Header.Get("Content-Type"), data)
	}
	return out, nil
}

func (s *session) Close(context.Context) error {
	if s.t.owned {
		s.t.client.CloseIdleConnections()
	}
	return nil
}

func decode(contentType string, data []byte) any {
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			return v
		}
	}
	return string(data)
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
