// Package server exposes a dispatcher over HTTP.
//
// Routes:
//
//	GET  /actions          declared actions
//	POST /actions/{name}   dispatch; the body is the JSON params record
//	GET  /healthz          connector health
//	GET  /metrics          Prometheus metrics
package server

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ajitpratap0/actuator/pkg/connector/base"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/dispatcher"
	"github.com/ajitpratap0/actuator/pkg/errors"
	"github.com/ajitpratap0/actuator/pkg/json"
	"github.com/ajitpratap0/actuator/pkg/observability"
)

// RequestIDHeader carries the caller's request ID.
const RequestIDHeader = "X-Request-ID"

// maxBody bounds the params document of one request.
const maxBody = 4 << 20

// ActionInfo describes one action in GET /actions.
type ActionInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Idempotent  bool     `json:"idempotent"`
	Timeout     string   `json:"timeout,omitempty"`
	Params      []string `json:"params,omitempty"`
}

// ErrorBody is the error part of a Response.
type ErrorBody struct {
	Type    string `json:"type"`
	Kind    string `json:"kind,omitempty"`
	Where   string `json:"where,omitempty"`
	Message string `json:"message"`
}

// Response is the body of POST /actions/{name}.
type Response struct {
	RequestID string     `json:"request_id"`
	Action    string     `json:"action"`
	Status    string     `json:"status"`
	Value     any        `json:"value,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
	Attempts  int        `json:"attempts"`
}

// Server serves one dispatcher.
type Server struct {
	dispatcher *dispatcher.Dispatcher
	health     *base.HealthChecker
	logger     *zap.Logger
	router     *mux.Router
}

// New builds the router. health may be nil.
func New(d *dispatcher.Dispatcher, health *base.HealthChecker, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		dispatcher: d,
		health:     health,
		logger:     log.With(zap.String("component", "server")),
		router:     mux.NewRouter(),
	}
	s.router.Use(observability.TracingMiddleware("actuator"))
	s.router.HandleFunc("/actions", s.listActions).Methods(http.MethodGet)
	s.router.HandleFunc("/actions/{name}", s.dispatch).Methods(http.MethodPost)
	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, errors.ErrorTypeInternal, "server stopped")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "server shutdown")
	}
	if err := <-errCh; err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, errors.ErrorTypeInternal, "server stopped")
	}
	return nil
}

func (s *Server) listActions(w http.ResponseWriter, _ *http.Request) {
	actions := s.dispatcher.Describe()
	out := make([]ActionInfo, 0, len(actions))
	for _, a := range actions {
		info := ActionInfo{Name: a.Name, Description: a.Description, Idempotent: a.Idempotent}
		if a.Timeout > 0 {
			info.Timeout = a.Timeout.String()
		}
		for name := range a.Params.Fields {
			info.Params = append(info.Params, name)
		}
		sort.Strings(info.Params)
		out = append(out, info)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	req := core.NewRequest(name, nil)
	if id := r.Header.Get(RequestIDHeader); id != "" {
		req.ID = id
	}
	if t := r.URL.Query().Get("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil || d < 0 {
			s.writeResult(w, req, core.Fail(errors.Action(errors.KindBadRequest, "invalid timeout "+t)))
			return
		}
		req.Timeout = d
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		e := errors.Action(errors.KindBadRequest, "cannot read request body")
		e.Cause = err
		s.writeResult(w, req, core.Fail(e))
		return
	}
	if len(body) > maxBody {
		s.writeResult(w, req, core.Fail(errors.Action(errors.KindBadRequest, "request body too large")))
		return
	}
	params, err := json.DecodeObject(body)
	if err != nil {
		e := errors.Action(errors.KindBadRequest, "params must be a JSON object")
		e.Cause = err
		s.writeResult(w, req, core.Fail(e))
		return
	}
	req.Params = params

	res := s.dispatcher.DispatchRequest(r.Context(), req)
	s.writeResult(w, req, res)
}

func (s *Server) writeResult(w http.ResponseWriter, req *core.Request, res core.Result) {
	w.Header().Set(RequestIDHeader, req.ID)
	resp := Response{
		RequestID: req.ID,
		Action:    req.Operation,
		Status:    res.Status(),
		Value:     res.Value,
		Attempts:  res.Attempts,
	}
	if res.Err != nil {
		resp.Error = errorBody(res.Err)
	}
	s.writeJSON(w, StatusCode(res), resp)
}

func errorBody(err error) *ErrorBody {
	e, ok := errors.As(err)
	if !ok {
		return &ErrorBody{Type: string(errors.ErrorTypeInternal), Message: err.Error()}
	}
	return &ErrorBody{Type: string(e.Type), Kind: string(e.Kind), Where: e.Where, Message: e.Summary()}
}

// StatusCode maps a result to an HTTP status.
func StatusCode(res core.Result) int {
	if res.Err == nil {
		return http.StatusOK
	}
	switch res.Kind() {
	case errors.KindUnknownAction:
		return http.StatusNotFound
	case errors.KindBadRequest:
		return http.StatusBadRequest
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	case errors.KindCancelled, errors.KindRefused, errors.KindServerError, errors.KindAuthExpired:
		return http.StatusServiceUnavailable
	case errors.KindInvalidState:
		return http.StatusGone
	}
	if res.Status() == core.StatusFatalError {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		s.writeJSON(w, http.StatusOK, core.HealthStatus{Status: base.Healthy, Timestamp: time.Now()})
		return
	}
	status := s.health.Status()
	code := http.StatusOK
	if status.Status == base.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	buf := json.GetBuffer()
	defer json.PutBuffer(buf)
	if err := json.Encode(buf, v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
		http.Error(w, `{"status":"fatal_error"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(code)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}
