// Package dispatcher exposes a finite, named set of actions against one
// connector.
//
// Actions are declared by the transport (core.ActionSpec) and may be extended
// or overridden with composite actions whose handlers call back into the same
// connector:
//
//	d := dispatcher.New(conn, dispatcher.BatchAction())
//	defer d.Close(ctx)
//
//	res := d.Dispatch(ctx, "get", map[string]any{"key": "orders/1"})
//	if res.Err != nil {
//		return res.Err
//	}
//
// # Validation
//
// Parameters are checked against the action's schema before the connector
// is touched. Unknown action names and schema violations never open the
// connector.
package dispatcher

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/errors"
	"github.com/ajitpratap0/actuator/pkg/logger"
	"github.com/ajitpratap0/actuator/pkg/metrics"
)

// TracerName is the instrumentation scope of dispatch spans.
const TracerName = "github.com/ajitpratap0/actuator/pkg/dispatcher"

// maxDepth bounds nested Dispatch calls from composite actions.
const maxDepth = 8

// Connector is the part of base.Connector the dispatcher drives.
type Connector interface {
	Name() string
	Transport() core.Transport
	Execute(ctx context.Context, req *core.Request) core.Result
	Close(ctx context.Context) error
}

// Handler implements a composite action. params have already been validated
// against the action schema.
type Handler func(ctx context.Context, call *Call, params map[string]any) core.Result

// Action is one named operation.
type Action struct {
	Name        string
	Description string
	Params      config.Schema
	// Timeout bounds each connector attempt made for the action.
	Timeout    time.Duration
	Idempotent bool
	// Handler is nil for actions forwarded to the connector as-is.
	Handler Handler
	// Prepare runs after the schema check and before anything reaches the
	// connector. It may reject params the schema cannot express and returns
	// the params the handler will see.
	Prepare func(d *Dispatcher, params map[string]any) (map[string]any, error)
}

// FromSpec converts a transport action declaration.
func FromSpec(spec core.ActionSpec) Action {
	return Action{
		Name:        spec.Name,
		Description: spec.Description,
		Params:      spec.Params,
		Timeout:     spec.Timeout,
		Idempotent:  spec.Idempotent,
	}
}

// Dispatcher routes action names to implementations. It owns its connector
// and holds no mutable state of its own.
type Dispatcher struct {
	conn    Connector
	actions map[string]Action
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates a dispatcher with the transport's actions plus extra. An extra
// action replaces a transport action of the same name.
func New(conn Connector, extra ...Action) *Dispatcher {
	d := &Dispatcher{
		conn:    conn,
		actions: make(map[string]Action),
		logger: logger.Get().With(
			zap.String("component", "dispatcher"),
			zap.String("connector", conn.Name())),
		tracer: otel.Tracer(TracerName),
	}
	for _, spec := range conn.Transport().Actions() {
		d.actions[spec.Name] = FromSpec(spec)
	}
	for _, a := range extra {
		d.actions[a.Name] = a
	}
	return d
}

// Actions returns the sorted action names.
func (d *Dispatcher) Actions() []string {
	names := make([]string, 0, len(d.actions))
	for name := range d.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns the declared actions sorted by name.
func (d *Dispatcher) Describe() []Action {
	out := make([]Action, 0, len(d.actions))
	for _, name := range d.Actions() {
		out = append(out, d.actions[name])
	}
	return out
}

// Lookup returns the action called name.
func (d *Dispatcher) Lookup(name string) (Action, bool) {
	a, ok := d.actions[name]
	return a, ok
}

// Connector returns the owned connector
func (d *Dispatcher) Connector() Connector { return d.conn }

// Validate checks that name is declared and params satisfy its schema. It
// returns the params with defaults applied.
func (d *Dispatcher) Validate(name string, params map[string]any) (map[string]any, error) {
	action, ok := d.actions[name]
	if !ok {
		return nil, errors.Action(errors.KindUnknownAction, "unknown action "+name).
			WithDetail("known", d.Actions())
	}
	return d.validate(action, params, d.logger)
}

func (d *Dispatcher) validate(action Action, params map[string]any, log *zap.Logger) (map[string]any, error) {
	params, err := validateParams(action, params, log)
	if err != nil || action.Prepare == nil {
		return params, err
	}
	return action.Prepare(d, params)
}

func validateParams(action Action, params map[string]any, log *zap.Logger) (map[string]any, error) {
	if params == nil {
		params = map[string]any{}
	}
	record, err := action.Params.Validate("params", params, log)
	if err != nil {
		e := errors.Action(errors.KindBadRequest, action.Name+": invalid parameters")
		if cfg, ok := errors.As(err); ok {
			e.Where = cfg.Where
		}
		e.Cause = err
		return nil, e
	}
	return record.Map(), nil
}

// Dispatch runs the action called name.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, params map[string]any) core.Result {
	return d.DispatchRequest(ctx, core.NewRequest(name, params))
}

// DispatchRequest runs the action named by req.Operation. A non-zero
// req.Timeout overrides the action timeout.
func (d *Dispatcher) DispatchRequest(ctx context.Context, req *core.Request) core.Result {
	return d.dispatch(ctx, req, 0)
}

func (d *Dispatcher) dispatch(ctx context.Context, req *core.Request, depth int) core.Result {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	timer := metrics.NewTimer()
	label := req.Operation

	ctx, span := d.tracer.Start(ctx, "dispatch "+req.Operation, trace.WithAttributes(
		attribute.String("actuator.connector", d.conn.Name()),
		attribute.String("actuator.action", req.Operation),
		attribute.String("actuator.request_id", req.ID)))
	defer span.End()

	ctx = logger.NewContext(ctx, req.ID, req.Operation)
	log := logger.WithContext(ctx, d.logger)

	res := func() core.Result {
		action, ok := d.actions[req.Operation]
		if !ok {
			label = "unknown"
			_, err := d.Validate(req.Operation, nil)
			return core.Fail(err)
		}
		if depth > maxDepth {
			return core.Fail(errors.Action(errors.KindBadRequest, req.Operation+": actions nested too deeply"))
		}
		params, err := d.validate(action, req.Params, log)
		if err != nil {
			return core.Fail(err)
		}
		if req.Timeout > 0 {
			action.Timeout = req.Timeout
		}

		call := &Call{d: d, action: action, id: req.ID, depth: depth}
		if action.Handler == nil {
			return call.Execute(ctx, action.Name, params)
		}
		return action.Handler(ctx, call, params)
	}()

	status := res.Status()
	metrics.ActionLatency.WithLabelValues(d.conn.Name(), label, status).Observe(timer.Stop().Seconds())
	span.SetAttributes(attribute.String("actuator.status", status))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Kind()))
		log.Debug("action failed", zap.String("status", status), zap.Error(res.Err))
	} else {
		log.Debug("action succeeded", zap.Int("attempts", res.Attempts))
	}
	return res
}

// Close closes the owned connector.
func (d *Dispatcher) Close(ctx context.Context) error {
	return d.conn.Close(ctx)
}

// Call is the view of the dispatcher given to a composite handler. Work done
// through a Call shares the dispatcher's connector.
type Call struct {
	d      *Dispatcher
	action Action
	id     string
	depth  int
}

// Action returns the action being run
func (c *Call) Action() Action { return c.action }

// Execute sends operation straight to the connector with the action's
// timeout and idempotency.
func (c *Call) Execute(ctx context.Context, operation string, params map[string]any) core.Result {
	req := core.NewRequest(operation, params)
	req.Timeout = c.action.Timeout
	req.Idempotent = c.action.Idempotent
	if c.action.Handler == nil {
		req.ID = c.id
	}
	return c.d.conn.Execute(ctx, req)
}

// Dispatch runs another declared action, validating its parameters.
func (c *Call) Dispatch(ctx context.Context, name string, params map[string]any) core.Result {
	return c.d.dispatch(ctx, core.NewRequest(name, params), c.depth+1)
}
