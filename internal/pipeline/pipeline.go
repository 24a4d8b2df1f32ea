// Package pipeline runs a plan of actions through a dispatcher.
//
// # Overview
//
// A plan is the ordered list of steps from settings.actions (or the CLI).
// The pipeline:
//   - validates every step before anything is sent, so a bad plan never
//     opens the connector
//   - runs steps in order on the one connector
//   - stops at the first fatal error, or at any error with StopOnError
//   - reports one Outcome per step
//
// # Basic Usage
//
//	p := pipeline.New(d, settings.Actions, pipeline.Config{DryRun: dryRun}, log)
//	report, err := p.Run(ctx)
package pipeline

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/errors"
	"github.com/ajitpratap0/actuator/pkg/logger"
)

// Dispatcher is the part of dispatcher.Dispatcher a pipeline drives.
type Dispatcher interface {
	Validate(name string, params map[string]any) (map[string]any, error)
	DispatchRequest(ctx context.Context, req *core.Request) core.Result
}

// Config controls a run.
type Config struct {
	// DryRun validates the plan without dispatching anything.
	DryRun bool
	// StopOnError stops at the first failed step, fatal or not.
	StopOnError bool
}

// Outcome reports one step.
type Outcome struct {
	Step     int           `json:"step"`
	Action   string        `json:"action"`
	Status   string        `json:"status"`
	Value    any           `json:"value,omitempty"`
	Error    string        `json:"error,omitempty"`
	Kind     string        `json:"kind,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// Report is the result of a run.
type Report struct {
	Outcomes []Outcome `json:"outcomes"`
	DryRun   bool      `json:"dry_run,omitempty"`
	// Skipped counts steps not run after an early stop.
	Skipped  int           `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Pipeline executes one plan.
type Pipeline struct {
	dispatcher Dispatcher
	steps      []config.PlanStep
	cfg        Config
	logger     *zap.Logger

	stepsRun    atomic.Int64
	stepsFailed atomic.Int64
}

// New creates a pipeline for steps.
func New(d Dispatcher, steps []config.PlanStep, cfg Config, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		dispatcher: d,
		steps:      steps,
		cfg:        cfg,
		logger:     log.With(zap.String("component", "pipeline")),
	}
}

// Validate checks every step against the dispatcher. A failing step is
// reported as a configuration error located at actions.<index>.
func (p *Pipeline) Validate() ([]map[string]any, error) {
	if len(p.steps) == 0 {
		return nil, errors.Config(errors.KindMissing, "settings:actions", "no actions to run")
	}
	validated := make([]map[string]any, len(p.steps))
	for i, step := range p.steps {
		params, err := p.dispatcher.Validate(step.Name, step.Params)
		if err != nil {
			e := errors.Wrap(err, errors.ErrorTypeConfig, "invalid step "+step.Name)
			where := "settings:actions." + strconv.Itoa(i)
			if path, ok := strings.CutPrefix(e.Where, "params:"); ok {
				where += ".params." + path
			}
			e.Where = where
			return nil, e
		}
		validated[i] = params
	}
	return validated, nil
}

// Run validates the plan and, unless DryRun, executes it. The returned error
// is the error that ended the run: a configuration error, the first fatal
// step error, cancellation, or else the first failed step.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{DryRun: p.cfg.DryRun}
	defer func() { report.Duration = time.Since(start) }()

	validated, err := p.Validate()
	if err != nil {
		return report, err
	}

	if p.cfg.DryRun {
		for i, step := range p.steps {
			report.Outcomes = append(report.Outcomes, Outcome{
				Step: i, Action: step.Name, Status: core.StatusOK, Value: validated[i],
			})
		}
		p.logger.Info("plan is valid", zap.Int("steps", len(p.steps)))
		return report, nil
	}

	var firstErr error
	for i, step := range p.steps {
		if ctx.Err() != nil {
			report.Skipped = len(p.steps) - i
			return report, errors.Conn(errors.KindCancelled, "run cancelled before "+step.Name, context.Cause(ctx))
		}

		outcome, res := p.runStep(ctx, i, step)
		report.Outcomes = append(report.Outcomes, outcome)
		if res.Err == nil {
			continue
		}
		if firstErr == nil {
			firstErr = res.Err
		}
		if errors.IsKind(res.Err, errors.KindCancelled) {
			report.Skipped = len(p.steps) - i - 1
			return report, res.Err
		}
		if res.Status() == core.StatusFatalError || p.cfg.StopOnError {
			report.Skipped = len(p.steps) - i - 1
			p.logger.Warn("stopping run", zap.String("action", step.Name), zap.Int("skipped", report.Skipped))
			return report, res.Err
		}
	}
	return report, firstErr
}

func (p *Pipeline) runStep(ctx context.Context, i int, step config.PlanStep) (Outcome, core.Result) {
	req := core.NewRequest(step.Name, step.Params)
	req.Timeout = step.Timeout
	ctx = logger.NewContext(ctx, req.ID, step.Name)
	log := logger.WithContext(ctx, p.logger).With(zap.Int("step", i))

	start := time.Now()
	res := p.dispatcher.DispatchRequest(ctx, req)
	p.stepsRun.Add(1)

	outcome := Outcome{
		Step:     i,
		Action:   step.Name,
		Status:   res.Status(),
		Value:    res.Value,
		Attempts: res.Attempts,
		Duration: time.Since(start),
	}
	if res.Err != nil {
		p.stepsFailed.Add(1)
		outcome.Error = summary(res.Err)
		outcome.Kind = string(res.Kind())
		log.Warn("step failed", zap.String("status", outcome.Status), zap.Error(res.Err))
	} else {
		log.Info("step succeeded", zap.Int("attempts", res.Attempts), zap.Duration("duration", outcome.Duration))
	}
	return outcome, res
}

// Metrics returns run counters
func (p *Pipeline) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"steps_planned": len(p.steps),
		"steps_run":     p.stepsRun.Load(),
		"steps_failed":  p.stepsFailed.Load(),
	}
}

func summary(err error) string {
	if e, ok := errors.As(err); ok {
		return e.Summary()
	}
	return err.Error()
}
