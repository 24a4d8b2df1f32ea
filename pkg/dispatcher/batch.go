package dispatcher

import (
	"context"
	"strconv"
	"strings"

	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/errors"
)

// BatchName is the name of the built-in composite action.
const BatchName = "batch"

// StepOutcome reports one step of a batch.
type StepOutcome struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Value    any    `json:"value,omitempty"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`
}

// BatchAction returns the "batch" action. It runs params.steps, each a
// record {name, params}, in order through the same connector. Every step is
// validated before the first one runs, so a bad step leaves the resource
// untouched. The value is the list of StepOutcome. With stop_on_error (the
// default) the first failed step ends the batch and its error is returned
// alongside the outcomes so far.
func BatchAction() Action {
	return Action{
		Name:        BatchName,
		Description: "run several actions in order on one connection",
		Params: config.Schema{Fields: map[string]config.Field{
			"steps":         {Kind: config.KindList, Required: true},
			"stop_on_error": {Kind: config.KindBool, Default: true},
		}},
		Prepare: prepareBatch,
		Handler: runBatch,
	}
}

func prepareBatch(d *Dispatcher, params map[string]any) (map[string]any, error) {
	raw, _ := params["steps"].([]any)
	steps := make([]any, 0, len(raw))
	for i, item := range raw {
		where := "params:steps." + strconv.Itoa(i)
		step, ok := item.(map[string]any)
		name, _ := step["name"].(string)
		if !ok || name == "" {
			return nil, stepError(where, "batch: every step needs a name", nil)
		}
		if name == BatchName {
			return nil, stepError(where, "batch: steps cannot be batches", nil)
		}
		var stepParams map[string]any
		if p, present := step["params"]; present && p != nil {
			if stepParams, ok = p.(map[string]any); !ok {
				return nil, stepError(where+".params", "batch: step params must be a record", nil)
			}
		}
		validated, err := d.Validate(name, stepParams)
		if err != nil {
			inner := ""
			if e, ok := errors.As(err); ok {
				inner, _ = strings.CutPrefix(e.Where, "params:")
			}
			if inner != "" {
				where += ".params." + inner
			}
			return nil, stepError(where, "batch: step "+strconv.Itoa(i)+" ("+name+") is invalid", err)
		}
		steps = append(steps, map[string]any{"name": name, "params": validated})
	}

	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	out["steps"] = steps
	return out, nil
}

func stepError(where, msg string, cause error) error {
	e := errors.Action(errors.KindBadRequest, msg)
	e.Where = where
	e.Cause = cause
	return e
}

func runBatch(ctx context.Context, call *Call, params map[string]any) core.Result {
	steps, _ := params["steps"].([]any)
	stop, _ := params["stop_on_error"].(bool)

	outcomes := make([]StepOutcome, 0, len(steps))
	attempts := 0
	for _, raw := range steps {
		step, _ := raw.(map[string]any)
		name, _ := step["name"].(string)
		stepParams, _ := step["params"].(map[string]any)

		res := call.Dispatch(ctx, name, stepParams)
		attempts += res.Attempts
		outcome := StepOutcome{Name: name, Status: res.Status(), Value: res.Value, Attempts: res.Attempts}
		if res.Err != nil {
			outcome.Error = res.Err.Error()
		}
		outcomes = append(outcomes, outcome)

		if res.Err != nil && (stop || errors.IsFatal(res.Err)) {
			return core.Result{Value: outcomes, Err: res.Err, Attempts: attempts}
		}
	}
	return core.Result{Value: outcomes, Attempts: attempts}
}
