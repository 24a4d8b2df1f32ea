package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/actuator/internal/pipeline"
	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/base"
	"github.com/ajitpratap0/actuator/pkg/errors"
	"github.com/ajitpratap0/actuator/pkg/json"
	"github.com/ajitpratap0/actuator/pkg/server"
)

func newRunCmd(flags *globalFlags, stdout io.Writer) *cobra.Command {
	var (
		dryRun      bool
		stopOnError bool
		action      string
		params      []string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured actions",
		Long: `Run the actions listed under "actions" in the configuration, in order,
through one connection. --action runs a single action instead.

Example:
  actuator run --config orders.yaml
  actuator run --config orders.yaml --action get --param key=orders/1
  actuator run --config orders.yaml --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			settings, err := loadSettings(flags)
			if err != nil {
				return err
			}

			steps := settings.Actions
			if action != "" {
				p, err := parseParams(params)
				if err != nil {
					return err
				}
				steps = []config.PlanStep{{Name: action, Params: p, Timeout: timeout}}
			}

			a, err := newApp(ctx, settings)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			a.logger.Info("starting run", zap.Int("steps", len(steps)), zap.Bool("dry_run", dryRun))
			p := pipeline.New(a.dispatcher, steps, pipeline.Config{DryRun: dryRun, StopOnError: stopOnError}, a.logger)
			report, runErr := p.Run(ctx)
			if err := writeJSON(stdout, report); err != nil {
				a.logger.Warn("failed to write report", zap.Error(err))
			}
			a.logger.Info("run finished", zap.Any("metrics", p.Metrics()), zap.Duration("duration", report.Duration))
			return runErr
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate the configuration and actions without connecting")
	cmd.Flags().BoolVar(&stopOnError, "stop-on-error", false, "Stop at the first failed action, not only at fatal errors")
	cmd.Flags().StringVarP(&action, "action", "a", "", "Run this action instead of the configured list")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Action parameter key=value; values are parsed as YAML scalars")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-attempt timeout for --action (default: the action's or connector's)")
	return cmd
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		listen         string
		healthInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the actions over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			settings, err := loadSettings(flags)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, settings)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			health := base.NewHealthChecker(a.conn, healthInterval)
			health.Start(ctx)
			defer health.Stop()

			srv := server.New(a.dispatcher, health, a.logger)
			return srv.ListenAndServe(ctx, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", defaultListen, "Listen address")
	cmd.Flags().DurationVar(&healthInterval, "health-interval", 30*time.Second, "Interval between health checks")
	return cmd
}

func newActionsCmd(flags *globalFlags, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "List the actions the configured transport supports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(flags)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			fmt.Fprintf(stdout, "Actions of %s (%s):\n", settings.Name, settings.Transport)
			for _, action := range a.dispatcher.Describe() {
				fmt.Fprintf(stdout, "  - %-16s %s\n", action.Name, action.Description)
				for _, name := range sortedKeys(action.Params.Fields) {
					field := action.Params.Fields[name]
					req := ""
					if field.Required {
						req = " (required)"
					}
					fmt.Fprintf(stdout, "      %s: %s%s\n", name, field.Kind, req)
				}
			}
			return nil
		},
	}
}

// parseParams turns key=value pairs into action params. Values are YAML
// scalars or flow collections, so 3, true and [a, b] keep their types.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, errors.Config(errors.KindParseFailed, "flags:param", "expected key=value, got "+pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		out[key] = value
	}
	return out, nil
}

func writeJSON(w io.Writer, v any) error {
	return json.EncodeIndent(w, v)
}

func sortedKeys(fields map[string]config.Field) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
