package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/actuator/pkg/connector/registry"
	"github.com/ajitpratap0/actuator/pkg/errors"

	// Import all available transports to register them
	_ "github.com/ajitpratap0/actuator/pkg/connector/transports/dynamodb"
	_ "github.com/ajitpratap0/actuator/pkg/connector/transports/gcs"
	_ "github.com/ajitpratap0/actuator/pkg/connector/transports/http"
	_ "github.com/ajitpratap0/actuator/pkg/connector/transports/kafka"
	_ "github.com/ajitpratap0/actuator/pkg/connector/transports/memory"
	_ "github.com/ajitpratap0/actuator/pkg/connector/transports/mongodb"
	_ "github.com/ajitpratap0/actuator/pkg/connector/transports/redis"
	_ "github.com/ajitpratap0/actuator/pkg/connector/transports/s3"
	_ "github.com/ajitpratap0/actuator/pkg/connector/transports/sql"
	_ "github.com/ajitpratap0/actuator/pkg/connector/transports/sqs"
)

var version = "0.1.0"

// Exit codes
const (
	ExitOK        = 0
	ExitFatal     = 1
	ExitConfig    = 2
	ExitCancelled = 3
)

const (
	envPackageName = "actuator"
	defaultListen  = ":8080"
	defaultDotEnv  = ".env"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load(defaultDotEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	verbose    bool
}

// execute runs the CLI and maps the outcome to an exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags := &globalFlags{}
	root := newRootCmd(flags, stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	report(stderr, err, flags.verbose)
	return ExitCode(err)
}

func newRootCmd(flags *globalFlags, stdout io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "actuator",
		Short: "Actuator - run named actions against a configured resource",
		Long: `Actuator loads a connector configuration, opens one resource connection
(database, queue, object store or HTTP API) with retry and credential refresh,
and dispatches named actions against it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to the configuration file (YAML, JSON or TOML)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Debug logging and full error chains")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errors.Config(errors.KindUnknownKey, "flags", err.Error())
	})

	// Version command
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "Actuator v%s\n", version)
			fmt.Fprintf(stdout, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(stdout, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	// Transports command to show registered transports
	root.AddCommand(&cobra.Command{
		Use:   "transports",
		Short: "List available transports",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(stdout, "Available Transports:")
			for _, name := range registry.List() {
				info, _ := registry.Info(name)
				fmt.Fprintf(stdout, "  - %-10s %s\n", name, info.Description)
				fmt.Fprintf(stdout, "    %-10s endpoint: %s\n", "", info.Endpoint)
			}
		},
	})

	root.AddCommand(newRunCmd(flags, stdout))
	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newActionsCmd(flags, stdout))
	return root
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.IsKind(err, errors.KindCancelled):
		return ExitCancelled
	case errors.IsType(err, errors.ErrorTypeConfig):
		return ExitConfig
	default:
		return ExitFatal
	}
}

// report prints a one-line summary, or the whole chain when verbose.
func report(w io.Writer, err error, verbose bool) {
	chain := errors.Chain(err)
	if len(chain) == 0 {
		return
	}
	fmt.Fprintf(w, "error: %s\n", chain[0])
	if !verbose {
		return
	}
	for _, cause := range chain[1:] {
		fmt.Fprintf(w, "  caused by: %s\n", cause)
	}
}
