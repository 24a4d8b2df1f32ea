package main

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/ajitpratap0/actuator/pkg/clients"
	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/base"
	"github.com/ajitpratap0/actuator/pkg/connector/registry"
	"github.com/ajitpratap0/actuator/pkg/credential"
	"github.com/ajitpratap0/actuator/pkg/dispatcher"
	"github.com/ajitpratap0/actuator/pkg/logger"
	"github.com/ajitpratap0/actuator/pkg/observability"
)

// app is one configured connector and its dispatcher.
type app struct {
	settings   *config.Settings
	conn       *base.Connector
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger
	shutdown   observability.ShutdownFunc
}

// loadSettings layers the configuration file under the environment.
func loadSettings(flags *globalFlags) (*config.Settings, error) {
	if err := initLogger(flags.verbose, config.LoggingSettings{}); err != nil {
		return nil, err
	}

	var sources []config.Source
	if flags.configPath != "" {
		sources = append(sources, config.FileSource(flags.configPath))
	}
	sources = append(sources, config.EnvSource(config.EnvPrefix(envPackageName), os.Environ()))

	loader := config.NewLoader(config.DefaultSchema(), logger.Get())
	settings, err := config.LoadSettings(loader, sources...)
	if err != nil {
		return nil, err
	}
	if err := initLogger(flags.verbose, settings.Logging); err != nil {
		return nil, err
	}
	return settings, nil
}

func initLogger(verbose bool, s config.LoggingSettings) error {
	cfg := logger.Config{
		Level:       s.Level,
		Encoding:    s.Encoding,
		OutputPaths: []string{"stderr"},
	}
	if verbose {
		cfg.Level = "debug"
		cfg.Encoding = "console"
	}
	return logger.Init(cfg)
}

// newApp builds the connector and dispatcher. Nothing is dialled until the
// first action runs.
func newApp(ctx context.Context, settings *config.Settings) (*app, error) {
	log := logger.Get().With(
		zap.String("component", "actuator-cli"),
		zap.String("connector", settings.Name),
		zap.String("transport", settings.Transport))

	shutdown, err := observability.Setup(ctx, observability.Config{
		Enabled:        settings.Tracing.Enabled,
		ServiceName:    envPackageName,
		ServiceVersion: version,
		Writer:         os.Stderr,
	})
	if err != nil {
		return nil, err
	}

	httpClient := clients.NewHTTPClient(clients.DefaultHTTPConfig(), log)
	transport, err := registry.Create(settings, registry.Deps{Logger: log, HTTPClient: httpClient})
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	store, err := credential.NewStoreFromSettings(ctx, settings.Credentials, httpClient, log)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	conn := base.New(transport, store, base.OptionsFromSettings(settings, log))
	return &app{
		settings:   settings,
		conn:       conn,
		dispatcher: dispatcher.New(conn, dispatcher.BatchAction()),
		logger:     log,
		shutdown:   shutdown,
	}, nil
}

// close releases the connector and flushes traces.
func (a *app) close(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := a.dispatcher.Close(ctx); err != nil {
		a.logger.Debug("close", zap.Error(err))
	}
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn("failed to flush traces", zap.Error(err))
	}
	_ = logger.Sync()
}
