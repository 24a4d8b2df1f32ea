package http

import (
	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/connector/registry"
)

func init() {
	// Register the HTTP transport in the global registry
	_ = registry.Register(registry.TransportInfo{
		Name:        Name,
		Description: "JSON HTTP API with bearer token authentication",
		Endpoint:    "base URL, e.g. https://api.example.com/v1",
		Options:     []string{"headers", "auth_header", "auth_scheme", "ping_path", "http2", "max_body"},
	}, func(settings *config.Settings, deps registry.Deps) (core.Transport, error) {
		var opts Options
		if err := config.DecodeInto(settings.Options, &opts, "options"); err != nil {
			return nil, err
		}
		return New(settings.Endpoint, opts, deps.HTTPClient, deps.Logger), nil
	})
}
