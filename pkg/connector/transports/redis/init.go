package redis

import (
	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/connector/registry"
)

func init() {
	// Register the Redis transport in the global registry
	_ = registry.Register(registry.TransportInfo{
		Name:        Name,
		Description: "Redis key-value store; the credential token is the password",
		Endpoint:    "redis://[user@]host:port/db or host:port",
		Options:     []string{"username", "db", "pool_size", "tls", "prefix"},
	}, func(settings *config.Settings, deps registry.Deps) (core.Transport, error) {
		var opts Options
		if err := config.DecodeInto(settings.Options, &opts, "options"); err != nil {
			return nil, err
		}
		return New(settings.Endpoint, opts, deps.Logger), nil
	})
}
