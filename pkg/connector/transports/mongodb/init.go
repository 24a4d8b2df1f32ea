package mongodb

import (
	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/connector/registry"
)

func init() {
	// Register the MongoDB transport in the global registry
	_ = registry.Register(registry.TransportInfo{
		Name:        Name,
		Description: "MongoDB database",
		Endpoint:    "mongodb:// or mongodb+srv:// URI",
		Options: []string{"database", "collection", "username", "auth_source", "auth_mechanism",
			"server_selection_timeout", "max_pool_size"},
	}, func(settings *config.Settings, deps registry.Deps) (core.Transport, error) {
		var opts Options
		if err := config.DecodeInto(settings.Options, &opts, "options"); err != nil {
			return nil, err
		}
		return New(settings.Endpoint, opts, deps.Logger), nil
	})
}
