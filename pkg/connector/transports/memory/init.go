package memory

import (
	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/connector/registry"
)

func init() {
	// Register the memory transport in the global registry
	_ = registry.Register(registry.TransportInfo{
		Name:        Name,
		Description: "in-process key-value store with optional snapshot file",
		Endpoint:    "store name",
		Options:     []string{"snapshot", "latency"},
	}, func(settings *config.Settings, deps registry.Deps) (core.Transport, error) {
		var opts Options
		if err := config.DecodeInto(settings.Options, &opts, "options"); err != nil {
			return nil, err
		}
		return New(settings.Endpoint, opts, deps.Logger), nil
	})
}
