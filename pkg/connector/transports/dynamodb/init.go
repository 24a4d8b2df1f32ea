package dynamodb

import (
	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/connector/registry"
)

func init() {
	// Register the DynamoDB transport in the global registry
	_ = registry.Register(registry.TransportInfo{
		Name:        Name,
		Description: "Amazon DynamoDB table",
		Endpoint:    "table name",
		Options:     []string{"region", "endpoint_url", "hash_key", "consistent_read"},
	}, func(settings *config.Settings, deps registry.Deps) (core.Transport, error) {
		var opts Options
		if err := config.DecodeInto(settings.Options, &opts, "options"); err != nil {
			return nil, err
		}
		return New(settings.Endpoint, opts, deps.Logger), nil
	})
}
