package s3

import (
	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/connector/registry"
)

func init() {
	// Register the S3 transport in the global registry
	_ = registry.Register(registry.TransportInfo{
		Name:        Name,
		Description: "Amazon S3 or S3 compatible bucket",
		Endpoint:    "bucket name",
		Options:     []string{"region", "endpoint_url", "use_path_style", "max_body"},
	}, func(settings *config.Settings, deps registry.Deps) (core.Transport, error) {
		var opts Options
		if err := config.DecodeInto(settings.Options, &opts, "options"); err != nil {
			return nil, err
		}
		return New(settings.Endpoint, opts, deps.Logger), nil
	})
}
