package kafka

import (
	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/connector/registry"
)

func init() {
	// Register the Kafka transport in the global registry
	_ = registry.Register(registry.TransportInfo{
		Name:        Name,
		Description: "Apache Kafka producer",
		Endpoint:    "comma separated brokers, e.g. kafka-1:9092,kafka-2:9092",
		Options: []string{"topic", "client_id", "acks", "compression", "sasl_mechanism",
			"sasl_username", "tls", "avro_schema", "dial_timeout", "version"},
	}, func(settings *config.Settings, deps registry.Deps) (core.Transport, error) {
		var opts Options
		if err := config.DecodeInto(settings.Options, &opts, "options"); err != nil {
			return nil, err
		}
		return New(settings.Endpoint, opts, deps.Logger), nil
	})
}
