package sql

import (
	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/connector/registry"
)

func init() {
	// Register the SQL transport in the global registry
	_ = registry.Register(registry.TransportInfo{
		Name:        Name,
		Description: "relational database through pgx, lib/pq or go-sql-driver/mysql",
		Endpoint:    "driver DSN, e.g. postgres://user@host:5432/db",
		Options:     []string{"driver", "max_open_conns", "max_idle_conns", "conn_max_lifetime", "max_rows"},
	}, func(settings *config.Settings, deps registry.Deps) (core.Transport, error) {
		var opts Options
		if err := config.DecodeInto(settings.Options, &opts, "options"); err != nil {
			return nil, err
		}
		return New(settings.Endpoint, opts, deps.Logger), nil
	})
}
