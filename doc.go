// Package actuator runs named actions against one configured resource:
// a database, cache, queue, object store or HTTP API.
//
// An actuator run has three stages. Configuration is loaded from layered
// sources and validated against a schema. A connector opens the resource
// lazily and keeps it usable through retries and credential refresh. A
// dispatcher maps action names to operations on that connector.
//
// # Quick Start
//
// Run a plan from a YAML file:
//
//	# orders.yaml
//	name: orders
//	transport: redis
//	endpoint: localhost:6379
//	retry_max: 3
//	actions:
//	  - name: set
//	    params: {key: orders/1, value: pending}
//	  - name: get
//	    params: {key: orders/1}
//
//	$ actuator run --config orders.yaml
//
// Or use the packages directly:
//
//	loader := config.NewLoader(config.DefaultSchema(), log)
//	settings, err := config.LoadSettings(loader,
//	    config.FileSource("orders.yaml"),
//	    config.EnvSource(config.EnvPrefix("actuator"), os.Environ()))
//	if err != nil {
//	    return err
//	}
//	transport, err := registry.Create(settings, registry.Deps{Logger: log})
//	if err != nil {
//	    return err
//	}
//	conn := base.New(transport, store, base.OptionsFromSettings(settings, log))
//	d := dispatcher.New(conn, dispatcher.BatchAction())
//	defer d.Close(ctx)
//
//	res := d.Dispatch(ctx, "get", map[string]any{"key": "orders/1"})
//
// # Key Packages
//
//	pkg/config       - Layered configuration records, schemas and settings
//	pkg/connector    - Connector state machine, retry, registry and transports
//	pkg/credential   - Credential providers and refresh
//	pkg/dispatcher   - Named actions, composite actions and batches
//	pkg/errors       - Typed errors with kind, location and cause chain
//	pkg/server       - HTTP front end for a dispatcher
//	pkg/logger       - Structured logging
//	pkg/metrics      - Prometheus metrics
//	internal/pipeline - Ordered execution of configured action plans
//
// # Configuration
//
// Every setting can be overridden from the environment with the ACTUATOR_
// prefix. Nested keys use a double underscore:
//
//	ACTUATOR_RETRY_MAX=5
//	ACTUATOR_CREDENTIALS__REFRESH__CLIENT_SECRET=...
//
// # Exit Codes
//
//	0  success
//	1  fatal or failed action
//	2  configuration error
//	3  cancelled
package actuator
