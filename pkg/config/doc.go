// Package config loads and validates connector configuration.
//
// A configuration is described by a Schema and loaded from one or more
// Sources into an immutable Record. Settings is the typed view the connector,
// the dispatcher and the CLI consume.
//
// # Sources
//
//   - FileSource: YAML, JSON or TOML file parsed through viper, with ${VAR}
//     substitution
//   - BytesSource: in-memory YAML or JSON document
//   - MapSource: in-memory mapping
//   - EnvSource: environment snapshot with a fixed prefix
//
// # Layering
//
// LoadLayers merges sources left to right and validates the result once:
//
//	loader := config.NewLoader(config.DefaultSchema(), logger.Get())
//	record, err := loader.LoadLayers(
//		config.FileSource("actuator.yaml"),
//		config.EnvSource(config.EnvPrefix("actuator"), os.Environ()),
//	)
//
// Nested records merge recursively; lists are replaced, never concatenated.
// Merge(r, Empty) and Merge(Empty, r) both return r.
//
// # Environment Overrides
//
// EnvPrefix("actuator") is "ACTUATOR_". The remainder of a variable name is
// lower-cased and "__" separates nesting levels:
//
//	ACTUATOR_RETRY_MAX=5
//	ACTUATOR_CREDENTIALS__REFRESH__TYPE=oauth2
//
// Environment values are strings and are coerced to the declared kind.
//
// # Validation
//
// Unknown top-level keys are an error. Unknown nested keys are logged as a
// warning unless the enclosing record is Closed. Every failure is an
// *errors.Error of type config whose Where field reads source:dotted.path:
//
//	config(missing) at actuator.yaml:endpoint: required key is missing
//	config(unknown-key) at env:retry_mux: unknown key
//
// # Secrets
//
// Fields marked Secret are rendered as ****** by Record.String, so a record
// can be logged safely.
package config
