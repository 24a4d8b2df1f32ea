// Package connector groups the pieces that turn a validated configuration
// into one live resource connection.
//
// # Architecture Overview
//
// The connector package is organized into several sub-packages:
//
//   - core: the Transport and Session interfaces every resource implements,
//     the Request/Result types that cross them, and the connector state
//     machine (unopened, open, refreshing, closed).
//
//   - base: Connector, which owns one Session and adds lazy open, retry with
//     backoff, credential refresh on auth-expired, per-attempt timeouts,
//     an optional circuit breaker and rate limit, metrics and health checks.
//
//   - registry: a factory table for transports. Transports self-register from
//     init, so a binary only carries the ones it imports.
//
//   - transports: the resources themselves (memory, http, sql, redis, kafka,
//     sqs, s3, gcs, dynamodb, mongodb). Each declares the actions it supports
//     and maps its client errors onto the error kinds in pkg/errors.
//
// # Error Handling
//
// Transports return *errors.Error values. The base connector
// retries kinds that are transient (timeout, refused, server-error), refreshes
// credentials once on auth-expired, and gives up immediately on everything
// else. The caller sees the last error wrapped with the attempt count.
//
// # Usage
//
// Settings come from pkg/config; the dispatcher in pkg/dispatcher is the usual
// caller:
//
//	transport, err := registry.Create(settings, registry.Deps{Logger: log})
//	if err != nil {
//		return err
//	}
//	conn := base.New(transport, store, base.OptionsFromSettings(settings, log))
//	d := dispatcher.New(conn)
//	defer d.Close(ctx)
package connector
