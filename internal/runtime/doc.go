/*
Package runtime runs the relay: it consumes post events from the durable
queue, applies them to the record store and acknowledges each message only
after the store write and the live notification have happened.

# Components

  - Service (service.go) builds the queue transport from the registry and
    owns the Watermill router.
  - RegisterRelay (relay.go) subscribes the relay handler to the queue.
  - Producer (producer.go) publishes events to the same queue.
  - The middleware chain (middleware.go) adds correlation ids, debug
    logging, tracing, router metrics, throttling and panic recovery, and
    acknowledges malformed payloads instead of redelivering them.
  - RelayHooks (hooks.go) observe every outcome; the built-in hooks log and
    feed RelayMetrics.
  - HandlerStats (stats.go) back the /api/handlers endpoint.

# Outcomes

A message is acknowledged when its event was applied, when it was a
duplicate create, or when its payload can never be applied. A store failure
leaves it unacknowledged and the broker redelivers it.

	svc, err := runtime.NewService(ctx, conf, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := runtime.RegisterRelay(svc, runtime.RelayConfig{Posts: postsService}); err != nil {
		return err
	}
	return svc.Start(ctx)

# Sub-packages

  - config/: configuration loading and validation
  - errors/: sentinel errors and error types
  - ids/: ULIDs and idempotency keys
  - jsoncodec/: JSON encoding
  - logging/: logger interface and adapters
*/
package runtime
