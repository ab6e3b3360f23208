/*
Package runtime provides the core event processing infrastructure for relaycore.

# Architecture Overview

The runtime package implements a message-driven architecture built on top of
Watermill. It provides typed handlers for Protocol Buffers and JSON messages,
along with a middleware chain for cross-cutting concerns.

# Package Structure

The runtime package is organized into the following components:

## Core Service (service.go)

The Service struct is the central orchestrator that wires together:
  - Message router (Watermill)
  - Publisher and subscriber connections
  - Middleware chain
  - HTTP servers for metrics
  - Proto message registry for validation

## Handler Registration (registration*.go)

Handler registration files provide typed wrappers for message handlers:
  - registration.go: Raw Watermill handlers and base registration logic
  - registration_json.go: Typed JSON message handlers
  - registration_proto.go: Typed Protocol Buffer message handlers

## Middleware (middleware.go)

The middleware system provides composable message processing stages:
  - CorrelationID: Ensures message traceability
  - LogMessages: Debug logging of message payloads
  - ProtoValidate: Schema validation for protobuf messages
  - Outbox: Transactional outbox pattern support
  - Tracer: OpenTelemetry distributed tracing
  - Metrics: Prometheus metrics collection
  - Retry: Exponential backoff retry logic
  - PoisonQueue: Dead letter queue for failed messages
  - Recoverer: Panic recovery

## Stats & Monitoring (models.go, resources.go)

Extended metrics collection for handler performance:
  - Latency percentiles (p50, p95, p99)
  - Throughput tracking
  - Error categorization
  - Resource usage sampling
  - Backlog estimation

## Publishing (publisher.go)

Utilities for emitting proto-based events with proper metadata.

## Domain event dispatch (registry/, dispatch/, outbox/, sidechannel/, hosted/)

Alongside the Watermill router used by RegisterMessageHandler, the runtime
carries a second, transport-agnostic dispatch path for domain event
handlers that need retry ceilings, idempotency, and transactional
side-effects:

  - registry/: the handler registry. Binds a wire type name to a handler
    plus its retry ceiling, transaction side/isolation, and cache keys to
    invalidate on success.
  - dispatch/: the consumer dispatch engine. Runs every delivery through
    lookup, retry-ceiling check, transacted idempotency gate, handler
    invocation, and cache invalidation, identically for both broker
    adapters.
  - outbox/: the outbox publisher. Polls the events table under a per-row
    distributed lock and drains it with an Active-publish/Inactive-delete
    branch per row, committing once per pass.
  - sidechannel/: the logging sidechannel. Fans failed deliveries out to a
    local file, a central log topic, and a JSON-lines search index. It only
    runs on the failure path; it never touches the hot path the logging/
    package's ServiceLogger serves.
  - hosted/: the hosted loops that actually run the above: the outbox
    worker's ticker, the queue consumer loop, and the stream consumer loop,
    each stopping cooperatively when its context is cancelled.

Register a domain handler with Service.RegisterDispatchHandler; register a
raw Watermill handler with RegisterMessageHandler. The two are independent:
the former is driven by hosted/ outside the router, the latter runs inside
the router's own middleware chain.

# Sub-packages

  - config/: Service configuration with validation
  - dispatch/: consumer dispatch engine
  - errors/: Sentinel errors and error types
  - handlers/: Message context types and handler building
  - hosted/: outbox, queue, and stream consumer loops
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters (hot path)
  - metadata/: Message metadata utilities
  - outbox/: transactional outbox drain worker
  - registry/: handler registry and dispatch metadata
  - sidechannel/: failure-path logging fan-out (local file, central topic, search index)
  - storage/: PostgreSQL-backed outbox table, idempotency store, and distributed lock

The broker adapters (Kafka, RabbitMQ) live under the top-level transport/
package and register themselves with its transport registry.

# Usage Example

	cfg := &relaycore.Config{
		PubSubSystem:   "rabbitmq",
		RabbitMQURL:    "amqp://localhost:5672/",
		MetricsEnabled: true,
		MetricsPort:    9090,
	}

	svc := relaycore.NewService(cfg, logger, ctx, relaycore.ServiceDependencies{})

	relaycore.RegisterProtoHandler(svc, relaycore.ProtoHandlerRegistration[*pb.OrderCreated]{
		Name:         "order-processor",
		ConsumeQueue: "orders.created",
		PublishQueue: "orders.processed",
		Handler:      processOrder,
	})

	svc.Start(ctx)
*/
package runtime
