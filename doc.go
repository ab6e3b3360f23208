// Package relaycore is a small layer on top of Watermill that wires routers,
// publishers, subscribers, and middleware for protobuf- or JSON-driven services.
// It reads the target transport from Config, bootstraps the Watermill router, and
// registers the default middleware chain for correlation IDs, logging, validation,
// outbox persistence, tracing, retries, and poison queue forwarding.
//
// Service hosts the router and exposes typed helpers: RegisterProtoHandler and
// RegisterJSONHandler take care of marshaling, metadata cloning, and optional
// protobuf validation, while Service.PublishProto lets HTTP/RPC handlers emit
// events without touching low-level Watermill APIs. A minimal setup therefore involves
// filling Config, creating a Service, registering handlers, and calling Start.
//
// # Transports
//
// Relaycore ships two broker adapters:
//   - rabbitmq: AMQP-based durable queues. It registers a Watermill builder,
//     so PubSubSystem "rabbitmq" selects it for the Service router.
//   - kafka: stream broker with manual offset commit and retry-by-republish.
//     It registers capabilities only; the outbox publisher and the hosted
//     stream loop drive it directly, and transport.Build rejects "kafka".
//
// Other brokers can be plugged in through ServiceDependencies.TransportFactory.
//
// # Middleware
//
// The default middleware chain includes correlation ID injection, structured logging,
// protobuf validation, outbox persistence, OpenTelemetry tracing, Prometheus metrics,
// retry with exponential backoff, poison queue forwarding, and panic recovery.
// Custom middleware can be added via ServiceDependencies.Middlewares.
//
// # Job Hooks
//
// JobHooksMiddleware provides OnJobStart, OnJobDone, and OnJobError callbacks for
// custom logging, metrics collection, and alerting around handler execution.
//
// When you need more control, ServiceDependencies exposes well-scoped hooks:
// bring your own OutboxStore, ProtoValidator, middleware registrations, or even
// an entire TransportFactory to plug in custom brokers.
package relaycore
