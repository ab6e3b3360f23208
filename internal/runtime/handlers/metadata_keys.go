package handlers

// Metadata key constants used throughout relaycore.
// These keys are reserved and should not be used for custom metadata.
const (
	// MetadataKeyCorrelationID tracks related messages across services.
	MetadataKeyCorrelationID = "correlation_id"

	// MetadataKeyEventSchema identifies the proto message type.
	MetadataKeyEventSchema = "event_message_schema"

	// MetadataKeyQueueDepth indicates queue depth at time of enqueue.
	MetadataKeyQueueDepth = "relaycore_queue_depth"

	// MetadataKeyEnqueuedAt records when a message was enqueued.
	MetadataKeyEnqueuedAt = "relaycore_enqueued_at"

	// MetadataKeyTraceID stores distributed tracing ID.
	MetadataKeyTraceID = "trace_id"

	// MetadataKeySpanID stores distributed tracing span ID.
	MetadataKeySpanID = "span_id"

	// MetadataKeyRetryCount carries the queue-side redelivery count.
	// hosted.runQueueWorker reads it and passes it to the consumer dispatch
	// engine, which enforces a handler binding's MaxRetry ceiling for
	// queue-bound deliveries, mirroring the stream broker adapter's
	// CountOfRetry header. Nothing in this module sets it from a
	// dead-lettered message's x-death header (rabbitmq.XDeathCount reads
	// that header but the queue consume path does not call it), so a
	// delivery without this key counts as retry 0.
	MetadataKeyRetryCount = "relaycore_retry_count"
)
