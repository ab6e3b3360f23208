// Package hosted is the hosted loop layer (C9): the long-running goroutines
// that actually drive the outbox publisher and the two broker adapters'
// consume loops into the consumer dispatch engine. Each loop stops
// cooperatively when its context is cancelled.
package hosted

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/relaycore/relaycore/internal/runtime/dispatch"
	handlerpkg "github.com/relaycore/relaycore/internal/runtime/handlers"
	"github.com/relaycore/relaycore/internal/runtime/jsoncodec"
	loggingpkg "github.com/relaycore/relaycore/internal/runtime/logging"
	"github.com/relaycore/relaycore/internal/runtime/outbox"
	"github.com/relaycore/relaycore/internal/runtime/registry"
	"github.com/relaycore/relaycore/transport/kafka"
)

// Loops owns the outbox worker, one queue consumer worker per configured
// queue, and one stream consumer worker per topic declared in the handler
// registry.
type Loops struct {
	Outbox *outbox.Publisher
	// OutboxInterval is how often the outbox worker drains. Defaults to 2
	// seconds when zero.
	OutboxInterval time.Duration

	Engine   *dispatch.Engine
	Registry *registry.Registry

	// QueueSubscriber is the queue broker adapter's Watermill subscriber.
	QueueSubscriber message.Subscriber
	Queues          []string

	// StreamSubscriber is the stream broker adapter's manual-commit
	// consumer. Topics are read from Registry.Topics().
	StreamSubscriber *kafka.Subscriber

	Logger loggingpkg.ServiceLogger

	wg sync.WaitGroup
}

// Start launches every configured loop in its own goroutine and returns
// immediately. Call Wait to block until they have all stopped.
func (l *Loops) Start(ctx context.Context) {
	if l.Outbox != nil {
		interval := l.OutboxInterval
		if interval <= 0 {
			interval = 2 * time.Second
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.Outbox.Run(ctx, interval)
		}()
	}

	for _, queue := range l.Queues {
		queue := queue
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.runQueueWorker(ctx, queue)
		}()
	}

	if l.Registry != nil {
		for _, topic := range l.Registry.Topics() {
			topic := topic
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				l.runStreamWorker(ctx, topic)
			}()
		}
	}
}

// Wait blocks until every loop launched by Start has returned.
func (l *Loops) Wait() {
	l.wg.Wait()
}

func (l *Loops) runQueueWorker(ctx context.Context, queue string) {
	if l.QueueSubscriber == nil || l.Engine == nil {
		return
	}

	messages, err := l.QueueSubscriber.Subscribe(ctx, queue)
	if err != nil {
		l.logError("queue subscribe failed", err, queue)
		return
	}

	for msg := range messages {
		typeName, messageID, payload := decodeQueueDelivery(msg)
		retryCount, _ := strconv.Atoi(msg.Metadata.Get(handlerpkg.MetadataKeyRetryCount))

		err := l.Engine.Handle(msg.Context(), dispatch.Delivery{
			Type:       typeName,
			MessageID:  messageID,
			Payload:    payload,
			Headers:    metadataToHeaders(msg.Metadata),
			RetryCount: retryCount,
		})
		if err != nil {
			l.logError("queue delivery dispatch failed", err, queue)
			msg.Nack()
			continue
		}
		msg.Ack()
	}
}

func (l *Loops) runStreamWorker(ctx context.Context, topic string) {
	if l.StreamSubscriber == nil || l.Engine == nil {
		return
	}

	err := l.StreamSubscriber.Subscribe(ctx, topic, func(ctx context.Context, rec kafka.Record) error {
		typeName, messageID, payload := decodeStreamDelivery(rec)

		return l.Engine.Handle(ctx, dispatch.Delivery{
			Type:       typeName,
			MessageID:  messageID,
			Payload:    payload,
			Headers:    rec.Headers,
			RetryCount: rec.RetryCount(),
		})
	})
	if err != nil {
		l.logError("stream subscribe failed", err, topic)
	}
}

// HealthzHandler reports whether the outbox worker's last drain pass
// completed within maxStaleness and whether its broker connections are
// alive. Wire it into a Service alongside /metrics, e.g.
// svc.RegisterHTTPHandler(port, "/healthz", loops.HealthzHandler(time.Minute)).
func (l *Loops) HealthzHandler(maxStaleness time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Outbox == nil {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
			return
		}

		status := l.Outbox.Healthy(maxStaleness)

		body, err := jsoncodec.Marshal(status)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if !status.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write(body)
	})
}

func (l *Loops) logError(msg string, err error, target string) {
	if l.Logger == nil {
		return
	}
	l.Logger.Error("hosted: "+msg, err, loggingpkg.LogFields{"target": target})
}

// decodeQueueDelivery resolves the type, idempotency key, and payload for a
// queue delivery. A message published through the outbox (C7) carries its
// own domain id and type inside a jsoncodec.Envelope; that id is used in
// preference to the Watermill message UUID, which a handler-originated
// publish mints fresh on every call and which a redelivery would not
// reproduce. A message with no envelope falls back to the transport's own
// identity.
func decodeQueueDelivery(msg *message.Message) (typeName, messageID string, payload []byte) {
	typeName = msg.Metadata.Get(handlerpkg.MetadataKeyEventSchema)
	messageID = msg.UUID
	payload = msg.Payload

	if env, err := jsoncodec.DecodeEnvelope(msg.Payload); err == nil && env.ID != "" {
		typeName = env.Type
		messageID = env.ID
		payload = env.Payload
	}
	return typeName, messageID, payload
}

// decodeStreamDelivery resolves the type, idempotency key, and payload for a
// stream record. The topic+partition+offset fallback must never be used for
// an envelope-carrying record: two outbox publishes of the same event land
// at two different offsets, so only the envelope's id gives both
// republishes the same idempotency key.
func decodeStreamDelivery(rec kafka.Record) (typeName, messageID string, payload []byte) {
	typeName = rec.Key
	payload = rec.Value
	messageID = fmt.Sprintf("%s-%d-%d", rec.Topic, rec.Partition, rec.Offset)

	if env, err := jsoncodec.DecodeEnvelope(rec.Value); err == nil && env.ID != "" {
		typeName = env.Type
		payload = env.Payload
		messageID = env.ID
	}
	return typeName, messageID, payload
}

func metadataToHeaders(meta message.Metadata) map[string]string {
	headers := make(map[string]string, len(meta))
	for k, v := range meta {
		headers[k] = v
	}
	return headers
}
