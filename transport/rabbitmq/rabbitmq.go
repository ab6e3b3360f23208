// Package rabbitmq is the queue broker adapter: publish and subscribe over
// RabbitMQ with Direct, FanOut, and Default exchange modes, per-queue QoS,
// and dead-letter-exchange based retry (x-death header, BasicNack without
// requeue).
package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/relaycore/relaycore/transport"
)

// delayHeaderKey mirrors the top-level MetadataKeyDelay constant. Duplicated
// here rather than imported to avoid coupling this adapter to the handlers
// package for a single string literal.
const delayHeaderKey = "relaycore_delay"

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ExchangeType selects the routing behavior of a queue-side publish.
type ExchangeType int

const (
	// ExchangeDefault routes straight to a named queue (no exchange fan-out).
	ExchangeDefault ExchangeType = iota
	// ExchangeDirect routes by routing key to bound queues.
	ExchangeDirect
	// ExchangeFanOut broadcasts to every queue bound to the exchange.
	ExchangeFanOut
)

func (e ExchangeType) amqpKind() string {
	switch e {
	case ExchangeDirect:
		return amqp091.ExchangeDirect
	case ExchangeFanOut:
		return amqp091.ExchangeFanout
	default:
		return ""
	}
}

// deadLetterSuffix names the DLX and retry queue derived from a consumed queue.
const deadLetterSuffix = ".dlx"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a new RabbitMQ transport wired for dead-letter-exchange based
// retry: nacked messages (BasicNack, requeue=false) are routed by the broker
// to a queue's declared DLX, which populates the x-death header used as the
// queue-side retry counter.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()

	amqpConfig := amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicName)
	amqpConfig.Consume.NoRequeueOnNack = true
	amqpConfig.Queue.Arguments = amqp091.Table{
		"x-dead-letter-exchange": "",
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// QoS configures per-queue consumer throttling, applied before consumption
// begins.
type QoS struct {
	PrefetchCount int
	PrefetchSize  int
	Global        bool
}

// PublishRequest is the queue broker adapter's publish surface: a message
// addressed via one of the three exchange modes.
type PublishRequest struct {
	Message      *message.Message
	ExchangeType ExchangeType
	Exchange     string
	Route        string
	Queue        string
	Headers      map[string]string
}

// Publish sends a message using the exchange mode declared on the request.
// Direct routes by Route to queues bound under that key; FanOut broadcasts to
// every bound queue; Default routes straight to Queue with no fan-out.
func Publish(ctx context.Context, channel *amqp091.Channel, req PublishRequest) error {
	if req.Message == nil {
		return fmt.Errorf("relaycore: publish request requires a message")
	}

	headers := amqp091.Table{}
	for k, v := range req.Headers {
		headers[k] = v
	}
	// x-delay is the header the rabbitmq-delayed-message-exchange plugin
	// reads to hold a message before routing it; RabbitMQCapabilities
	// declares SupportsDelay on the strength of this.
	if raw, ok := req.Headers[delayHeaderKey]; ok {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			headers["x-delay"] = d.Milliseconds()
		}
	}

	publishing := amqp091.Publishing{
		Body:    req.Message.Payload,
		Headers: headers,
	}

	switch req.ExchangeType {
	case ExchangeDirect:
		if req.Exchange == "" || req.Route == "" {
			return fmt.Errorf("relaycore: direct exchange publish requires exchange and route")
		}
		return channel.PublishWithContext(ctx, req.Exchange, req.Route, false, false, publishing)
	case ExchangeFanOut:
		if req.Exchange == "" {
			return fmt.Errorf("relaycore: fanout exchange publish requires exchange")
		}
		return channel.PublishWithContext(ctx, req.Exchange, "", false, false, publishing)
	default:
		if req.Queue == "" {
			return fmt.Errorf("relaycore: default exchange publish requires queue")
		}
		return channel.PublishWithContext(ctx, "", req.Queue, false, false, publishing)
	}
}

// DeclareQueueWithDeadLetter declares a queue whose dead-letter-exchange is
// its own retry queue, so that BasicNack(requeue=false) deliveries are
// re-enqueued with an x-death header carrying the requeue count.
func DeclareQueueWithDeadLetter(channel *amqp091.Channel, queue string) error {
	dlx := queue + deadLetterSuffix
	if _, err := channel.QueueDeclare(dlx, true, false, false, false, nil); err != nil {
		return fmt.Errorf("relaycore: declare dead-letter queue %s: %w", dlx, err)
	}
	if err := channel.ExchangeDeclare(dlx, amqp091.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("relaycore: declare dead-letter exchange %s: %w", dlx, err)
	}
	if err := channel.QueueBind(dlx, "", dlx, false, nil); err != nil {
		return fmt.Errorf("relaycore: bind dead-letter queue %s: %w", dlx, err)
	}

	_, err := channel.QueueDeclare(queue, true, false, false, false, amqp091.Table{
		"x-dead-letter-exchange": dlx,
	})
	if err != nil {
		return fmt.Errorf("relaycore: declare queue %s: %w", queue, err)
	}
	return nil
}

// ApplyQoS applies per-queue prefetch throttling before consumption starts.
func ApplyQoS(channel *amqp091.Channel, qos QoS) error {
	return channel.Qos(qos.PrefetchCount, qos.PrefetchSize, qos.Global)
}

// XDeathCount extracts the requeue count from a delivery's x-death header, or
// zero if the message has never been dead-lettered.
func XDeathCount(headers amqp091.Table) int {
	raw, ok := headers["x-death"]
	if !ok {
		return 0
	}
	deaths, ok := raw.([]any)
	if !ok || len(deaths) == 0 {
		return 0
	}
	first, ok := deaths[0].(amqp091.Table)
	if !ok {
		return 0
	}
	count, ok := first["count"].(int64)
	if !ok {
		return 0
	}
	return int(count)
}
