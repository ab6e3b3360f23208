// Package kafka is the stream broker adapter: publish and subscribe over a
// partitioned event-stream broker with manual offset commit and
// retry-by-republish, carrying a retry counter in message headers.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	ckafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// HeaderGroupID carries the originating service/topic of a retry republish.
// Empty on a fresh publish.
const HeaderGroupID = "GroupId"

// HeaderCountOfRetry carries the ASCII-encoded retry attempt count.
const HeaderCountOfRetry = "CountOfRetry"

const (
	publishMaxAttempts    = 5
	publishRetryDelay     = 3 * time.Second
	deliveryFlushTimeout  = 15 * time.Second
	deliveryQueueCapacity = 256
)

func init() {
	// The stream broker adapter manages its own producer/consumer lifecycle
	// for manual offset commit, so it registers capabilities only rather than
	// a Watermill-shaped Builder.
	transport.RegisterCapabilities(TransportName, transport.KafkaCapabilities)
}

// Capabilities returns the capabilities of the stream broker adapter.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

// Record is a single stream record as seen by publishers and subscribers:
// key = message type name, value = serialized payload, plus headers.
type Record struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int32
	Offset    int64
}

// Publisher publishes records to the stream broker with a bounded
// fixed-delay retry policy (publishMaxAttempts attempts, publishRetryDelay
// apart). Publish failures after exhausting attempts
// surface to the caller.
type Publisher struct {
	logger   *zap.Logger
	producer *ckafka.Producer
}

// NewPublisher creates a Publisher backed by a confluent-kafka-go producer.
func NewPublisher(brokers []string, logger *zap.Logger) (*Publisher, error) {
	producer, err := ckafka.NewProducer(&ckafka.ConfigMap{
		"bootstrap.servers":  joinBrokers(brokers),
		"acks":               "all",
		"retries":            3,
		"linger.ms":          10,
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("relaycore: create kafka producer: %w", err)
	}

	p := &Publisher{logger: logger, producer: producer}
	go p.watchDeliveryReports()
	return p, nil
}

// Publish writes a fresh record: GroupId="" and CountOfRetry="0".
func (p *Publisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	return p.publishWithHeaders(ctx, topic, key, value, map[string]string{
		HeaderGroupID:      "",
		HeaderCountOfRetry: "0",
	})
}

// Republish writes a retry record: GroupId="{service}-{topic}" and
// CountOfRetry="{n}". Used by the consumer dispatch engine's retry-by-republish
// path when a handler invocation fails.
func (p *Publisher) Republish(ctx context.Context, service, topic, key string, value []byte, retryCount int) error {
	return p.publishWithHeaders(ctx, topic, key, value, map[string]string{
		HeaderGroupID:      service + "-" + topic,
		HeaderCountOfRetry: strconv.Itoa(retryCount),
	})
}

func (p *Publisher) publishWithHeaders(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	var lastErr error
	for attempt := 1; attempt <= publishMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg := &ckafka.Message{
			TopicPartition: ckafka.TopicPartition{Topic: &topic, Partition: ckafka.PartitionAny},
			Key:            []byte(key),
			Value:          value,
			Headers:        toKafkaHeaders(headers),
			Timestamp:      time.Now(),
		}

		if err := p.producer.Produce(msg, nil); err != nil {
			lastErr = err
			p.logger.Warn("kafka publish attempt failed",
				zap.String("topic", topic), zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(publishRetryDelay):
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("relaycore: kafka publish exhausted %d attempts: %w", publishMaxAttempts, lastErr)
}

// Alive reports whether the producer can still reach the broker, via a
// bounded cluster metadata fetch. Used by the hosted loop layer's /healthz
// endpoint to surface stream broker connectivity.
func (p *Publisher) Alive() bool {
	_, err := p.producer.GetMetadata(nil, false, 2000)
	return err == nil
}

// Close flushes and closes the underlying producer.
func (p *Publisher) Close() error {
	p.producer.Flush(int(deliveryFlushTimeout.Milliseconds()))
	p.producer.Close()
	return nil
}

func (p *Publisher) watchDeliveryReports() {
	for e := range p.producer.Events() {
		switch ev := e.(type) {
		case *ckafka.Message:
			if ev.TopicPartition.Error != nil {
				p.logger.Error("kafka delivery failed",
					zap.String("topic", *ev.TopicPartition.Topic), zap.Error(ev.TopicPartition.Error))
			}
		case ckafka.Error:
			p.logger.Error("kafka producer error", zap.Error(ev))
		}
	}
}

// HandlerFunc processes one stream record and returns an error to trigger
// retry-by-republish, or nil to commit the offset.
type HandlerFunc func(ctx context.Context, rec Record) error

// Subscriber consumes a topic with a per-(service, topic) consumer group,
// earliest auto-offset-reset, and manual commit.
type Subscriber struct {
	logger    *zap.Logger
	brokers   []string
	publisher *Publisher
	service   string
}

// NewSubscriber creates a Subscriber backed by a confluent-kafka-go consumer
// group. The consumer group name is derived as "{service}-{topic}" per topic
// at Subscribe time.
func NewSubscriber(brokers []string, service string, publisher *Publisher, logger *zap.Logger) (*Subscriber, error) {
	return &Subscriber{logger: logger, brokers: brokers, publisher: publisher, service: service}, nil
}

// Subscribe runs the consume loop for one topic until ctx is cancelled. For
// every record it applies the processing gate (spec §4.6), then invokes
// handle; on handler error it republishes with an incremented retry count and
// commits only if the republish succeeded, per the retry-by-republish
// contract.
func (s *Subscriber) Subscribe(ctx context.Context, topic string, handle HandlerFunc) error {
	group := s.service + "-" + topic
	consumer, err := ckafka.NewConsumer(&ckafka.ConfigMap{
		"bootstrap.servers":  joinBrokers(s.brokers),
		"group.id":           group,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return fmt.Errorf("relaycore: create kafka consumer: %w", err)
	}
	defer consumer.Close()

	if err := consumer.Subscribe(topic, nil); err != nil {
		return fmt.Errorf("relaycore: subscribe topic %s: %w", topic, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := consumer.ReadMessage(time.Second)
		if err != nil {
			if kerr, ok := err.(ckafka.Error); ok && kerr.Code() == ckafka.ErrTimedOut {
				continue
			}
			s.logger.Error("kafka read error", zap.Error(err))
			continue
		}

		rec := recordFromMessage(msg)
		if !s.gate(group, topic, rec) {
			// Not for this consumer-group generation: silently acknowledge.
			if _, err := consumer.CommitMessage(msg); err != nil {
				s.logger.Error("kafka commit (gated) failed", zap.Error(err))
			}
			continue
		}

		if err := handle(ctx, rec); err != nil {
			retryCount := rec.retryCount() + 1
			republishErr := s.publisher.Republish(ctx, s.service, topic, rec.Key, rec.Value, retryCount)
			if republishErr != nil {
				s.logger.Error("kafka retry republish failed, offset not committed",
					zap.String("topic", topic), zap.Error(republishErr))
				continue
			}
			if _, err := consumer.CommitMessage(msg); err != nil {
				s.logger.Error("kafka commit after republish failed", zap.Error(err))
			}
			continue
		}

		if _, err := consumer.CommitMessage(msg); err != nil {
			s.logger.Error("kafka commit failed", zap.Error(err))
		}
	}
}

// gate implements the processing gate from spec §4.6: a record is processed
// only if GroupId is empty (fresh publish) or GroupId matches this service's
// group and CountOfRetry > 0 (this service's own retry republish).
func (s *Subscriber) gate(group, topic string, rec Record) bool {
	gid := rec.Headers[HeaderGroupID]
	if gid == "" {
		return true
	}
	return gid == group && rec.retryCount() > 0
}

func (r Record) retryCount() int {
	n, err := strconv.Atoi(r.Headers[HeaderCountOfRetry])
	if err != nil {
		return 0
	}
	return n
}

// RetryCount exposes the record's CountOfRetry header so a consumer dispatch
// engine can enforce a handler's MaxRetry ceiling without reaching into
// package-private state.
func (r Record) RetryCount() int {
	return r.retryCount()
}

func recordFromMessage(msg *ckafka.Message) Record {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Record{
		Topic:     *msg.TopicPartition.Topic,
		Key:       string(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Partition: msg.TopicPartition.Partition,
		Offset:    int64(msg.TopicPartition.Offset),
	}
}

func toKafkaHeaders(headers map[string]string) []ckafka.Header {
	out := make([]ckafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, ckafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func joinBrokers(brokers []string) string {
	out := ""
	for i, b := range brokers {
		if i > 0 {
			out += ","
		}
		out += b
	}
	return out
}
