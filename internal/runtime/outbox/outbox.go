// Package outbox is the outbox publisher (C7): it polls the events table
// under a per-row distributed lock and drains it in a single Active-publish,
// Inactive-delete pass per row, committing once per pass. It is distinct
// from the runtime package's OutboxMiddleware, which stores a handler's
// outgoing messages into the same table at publish time; this package is
// the other half of that pattern, the background worker that actually
// drains what the middleware wrote.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/relaycore/relaycore/internal/runtime/jsoncodec"
	loggingpkg "github.com/relaycore/relaycore/internal/runtime/logging"
	"github.com/relaycore/relaycore/internal/runtime/sidechannel"
	"github.com/relaycore/relaycore/internal/runtime/storage"
	"github.com/relaycore/relaycore/transport/kafka"
	"github.com/relaycore/relaycore/transport/rabbitmq"
)

// lockKeyPrefix matches spec.md's "LockEventId-{id}" distributed lock key
// format.
const lockKeyPrefix = "LockEventId-"

// Destination is where a resolved event should be published: a stream topic
// (Kafka) or a queue-side exchange declaration (RabbitMQ). Exactly one of
// Topic or Queue/Exchange should be set.
type Destination struct {
	Topic string

	Queue        string
	Exchange     string
	Route        string
	ExchangeType rabbitmq.ExchangeType
}

// Resolver maps an outbox event's declared type to its destination.
type Resolver func(eventType string) (Destination, error)

// Config configures a Publisher.
type Config struct {
	Store      *storage.Store
	InstanceID string
	LockTTL    time.Duration
	BatchSize  int
	Resolve    Resolver

	KafkaPublisher *kafka.Publisher
	AMQPChannel    *amqp091.Channel

	Sidechannel *sidechannel.Sidechannel
	Logger      loggingpkg.ServiceLogger
}

// Publisher drains the outbox table. Each pass opens one command-side
// transaction, claims pending rows oldest-first, acquires each row's
// distributed lock (skipping rows another instance already holds), and
// either publishes-then-deactivates an Active row or deletes an Inactive
// one, before committing the transaction and releasing every lock it
// acquired during the pass.
type Publisher struct {
	store      *storage.Store
	instanceID string
	lockTTL    time.Duration
	batchSize  int
	resolve    Resolver

	kafkaPub *kafka.Publisher
	amqpChan *amqp091.Channel

	sidechannel *sidechannel.Sidechannel
	logger      loggingpkg.ServiceLogger

	healthMu   sync.RWMutex
	lastPassAt time.Time
}

// New builds a Publisher from cfg.
func New(cfg Config) (*Publisher, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("relaycore: outbox publisher requires a store")
	}
	if cfg.Resolve == nil {
		return nil, fmt.Errorf("relaycore: outbox publisher requires a destination resolver")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "relaycore-outbox"
	}

	return &Publisher{
		store:       cfg.Store,
		instanceID:  cfg.InstanceID,
		lockTTL:     cfg.LockTTL,
		batchSize:   cfg.BatchSize,
		resolve:     cfg.Resolve,
		kafkaPub:    cfg.KafkaPublisher,
		amqpChan:    cfg.AMQPChannel,
		sidechannel: cfg.Sidechannel,
		logger:      cfg.Logger,
	}, nil
}

// Run drains the outbox on a fixed interval until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil && p.logger != nil {
				p.logger.Error("outbox: drain pass failed", err, nil)
			}
		}
	}
}

// RunOnce executes a single drain pass.
func (p *Publisher) RunOnce(ctx context.Context) error {
	tx, err := p.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("relaycore: outbox begin transaction: %w", err)
	}

	events, err := p.store.ClaimPendingEvents(ctx, tx, p.batchSize)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("relaycore: outbox claim pending events: %w", err)
	}

	var acquired []string
	releaseAll := func() {
		for _, key := range acquired {
			if relErr := p.store.ReleaseLock(context.Background(), key, p.instanceID); relErr != nil && p.logger != nil {
				p.logger.Error("outbox: release lock failed", relErr, loggingpkg.LogFields{"lock_key": key})
			}
		}
	}

	for _, ev := range events {
		lockKey := lockKeyPrefix + ev.ID
		if lockErr := p.store.AcquireLock(ctx, lockKey, p.instanceID, p.lockTTL); lockErr != nil {
			// Held by another instance's pass; leave the row for next time.
			continue
		}
		acquired = append(acquired, lockKey)

		if ev.IsActive {
			if err := p.publish(ctx, ev); err != nil {
				_ = tx.Rollback()
				releaseAll()
				err = fmt.Errorf("relaycore: outbox publish event %s: %w", ev.ID, err)
				p.recordFailure(ev, err)
				return err
			}
			if err := p.store.DeactivateEvent(ctx, tx, ev.ID); err != nil {
				_ = tx.Rollback()
				releaseAll()
				return fmt.Errorf("relaycore: outbox deactivate event %s: %w", ev.ID, err)
			}
			continue
		}

		if err := p.store.DeleteEvent(ctx, tx, ev.ID); err != nil {
			_ = tx.Rollback()
			releaseAll()
			return fmt.Errorf("relaycore: outbox delete inactive event %s: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		releaseAll()
		return fmt.Errorf("relaycore: outbox commit: %w", err)
	}
	releaseAll()

	p.healthMu.Lock()
	p.lastPassAt = time.Now().UTC()
	p.healthMu.Unlock()

	return nil
}

// HealthStatus reports whether the outbox worker's last successful drain
// pass is recent and whether its broker connections are usable.
type HealthStatus struct {
	OK            bool      `json:"ok"`
	LastPassAt    time.Time `json:"last_pass_at"`
	LastPassStale bool      `json:"last_pass_stale"`
	StreamAlive   bool      `json:"stream_alive"`
	QueueAlive    bool      `json:"queue_alive"`
}

// Healthy reports the outbox worker's health: whether its last successful
// drain pass completed within maxAge, and whether the configured broker
// connections are alive. A Publisher that has never completed a pass yet is
// not considered stale, so /healthz does not flap unhealthy during startup
// before the first tick.
func (p *Publisher) Healthy(maxAge time.Duration) HealthStatus {
	p.healthMu.RLock()
	lastPassAt := p.lastPassAt
	p.healthMu.RUnlock()

	stale := !lastPassAt.IsZero() && time.Since(lastPassAt) > maxAge
	streamAlive := p.kafkaPub == nil || p.kafkaPub.Alive()
	queueAlive := p.amqpChan == nil || !p.amqpChan.IsClosed()

	return HealthStatus{
		OK:            !stale && streamAlive && queueAlive,
		LastPassAt:    lastPassAt,
		LastPassStale: stale,
		StreamAlive:   streamAlive,
		QueueAlive:    queueAlive,
	}
}

// publish wraps the event's payload in a jsoncodec.Envelope carrying the
// event's own id before handing it to a broker adapter. A stream record is
// redelivered under a different topic/partition/offset every time it is
// republished, and a queue message minted by anything other than this
// publisher (a handler-originated publish, for instance) has no relationship
// to the domain event id at all; wrapping the id on the wire, rather than
// trusting the transport's own delivery identity, is what lets both
// hosted.runQueueWorker and hosted.runStreamWorker resolve two deliveries of
// the same event to the same idempotency key.
func (p *Publisher) publish(ctx context.Context, ev storage.Event) error {
	dest, err := p.resolve(ev.Type)
	if err != nil {
		return fmt.Errorf("resolve destination for type %s: %w", ev.Type, err)
	}

	envelope, err := jsoncodec.Marshal(jsoncodec.Envelope{ID: ev.ID, Type: ev.Type, Payload: ev.Payload})
	if err != nil {
		return fmt.Errorf("encode envelope for event %s: %w", ev.ID, err)
	}

	if dest.Topic != "" {
		if p.kafkaPub == nil {
			return fmt.Errorf("event declares stream topic %q but no stream publisher is configured", dest.Topic)
		}
		return p.kafkaPub.Publish(ctx, dest.Topic, ev.Type, envelope)
	}

	if p.amqpChan == nil {
		return fmt.Errorf("event declares a queue destination but no queue channel is configured")
	}
	return rabbitmq.Publish(ctx, p.amqpChan, rabbitmq.PublishRequest{
		Message:      message.NewMessage(ev.ID, envelope),
		ExchangeType: dest.ExchangeType,
		Exchange:     dest.Exchange,
		Route:        dest.Route,
		Queue:        dest.Queue,
		Headers:      map[string]string{"event_message_schema": ev.Type},
	})
}

func (p *Publisher) recordFailure(ev storage.Event, err error) {
	if p.sidechannel == nil {
		return
	}
	p.sidechannel.Failure(context.Background(), sidechannel.Record{
		Type:      ev.Type,
		MessageID: ev.ID,
		Error:     err.Error(),
		FailedAt:  time.Now().UTC(),
	})
}
