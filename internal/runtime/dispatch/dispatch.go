// Package dispatch is the consumer dispatch engine (C8): the sequence every
// inbound delivery, queue or stream, runs through once the handler registry
// (C1) has resolved it to a binding. It enforces the retry ceiling, opens
// the binding's declared transaction, gates on the idempotency store (C3),
// invokes the handler, and invalidates cache keys after a successful
// commit. It is invoked as a plain function rather than shaped as a
// Watermill message.HandlerFunc, so the same Engine drives the RabbitMQ
// Watermill router and the Kafka manual-commit consume loop identically.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"

	errspkg "github.com/relaycore/relaycore/internal/runtime/errors"
	loggingpkg "github.com/relaycore/relaycore/internal/runtime/logging"
	"github.com/relaycore/relaycore/internal/runtime/registry"
	"github.com/relaycore/relaycore/internal/runtime/sidechannel"
	"github.com/relaycore/relaycore/internal/runtime/storage"
)

// CacheInvalidator deletes cache entries after a handler's transaction
// commits. Deletion failures are logged and never fail the delivery: cache
// invalidation is a best-effort side effect of a successful commit, not part
// of the unit of work itself.
type CacheInvalidator interface {
	Delete(ctx context.Context, keys ...string) error
}

// NoopCache is the default CacheInvalidator for services with no cache
// layer configured.
type NoopCache struct{}

// Delete implements CacheInvalidator.
func (NoopCache) Delete(ctx context.Context, keys ...string) error { return nil }

// Delivery is one inbound message normalised to the shape the dispatch
// engine needs, independent of which broker adapter received it.
type Delivery struct {
	// Type is the wire type name the handler registry binds against.
	Type string
	// MessageID is the idempotency key recorded in the command/query
	// inbox table.
	MessageID string
	Payload   []byte
	Headers   map[string]string
	// RetryCount is the delivery attempt count, sourced from the stream
	// adapter's CountOfRetry header or the queue adapter's x-death count.
	RetryCount int
}

type transactionManager interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// txFromContext resolves the *sql.Tx a transactionManager.Do closure is
// running under. It is a package var, mirroring the queue broker adapter's
// ConnectionFactory/PublisherFactory test seams, so tests can substitute a
// sqlmock-backed transaction without depending on the transaction manager
// library's exact context-propagation behavior.
var txFromContext = func(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	tx, ok := trmsql.DefaultCtxGetter.DefaultTrOrDB(ctx, db).(*sql.Tx)
	if !ok {
		return nil, fmt.Errorf("relaycore: no active *sql.Tx in dispatch transaction context")
	}
	return tx, nil
}

// Engine runs the bind -> retry-ceiling -> transact -> invalidate sequence.
type Engine struct {
	registry    *registry.Registry
	store       *storage.Store
	commandTM   transactionManager
	queryTM     transactionManager
	cache       CacheInvalidator
	sidechannel *sidechannel.Sidechannel
	logger      loggingpkg.ServiceLogger
}

// New builds the dispatch engine. Two independent transaction managers back
// the command and query sides: a binding declared on one side can never run
// inside the other side's unit of work, since each manager only ever begins
// transactions against its own side's idempotency table calls.
func New(reg *registry.Registry, store *storage.Store, cache CacheInvalidator, sc *sidechannel.Sidechannel, logger loggingpkg.ServiceLogger) (*Engine, error) {
	if reg == nil {
		return nil, fmt.Errorf("relaycore: dispatch engine requires a handler registry")
	}
	if store == nil {
		return nil, fmt.Errorf("relaycore: dispatch engine requires a store")
	}
	if cache == nil {
		cache = NoopCache{}
	}

	commandTM, err := manager.New(trmsql.NewDefaultFactory(store.DB()))
	if err != nil {
		return nil, fmt.Errorf("relaycore: build command-side transaction manager: %w", err)
	}
	queryTM, err := manager.New(trmsql.NewDefaultFactory(store.DB()))
	if err != nil {
		return nil, fmt.Errorf("relaycore: build query-side transaction manager: %w", err)
	}

	return &Engine{
		registry:    reg,
		store:       store,
		commandTM:   commandTM,
		queryTM:     queryTM,
		cache:       cache,
		sidechannel: sc,
		logger:      logger,
	}, nil
}

// Registry returns the handler registry this engine dispatches against, so
// callers can register bindings against the same instance the engine reads.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Handle runs one delivery through the full dispatch sequence. A nil return
// means the caller should ack; a non-nil return means the caller should
// nack/retry per its transport's own redelivery policy.
func (e *Engine) Handle(ctx context.Context, d Delivery) error {
	binding, err := e.registry.Lookup(d.Type)
	if errors.Is(err, errspkg.ErrUnknownType) {
		if e.logger != nil {
			e.logger.Debug("dispatch: unknown type, acking", loggingpkg.LogFields{
				"type": d.Type, "message_id": d.MessageID,
			})
		}
		return nil
	}
	if err != nil {
		return err
	}

	if d.RetryCount > binding.MaxRetry {
		e.recordFailure(d, errspkg.ErrMaxRetryExceeded)
		e.runAfterMaxRetry(ctx, binding, d)
		return nil
	}

	if binding.TransactionConfig == nil {
		e.recordFailure(d, errspkg.ErrMissingTransactionConfig)
		return errspkg.ErrMissingTransactionConfig
	}

	tm := e.managerFor(binding.TransactionConfig.Side)

	skip := false
	txErr := tm.Do(ctx, func(ctx context.Context) error {
		tx, err := txFromContext(ctx, e.store.DB())
		if err != nil {
			return err
		}

		if isoErr := applyIsolation(ctx, tx, binding.TransactionConfig.Isolation); isoErr != nil {
			return isoErr
		}

		exists, existsErr := e.store.ExistsByMessageID(ctx, tx, binding.TransactionConfig.Side, d.MessageID)
		if existsErr != nil {
			return existsErr
		}
		if exists {
			skip = true
			return nil
		}

		if recErr := e.store.RecordProcessed(ctx, tx, binding.TransactionConfig.Side, d.MessageID, d.Type, d.RetryCount); recErr != nil {
			if errors.Is(recErr, errspkg.ErrEventAlreadyProcessed) {
				skip = true
				return nil
			}
			return recErr
		}

		return binding.Handler(ctx, d.Payload, d.Headers)
	})

	if txErr != nil {
		e.recordFailure(d, txErr)
		return txErr
	}
	if skip {
		return nil
	}

	e.invalidateCache(ctx, binding, d)
	return nil
}

func (e *Engine) runAfterMaxRetry(ctx context.Context, binding *registry.Binding, d Delivery) {
	if binding.AfterMaxRetry == nil {
		return
	}
	if err := binding.AfterMaxRetry(ctx, d.Payload, d.Headers); err != nil {
		e.recordFailure(d, fmt.Errorf("after-max-retry hook: %w", err))
	}
}

func (e *Engine) invalidateCache(ctx context.Context, binding *registry.Binding, d Delivery) {
	if len(binding.CleanCacheKeys) == 0 {
		return
	}
	if err := e.cache.Delete(ctx, binding.CleanCacheKeys...); err != nil && e.logger != nil {
		e.logger.Error("dispatch: cache invalidation failed", err, loggingpkg.LogFields{
			"type": d.Type, "keys": binding.CleanCacheKeys,
		})
	}
}

func (e *Engine) managerFor(side storage.TransactionSide) transactionManager {
	if side == storage.SideQuery {
		return e.queryTM
	}
	return e.commandTM
}

func (e *Engine) recordFailure(d Delivery, err error) {
	if e.sidechannel == nil {
		return
	}
	e.sidechannel.Failure(context.Background(), sidechannel.Record{
		Type:       d.Type,
		MessageID:  d.MessageID,
		Headers:    d.Headers,
		Error:      err.Error(),
		RetryCount: d.RetryCount,
		FailedAt:   time.Now().UTC(),
	})
}

// applyIsolation sets the transaction's isolation level via a plain SQL
// statement rather than a transaction-manager settings option, since the
// declared isolation level varies per binding while a single trm.Manager's
// begin options are fixed for its lifetime.
func applyIsolation(ctx context.Context, tx *sql.Tx, level sql.IsolationLevel) error {
	if level == sql.LevelDefault {
		return nil
	}
	_, err := tx.ExecContext(ctx, "SET TRANSACTION ISOLATION LEVEL "+isolationSQL(level))
	return err
}

func isolationSQL(level sql.IsolationLevel) string {
	switch level {
	case sql.LevelReadUncommitted:
		return "READ UNCOMMITTED"
	case sql.LevelReadCommitted:
		return "READ COMMITTED"
	case sql.LevelRepeatableRead:
		return "REPEATABLE READ"
	case sql.LevelSerializable:
		return "SERIALIZABLE"
	default:
		return "READ COMMITTED"
	}
}
