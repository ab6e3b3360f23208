// Package registry is the handler registry (C1): it binds wire type names
// to handler functions plus the dispatch metadata the consumer dispatch
// engine needs to run them (retry ceiling, transaction side/isolation,
// cache keys to invalidate, and the stream topic a binding is served from).
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	errspkg "github.com/relaycore/relaycore/internal/runtime/errors"
	"github.com/relaycore/relaycore/internal/runtime/storage"
)

// TransactionConfig declares which idempotency side (command or query) and
// isolation level a handler's business transaction runs under. A binding
// with a nil TransactionConfig fails at dispatch time with
// ErrMissingTransactionConfig rather than silently defaulting to a side.
type TransactionConfig struct {
	Side      storage.TransactionSide
	Isolation sql.IsolationLevel
}

// HandlerFunc processes one decoded event payload inside the transaction
// opened by the dispatch engine. It receives the raw payload rather than a
// typed message so the registry stays independent of the JSON/proto codec a
// caller chooses for a given binding.
type HandlerFunc func(ctx context.Context, payload []byte, headers map[string]string) error

// AfterMaxRetryFunc runs once a delivery has exceeded its handler's
// MaxRetry, outside of any transaction. The delivery is acked regardless of
// what this hook returns; it exists for alerting or compensating actions,
// not for retrying further.
type AfterMaxRetryFunc func(ctx context.Context, payload []byte, headers map[string]string) error

// Binding is one registered (type name -> handler) pairing plus the
// metadata spec.md §4.1 requires the dispatch engine to enforce.
type Binding struct {
	Type              string
	Handler           HandlerFunc
	MaxRetry          int
	AfterMaxRetry     AfterMaxRetryFunc
	TransactionConfig *TransactionConfig
	CleanCacheKeys    []string
	// Topic is set when this binding is served from the stream broker
	// adapter; empty when it is queue-bound. The stream hosted loop reads
	// Registry.Topics() to know which topics to subscribe.
	Topic string
}

// HandlerOption configures a Binding at Register time.
type HandlerOption func(*Binding)

// WithMaxRetry sets the retry ceiling enforced against the delivery's
// x-death/CountOfRetry header before the handler is ever invoked.
func WithMaxRetry(n int) HandlerOption {
	return func(b *Binding) { b.MaxRetry = n }
}

// WithTransactionConfig declares the unit-of-work side and isolation level
// the handler's business transaction runs under. Omitting this option
// leaves TransactionConfig nil, which is a hard dispatch-time error.
func WithTransactionConfig(side storage.TransactionSide, isolation sql.IsolationLevel) HandlerOption {
	return func(b *Binding) {
		b.TransactionConfig = &TransactionConfig{Side: side, Isolation: isolation}
	}
}

// WithCleanCacheKeys lists cache keys the dispatch engine deletes after the
// handler's transaction commits successfully. Deletion failures are logged,
// never fatal.
func WithCleanCacheKeys(keys ...string) HandlerOption {
	return func(b *Binding) { b.CleanCacheKeys = append(b.CleanCacheKeys, keys...) }
}

// WithTopic marks the binding as stream-bound and served from topic.
func WithTopic(topic string) HandlerOption {
	return func(b *Binding) { b.Topic = topic }
}

// WithAfterMaxRetry attaches the terminal hook run once MaxRetry is
// exceeded.
func WithAfterMaxRetry(fn AfterMaxRetryFunc) HandlerOption {
	return func(b *Binding) { b.AfterMaxRetry = fn }
}

// Registry maps wire type names to bindings. Registering the same type name
// twice is a startup error (ErrDuplicateBinding); looking up an unbound type
// name is a dispatch-time non-error (ErrUnknownType) that the consumer
// dispatch engine acks rather than retries.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]*Binding
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{bindings: make(map[string]*Binding)}
}

// Register binds typeName to handler with the supplied options.
func (r *Registry) Register(typeName string, handler HandlerFunc, opts ...HandlerOption) error {
	if typeName == "" {
		return fmt.Errorf("relaycore: handler binding requires a type name")
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}

	binding := &Binding{Type: typeName, Handler: handler}
	for _, opt := range opts {
		if opt != nil {
			opt(binding)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bindings[typeName]; exists {
		return fmt.Errorf("%w: %s", errspkg.ErrDuplicateBinding, typeName)
	}
	r.bindings[typeName] = binding
	return nil
}

// Lookup returns the binding for typeName. It returns ErrUnknownType,
// wrapped with the offending type name, if nothing is bound.
func (r *Registry) Lookup(typeName string) (*Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	binding, ok := r.bindings[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrUnknownType, typeName)
	}
	return binding, nil
}

// Topics returns the distinct stream topics declared by registered
// bindings. The order is not defined (bindings are kept in a map).
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var topics []string
	for _, b := range r.bindings {
		if b.Topic == "" {
			continue
		}
		if _, ok := seen[b.Topic]; ok {
			continue
		}
		seen[b.Topic] = struct{}{}
		topics = append(topics, b.Topic)
	}
	return topics
}

// Len reports how many type names are currently bound.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}
