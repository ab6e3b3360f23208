package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"google.golang.org/protobuf/proto"

	configpkg "github.com/relaycore/relaycore/internal/runtime/config"
	"github.com/relaycore/relaycore/internal/runtime/dispatch"
	loggingpkg "github.com/relaycore/relaycore/internal/runtime/logging"
	"github.com/relaycore/relaycore/internal/runtime/registry"
	"github.com/relaycore/relaycore/internal/runtime/sidechannel"
	"github.com/relaycore/relaycore/internal/runtime/storage"
	transportpkg "github.com/relaycore/relaycore/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ProtoValidator validates unmarshalled payloads. Implementations typically
// forward to protovalidate or a custom struct validator.
type ProtoValidator interface {
	Validate(value any) error
}

// OutboxStore persists processed messages so they can be forwarded reliably.
type OutboxStore interface {
	StoreOutgoingMessage(ctx context.Context, eventType, uuid, payload string) error
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to skip the related middleware.
type ServiceDependencies struct {
	Outbox                    OutboxStore
	Validator                 ProtoValidator
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	TransportFactory          transportpkg.Builder
	ErrorClassifier           ErrorClassifier

	// Store, when set, backs the handler registry's dispatch engine: the
	// idempotency store, the distributed lock, and the outbox table. A
	// Service constructed without a Store has no DispatchEngine and callers
	// wanting domain event dispatch (as opposed to raw Watermill handlers
	// registered via RegisterMessageHandler) must build one separately.
	Store            *storage.Store
	DispatchCache    dispatch.CacheInvalidator
	Sidechannel      *sidechannel.Sidechannel
	DispatchInstance string
}

// Service wires a Watermill router, publisher, subscriber, and middleware chain.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router

	validator ProtoValidator
	outbox    OutboxStore

	protoRegistry   map[string]func() proto.Message
	protoRegistryMu sync.RWMutex

	handlers   []*HandlerInfo
	handlersMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	httpCtx       context.Context
	httpCancel    context.CancelFunc

	errorClassifier ErrorClassifier
	resourceTracker *resourceTracker

	store            *storage.Store
	registry         *registry.Registry
	dispatchEngine   *dispatch.Engine
	sidechannel      *sidechannel.Sidechannel
	dispatchInstance string
}

// NewService constructs a Service for the supplied configuration. Register handlers
// on the returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating event service",
		loggingpkg.LogFields{
			"pubsub_system": conf.PubSubSystem,
			"config":        conf,
		})

	httpCtx, httpCancel := context.WithCancel(context.Background())
	s := &Service{
		Conf:            conf,
		Logger:          log,
		validator:       deps.Validator,
		outbox:          deps.Outbox,
		protoRegistry:   make(map[string]func() proto.Message),
		resourceTracker: newResourceTracker(),
		httpCtx:         httpCtx,
		httpCancel:      httpCancel,
	}

	if deps.ErrorClassifier != nil {
		s.errorClassifier = deps.ErrorClassifier
	} else {
		s.errorClassifier = defaultErrorClassifier
	}

	build := deps.TransportFactory
	if build == nil {
		build = transportpkg.Build
	}
	transport, err := build(ctx, conf, wmLogger)
	if err != nil {
		panic(err)
	}

	s.publisher = transport.Publisher
	s.subscriber = transport.Subscriber

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		panic(err)
	}

	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	s.registerConfiguredMiddlewares(deps)

	if deps.Store != nil {
		s.store = deps.Store
		s.registry = registry.New()
		s.sidechannel = deps.Sidechannel
		s.dispatchInstance = deps.DispatchInstance

		engine, err := dispatch.New(s.registry, s.store, deps.DispatchCache, s.sidechannel, log)
		if err != nil {
			panic(err)
		}
		s.dispatchEngine = engine
	}

	return s
}

// DispatchEngine returns the consumer dispatch engine backing domain event
// handlers, or nil if the Service was constructed without a Store.
func (s *Service) DispatchEngine() *dispatch.Engine {
	return s.dispatchEngine
}

// Registry returns the handler registry domain bindings are registered
// against, or nil if the Service was constructed without a Store.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Store returns the persistence layer backing the dispatch engine, the
// outbox, and the distributed lock, or nil if the Service was constructed
// without one.
func (s *Service) Store() *storage.Store {
	return s.store
}

// DispatchInstanceID returns the instance identifier passed via
// ServiceDependencies.DispatchInstance, for callers wiring an
// outbox.Publisher (C7) or the distributed lock (C4) directly against this
// Service's Store, so every lock/outbox owner tag agrees with the Service's
// own configured identity.
func (s *Service) DispatchInstanceID() string {
	return s.dispatchInstance
}

// RegisterDispatchHandler binds typeName to handler on the Service's
// registry, so the consumer dispatch engine and hosted loops (C9) can route
// deliveries to it. Unlike RegisterMessageHandler, a dispatch-registered
// handler is not wired into the Watermill router: it is driven directly by
// the hosted queue and stream consumer loops, since the dispatch engine
// implements its own idempotency-gated transaction and retry-ceiling
// protocol rather than the router's per-middleware ack/nack pipeline.
func (s *Service) RegisterDispatchHandler(typeName string, handler registry.HandlerFunc, opts ...registry.HandlerOption) error {
	if s.registry == nil {
		return fmt.Errorf("relaycore: service has no dispatch registry; construct it with ServiceDependencies.Store set")
	}
	if err := s.registry.Register(typeName, handler, opts...); err != nil {
		return err
	}

	binding, err := s.registry.Lookup(typeName)
	if err != nil {
		return err
	}

	s.handlersMu.Lock()
	s.handlers = append(s.handlers, &HandlerInfo{
		Name:     typeName,
		Stats:    newHandlerStats(typeName, "", binding.Topic, s.getResourceTracker()),
		Dispatch: dispatchBindingInfoFromBinding(binding),
	})
	s.handlersMu.Unlock()

	return nil
}

// Start runs the underlying Watermill router until the provided context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.startHTTPServers()
	return routerRun(s.router, ctx)
}

// Stop cancels the HTTP servers registered via RegisterHTTPHandler. It does
// not stop the Watermill router; cancel the context passed to Start for that.
func (s *Service) Stop() {
	if s.httpCancel != nil {
		s.httpCancel()
	}
}

// Publisher returns the underlying transport publisher, for callers wiring
// hosted loops (C9) or an outbox publisher (C7) outside of RegisterMessageHandler.
func (s *Service) Publisher() message.Publisher {
	return s.publisher
}

// Subscriber returns the underlying transport subscriber, for callers
// wiring hosted loops (C9) outside of RegisterMessageHandler.
func (s *Service) Subscriber() message.Subscriber {
	return s.subscriber
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			panic(fmt.Sprintf("failed to register middleware %s: %v", name, err))
		}
	}
}

func (s *Service) getErrorClassifier() ErrorClassifier {
	if s.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return s.errorClassifier
}

func (s *Service) getResourceTracker() *resourceTracker {
	if s.resourceTracker == nil {
		s.resourceTracker = newResourceTracker()
	}
	return s.resourceTracker
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}
