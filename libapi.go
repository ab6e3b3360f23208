package relaycore

import (
	"time"

	runtimepkg "github.com/relaycore/relaycore/internal/runtime"
	configpkg "github.com/relaycore/relaycore/internal/runtime/config"
	dispatchpkg "github.com/relaycore/relaycore/internal/runtime/dispatch"
	errspkg "github.com/relaycore/relaycore/internal/runtime/errors"
	handlerpkg "github.com/relaycore/relaycore/internal/runtime/handlers"
	"github.com/relaycore/relaycore/internal/runtime/hosted"
	idspkg "github.com/relaycore/relaycore/internal/runtime/ids"
	jsoncodec "github.com/relaycore/relaycore/internal/runtime/jsoncodec"
	loggingpkg "github.com/relaycore/relaycore/internal/runtime/logging"
	metadatapkg "github.com/relaycore/relaycore/internal/runtime/metadata"
	outboxpkg "github.com/relaycore/relaycore/internal/runtime/outbox"
	registrypkg "github.com/relaycore/relaycore/internal/runtime/registry"
	sidechannelpkg "github.com/relaycore/relaycore/internal/runtime/sidechannel"
	storagepkg "github.com/relaycore/relaycore/internal/runtime/storage"
	transportpkg "github.com/relaycore/relaycore/transport"
	"google.golang.org/protobuf/proto"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	ProtoValidator      = runtimepkg.ProtoValidator
	OutboxStore         = runtimepkg.OutboxStore
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Builder

	MessageHandlerRegistration                = runtimepkg.MessageHandlerRegistration
	JSONHandlerRegistration[T any, O any]     = handlerpkg.JSONHandlerRegistration[T, O]
	JSONMessageContext[T any]                 = handlerpkg.JSONMessageContext[T]
	JSONMessageOutput[T any]                  = handlerpkg.JSONMessageOutput[T]
	JSONMessageHandler[T any, O any]          = handlerpkg.JSONMessageHandler[T, O]
	ProtoHandlerRegistration[T proto.Message] = handlerpkg.ProtoHandlerRegistration[T]
	ProtoHandlerOption                        = handlerpkg.ProtoHandlerOption
	ProtoMessageContext[T proto.Message]      = handlerpkg.ProtoMessageContext[T]
	ProtoMessageOutput                        = handlerpkg.ProtoMessageOutput
	ProtoMessageHandler[T proto.Message]      = handlerpkg.ProtoMessageHandler[T]
	MessageContextBase                        = handlerpkg.MessageContextBase

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Producer = runtimepkg.Producer

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	UnprocessableEventError = runtimepkg.UnprocessableEventError

	HandlerInfo           = runtimepkg.HandlerInfo
	HandlerStats          = runtimepkg.HandlerStats
	ConfigValidationError = errspkg.ConfigValidationError

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// Handler registry (C1), consumer dispatch engine (C8), outbox
	// publisher (C7), logging sidechannel (C10), and hosted loops (C9).
	HandlerRegistry     = registrypkg.Registry
	Binding             = registrypkg.Binding
	HandlerOption       = registrypkg.HandlerOption
	TransactionConfig   = registrypkg.TransactionConfig
	DispatchHandlerFunc = registrypkg.HandlerFunc
	AfterMaxRetryFunc   = registrypkg.AfterMaxRetryFunc

	DispatchEngine   = dispatchpkg.Engine
	Delivery         = dispatchpkg.Delivery
	CacheInvalidator = dispatchpkg.CacheInvalidator

	Store       = storagepkg.Store
	StoreConfig = storagepkg.Config
	Event       = storagepkg.Event

	OutboxPublisher     = outboxpkg.Publisher
	OutboxPublisherConfig = outboxpkg.Config
	OutboxDestination   = outboxpkg.Destination
	OutboxResolver      = outboxpkg.Resolver

	Sidechannel       = sidechannelpkg.Sidechannel
	SidechannelConfig = sidechannelpkg.Config
	FailureRecord     = sidechannelpkg.Record

	HostedLoops = hosted.Loops

	// Transport capabilities
	Capabilities = transportpkg.Capabilities

	// Modular transport types (new package structure)
	TransportBuilder         = transportpkg.Builder
	TransportConfig          = transportpkg.Config
	TransportRegistry        = transportpkg.Registry
	TransportCapabilities    = transportpkg.Capabilities
	TransportDLQManager      = transportpkg.DLQManager
	TransportQueueIntrospect = transportpkg.QueueIntrospector
	TransportDelayedPub      = transportpkg.DelayedPublisher
)

var (
	NewService     = runtimepkg.NewService
	ValidateConfig = configpkg.ValidateConfig

	RegisterMessageHandler  = runtimepkg.RegisterMessageHandler
	WithPublishMessageTypes = handlerpkg.WithPublishMessageTypes

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	ProtoValidateMiddleware = runtimepkg.ProtoValidateMiddleware
	OutboxMiddleware        = runtimepkg.OutboxMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	// Transport capabilities
	GetCapabilities = transportpkg.GetCapabilities

	// Modular transport registry (new package structure)
	// Use RegisterTransport and BuildTransport to work with the modular transport packages.
	// Import individual transports via: _ "github.com/relaycore/relaycore/transport/kafka"
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrServiceRequired             = errspkg.ErrServiceRequired
	ErrHandlerRequired             = errspkg.ErrHandlerRequired
	ErrConsumeQueueRequired        = errspkg.ErrConsumeQueueRequired
	ErrHandlerNameRequired         = errspkg.ErrHandlerNameRequired
	ErrConsumeMessageTypeRequired  = errspkg.ErrConsumeMessageTypeRequired
	ErrConsumeMessagePointerNeeded = errspkg.ErrConsumeMessagePointerNeeded
	ErrPublisherRequired           = errspkg.ErrPublisherRequired
	ErrTopicRequired               = errspkg.ErrTopicRequired
	ErrConfigRequired              = errspkg.ErrConfigRequired
	ErrLoggerRequired              = errspkg.ErrLoggerRequired
	ErrEventPayloadRequired        = errspkg.ErrEventPayloadRequired

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID

	// NewEventID generates a unique outbox event ID using ULID.
	NewEventID = idspkg.CreateULID

	NewHandlerRegistry = registrypkg.New
	WithMaxRetry        = registrypkg.WithMaxRetry
	WithTransactionConfig = registrypkg.WithTransactionConfig
	WithCleanCacheKeys  = registrypkg.WithCleanCacheKeys
	WithTopic           = registrypkg.WithTopic
	WithAfterMaxRetry   = registrypkg.WithAfterMaxRetry

	NewDispatchEngine = dispatchpkg.New

	OpenStore = storagepkg.Open

	NewOutboxPublisher = outboxpkg.New

	NewSidechannel = sidechannelpkg.New

	ErrUnknownType              = errspkg.ErrUnknownType
	ErrDuplicateBinding         = errspkg.ErrDuplicateBinding
	ErrMissingTransactionConfig = errspkg.ErrMissingTransactionConfig
	ErrMaxRetryExceeded         = errspkg.ErrMaxRetryExceeded
	ErrLockNotAcquired          = errspkg.ErrLockNotAcquired
	ErrEventAlreadyProcessed    = errspkg.ErrEventAlreadyProcessed
	ErrUnsupportedExchangeType  = errspkg.ErrUnsupportedExchangeType
)

// Idempotency store transaction sides, for use with WithTransactionConfig.
const (
	SideCommand = storagepkg.SideCommand
	SideQuery   = storagepkg.SideQuery
)

// Metadata keys - use these constants for standard metadata fields.
const (
	MetadataKeyCorrelationID = handlerpkg.MetadataKeyCorrelationID
	MetadataKeyEventSchema   = handlerpkg.MetadataKeyEventSchema
	MetadataKeyQueueDepth    = handlerpkg.MetadataKeyQueueDepth
	MetadataKeyEnqueuedAt    = handlerpkg.MetadataKeyEnqueuedAt
	MetadataKeyTraceID       = handlerpkg.MetadataKeyTraceID
	MetadataKeySpanID        = handlerpkg.MetadataKeySpanID

	// MetadataKeyDelay is honored by the RabbitMQ queue broker adapter for
	// delayed message processing. Set to a duration string like "30s", "5m", "1h".
	MetadataKeyDelay = "relaycore_delay"
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

func RegisterJSONHandler[T any, O any](svc *Service, cfg JSONHandlerRegistration[T, O]) error {
	return runtimepkg.RegisterJSONHandler(svc, cfg)
}

func RegisterProtoHandler[T proto.Message](svc *Service, cfg ProtoHandlerRegistration[T]) error {
	return runtimepkg.RegisterProtoHandler(svc, cfg)
}

func NewProtoMessage[T proto.Message]() (T, error) {
	return runtimepkg.NewProtoMessage[T]()
}

func MustProtoMessage[T proto.Message]() T {
	return runtimepkg.MustProtoMessage[T]()
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

// WithDelay returns a Metadata with the relaycore_delay key set for delayed message processing.
// This is a convenience wrapper for the RabbitMQ queue broker adapter's delayed message feature.
// Example: relaycore.NewMetadata().WithAll(relaycore.WithDelay(30 * time.Second))
func WithDelay(delay time.Duration) Metadata {
	return Metadata{MetadataKeyDelay: delay.String()}
}
