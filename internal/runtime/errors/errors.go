package errors

import sterrors "errors"

var (
	ErrServiceRequired             = sterrors.New("relaycore: service is required")
	ErrHandlerRequired             = sterrors.New("relaycore: handler function is required")
	ErrConsumeQueueRequired        = sterrors.New("relaycore: consume queue is required")
	ErrHandlerNameRequired         = sterrors.New("relaycore: handler name is required")
	ErrConsumeMessageTypeRequired  = sterrors.New("relaycore: consume message type is required")
	ErrConsumeMessagePointerNeeded = sterrors.New("relaycore: consume message type must be a pointer")
	ErrPublisherRequired           = sterrors.New("relaycore: publisher is required")
	ErrTopicRequired               = sterrors.New("relaycore: topic is required")
	ErrConfigRequired              = sterrors.New("relaycore: configuration is required")
	ErrLoggerRequired              = sterrors.New("relaycore: logger is required")
	ErrEventPayloadRequired        = sterrors.New("relaycore: event payload is required")

	// ErrUnknownType is returned by the handler registry when a wire type name has
	// no bound handler. The dispatch engine treats this as an ack, not a failure.
	ErrUnknownType = sterrors.New("relaycore: unknown message type")

	// ErrDuplicateBinding is a startup error: two handlers were registered for the
	// same message type name.
	ErrDuplicateBinding = sterrors.New("relaycore: duplicate handler binding for type")

	// ErrMissingTransactionConfig is a hard error surfaced at dispatch time when a
	// handler binding does not declare which unit-of-work side it runs under.
	ErrMissingTransactionConfig = sterrors.New("relaycore: handler is missing a transaction config")

	// ErrMaxRetryExceeded marks a delivery that has been attempted more than the
	// handler's declared MaxRetry allows. It is terminal: the message is acked.
	ErrMaxRetryExceeded = sterrors.New("relaycore: max retry exceeded")

	// ErrLockNotAcquired is returned by the distributed lock when the key is
	// already held by another instance.
	ErrLockNotAcquired = sterrors.New("relaycore: lock not acquired")

	// ErrEventAlreadyProcessed signals that an idempotency marker for a message id
	// already exists; the caller should ack without invoking the handler again.
	ErrEventAlreadyProcessed = sterrors.New("relaycore: event already processed")

	// ErrUnsupportedExchangeType is a configuration error: the domain event's
	// declared exchange mode is not one of Direct, FanOut, or Default.
	ErrUnsupportedExchangeType = sterrors.New("relaycore: unsupported exchange type")
)

// ConfigValidationError wraps an aggregate configuration validation failure
// produced by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "relaycore: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err as a ConfigValidationError, returning nil
// if err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
