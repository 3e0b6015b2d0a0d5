package outbox

import "errors"

var (
	ErrRecordRequired             = errors.New("outbox: record is required")
	ErrRepositoryRequired         = errors.New("outbox: repository is required")
	ErrRegistryRequired           = errors.New("outbox: publisher registry is required")
	ErrRelayRequired              = errors.New("outbox: relay is required")
	ErrRelayRunning               = errors.New("outbox: relay is already running")
	ErrEventTypeRequired          = errors.New("outbox: event type is required")
	ErrPayloadRequired            = errors.New("outbox: payload is required")
	ErrPayloadTooLarge            = errors.New("outbox: payload exceeds maximum size")
	ErrPublisherRequired          = errors.New("outbox: publish function is required")
	ErrPublisherAlreadyRegistered = errors.New("outbox: publisher already registered")
	ErrPublisherNotRegistered     = errors.New("outbox: publisher is not registered")
	ErrInvalidStatus              = errors.New("outbox: invalid status")
	ErrInvalidTransition          = errors.New("outbox: invalid status transition")
	ErrRecordNotFound             = errors.New("outbox: record not found")
)
