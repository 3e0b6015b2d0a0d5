// Package bus defines the message bus contracts used by the outbox relay,
// the dead-letter relay and the retryable consumer.
//
// Adapters live in subpackages: rabbitmq (topic exchange with publisher
// confirms and manual acknowledgment) and kafka (franz-go producer).
package bus

import (
	"context"
	"errors"
	"time"
)

// Well-known header keys set by publishers in this module.
const (
	HeaderEventID   = "x-event-id"
	HeaderEventType = "x-event-type"
	HeaderRetry     = "x-retry-count"
)

var (
	// ErrNilHandler is returned by Subscribe when no handler is given.
	ErrNilHandler = errors.New("bus: handler is nil")
	// ErrEmptySubject is returned when a subject is blank.
	ErrEmptySubject = errors.New("bus: subject is empty")
	// ErrClosed is returned by adapters after Close.
	ErrClosed = errors.New("bus: closed")
)

// Publisher sends payloads to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, headers map[string]string) error
}

// Message is one delivery. Exactly one of Ack or Nak should be called.
type Message interface {
	Subject() string
	Data() []byte
	Headers() map[string]string
	Ack(ctx context.Context) error
	// Nak asks the broker to redeliver after delay.
	Nak(ctx context.Context, delay time.Duration) error
}

// Handler processes one delivery and settles it.
type Handler func(ctx context.Context, msg Message) error

// Subscriber binds a handler to a subject for a consumer group. Subscribe
// blocks until ctx is done or the subscription fails.
type Subscriber interface {
	Subscribe(ctx context.Context, subject, group string, handler Handler) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, subject string, payload []byte, headers map[string]string) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, subject string, payload []byte, headers map[string]string) error {
	return f(ctx, subject, payload, headers)
}
