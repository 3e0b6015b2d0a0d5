package outbox

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/bus"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/opentelemetry"
)

// PublishFunc delivers one record to its destination.
type PublishFunc func(ctx context.Context, record *Record) error

// PublisherRegistry maps event types to publish functions. It is populated
// at startup and read by the relay.
type PublisherRegistry struct {
	mu         sync.RWMutex
	publishers map[string]PublishFunc
}

func NewPublisherRegistry() *PublisherRegistry {
	return &PublisherRegistry{publishers: map[string]PublishFunc{}}
}

// Register binds eventType to fn. Registering a type twice is an error.
func (registry *PublisherRegistry) Register(eventType string, fn PublishFunc) error {
	if registry == nil {
		return ErrRegistryRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}

	if fn == nil {
		return ErrPublisherRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.publishers == nil {
		registry.publishers = make(map[string]PublishFunc)
	}

	if _, exists := registry.publishers[eventType]; exists {
		return fmt.Errorf("%w: %s", ErrPublisherAlreadyRegistered, eventType)
	}

	registry.publishers[eventType] = fn

	return nil
}

// Publish routes record to the function registered for its event type.
func (registry *PublisherRegistry) Publish(ctx context.Context, record *Record) error {
	if registry == nil {
		return ErrRegistryRequired
	}

	if record == nil {
		return ErrRecordRequired
	}

	eventType := strings.TrimSpace(record.EventType)

	registry.mu.RLock()
	fn, ok := registry.publishers[eventType]
	registry.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrPublisherNotRegistered, eventType)
	}

	return fn(ctx, record)
}

// Types lists the registered event types in sorted order.
func (registry *PublisherRegistry) Types() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	types := make([]string, 0, len(registry.publishers))
	for t := range registry.publishers {
		types = append(types, t)
	}

	sort.Strings(types)

	return types
}

// PublishTo returns a PublishFunc that sends the record payload to subject
// on publisher, tagging it with the record id, type and retry count and the
// caller's trace context.
func PublishTo(publisher bus.Publisher, subject string) PublishFunc {
	return func(ctx context.Context, record *Record) error {
		headers := opentelemetry.InjectQueueTraceContext(ctx)
		if headers == nil {
			headers = make(map[string]string, 3)
		}

		headers[bus.HeaderEventID] = record.ID
		headers[bus.HeaderEventType] = record.EventType
		headers[bus.HeaderRetry] = strconv.Itoa(record.RetryCount)

		return publisher.Publish(ctx, subject, record.Payload, headers)
	}
}
