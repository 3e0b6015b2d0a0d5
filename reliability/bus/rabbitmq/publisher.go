package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/bus"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/opentelemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConfirmModeUnavailable = errors.New("rabbitmq: channel does not support confirm mode")
	ErrPublishNacked          = errors.New("rabbitmq: message was nacked by broker")
	ErrConfirmTimeout         = errors.New("rabbitmq: confirmation timed out")
)

// DefaultConfirmTimeout bounds the wait for a broker confirm.
const DefaultConfirmTimeout = 5 * time.Second

// confirmBuffer must cover the unconfirmed publishes in flight; publishes are
// serialized so one slot is in use at a time.
const confirmBuffer = 16

// ConfirmableChannel is the channel surface the publisher needs.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// ChannelProvider opens a new channel for the publisher.
type ChannelProvider func(ctx context.Context) (ConfirmableChannel, error)

// ConnectionChannels adapts a Connection to ChannelProvider.
func ConnectionChannels(conn *Connection) ChannelProvider {
	return func(ctx context.Context) (ConfirmableChannel, error) {
		ch, err := conn.Channel(ctx)
		if err != nil {
			return nil, err
		}

		return ch, nil
	}
}

// Publisher sends events to a topic exchange with the subject as routing
// key and waits for the broker confirm of each message. It implements
// bus.Publisher.
type Publisher struct {
	provider       ChannelProvider
	exchange       string
	confirmTimeout time.Duration
	logger         log.Logger
	tracer         trace.Tracer

	mu       sync.Mutex
	ch       ConfirmableChannel
	confirms chan amqp.Confirmation
	closed   bool
}

// PublisherOption customizes a Publisher.
type PublisherOption func(*Publisher)

func WithPublisherLogger(logger log.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = log.OrNop(logger) }
}

// WithConfirmTimeout ignores non-positive values.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

func WithPublisherTracer(tracer trace.Tracer) PublisherOption {
	return func(p *Publisher) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// NewPublisher returns a publisher that opens its channel lazily through
// provider and reopens it after a failure.
func NewPublisher(provider ChannelProvider, exchange string, opts ...PublisherOption) (*Publisher, error) {
	if provider == nil {
		return nil, ErrChannelRequired
	}

	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = defaultExchange
	}

	p := &Publisher{
		provider:       provider,
		exchange:       exchange,
		confirmTimeout: DefaultConfirmTimeout,
		logger:         log.NewNop(),
		tracer:         otel.Tracer("rabbitmq"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p, nil
}

// DeclareExchange declares the durable topic exchange the publisher
// targets.
func (p *Publisher) DeclareExchange(ctx context.Context, ch TopologyChannel) error {
	if ch == nil {
		return ErrChannelRequired
	}

	if err := ch.ExchangeDeclare(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}

	return nil
}

// Publish implements bus.Publisher.
func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte, headers map[string]string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return bus.ErrEmptySubject
	}

	ctx, span := p.tracer.Start(ctx, "rabbitmq.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination", p.exchange),
		attribute.String("messaging.rabbitmq.routing_key", subject),
	)

	table := make(map[string]any, len(headers))
	for k, v := range headers {
		table[k] = v
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    headers[bus.HeaderEventID],
		Type:         headers[bus.HeaderEventType],
		Headers:      amqp.Table(opentelemetry.PrepareQueueHeaders(ctx, table)),
		Body:         payload,
	}

	if err := p.PublishAndWaitConfirm(ctx, subject, msg); err != nil {
		opentelemetry.HandleSpanError(&span, "failed to publish message", err)
		return err
	}

	return nil
}

// PublishAndWaitConfirm sends msg with routingKey and blocks until the
// broker acks it. Calls are serialized to keep confirms in order.
func (p *Publisher) PublishAndWaitConfirm(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return bus.ErrClosed
	}

	if err := p.ensureChannelLocked(ctx); err != nil {
		return err
	}

	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		p.invalidateLocked()
		return fmt.Errorf("rabbitmq publish: %w", err)
	}

	err := waitForConfirm(ctx, p.confirms, p.confirmTimeout)
	if err != nil && isConfirmStreamCorrupted(err) {
		// a late confirm would be read by the next publish
		p.invalidateLocked()
	}

	return err
}

func (p *Publisher) ensureChannelLocked(ctx context.Context) error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}

	p.ch = nil

	ch, err := p.provider(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq publisher channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))

	p.logger.Log(ctx, log.LevelDebug, "rabbitmq publisher channel opened", log.String("exchange", p.exchange))

	return nil
}

func (p *Publisher) invalidateLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}

	p.ch = nil
	p.confirms = nil
}

func isConfirmStreamCorrupted(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, bus.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func waitForConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return bus.ErrClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("rabbitmq confirm: %w", ctx.Err())
	}
}

// Close closes the current channel. Later publishes fail with bus.ErrClosed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	if p.ch == nil {
		return nil
	}

	err := p.ch.Close()
	p.ch = nil

	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("rabbitmq publisher close: %w", err)
	}

	return nil
}

var _ bus.Publisher = (*Publisher)(nil)
