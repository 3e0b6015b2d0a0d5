package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/bus"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/errgroup"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrAlreadySettled   = errors.New("rabbitmq: delivery already settled")
	ErrDeliveriesClosed = errors.New("rabbitmq: delivery stream closed")
)

// ConsumeChannel is the channel surface the subscriber needs.
type ConsumeChannel interface {
	TopologyChannel
	Qos(prefetchCount, prefetchSize int, global bool) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// ConsumeChannelProvider opens a channel for one subscription.
type ConsumeChannelProvider func(ctx context.Context) (ConsumeChannel, error)

// ConsumeChannels adapts a Connection to ConsumeChannelProvider.
func ConsumeChannels(conn *Connection) ConsumeChannelProvider {
	return func(ctx context.Context) (ConsumeChannel, error) {
		ch, err := conn.Channel(ctx)
		if err != nil {
			return nil, err
		}

		return ch, nil
	}
}

// QueueName is the durable queue for a subject consumed by group.
func QueueName(group, subject string) string {
	if group == "" {
		return subject
	}

	return group + "." + subject
}

// Subscriber consumes subjects from the topic exchange. It implements
// bus.Subscriber.
type Subscriber struct {
	provider ConsumeChannelProvider
	cfg      Config
	logger   log.Logger
}

// SubscriberOption customizes a Subscriber.
type SubscriberOption func(*Subscriber)

func WithSubscriberLogger(logger log.Logger) SubscriberOption {
	return func(s *Subscriber) { s.logger = log.OrNop(logger) }
}

// NewSubscriber reads the exchange names and prefetch from cfg.
func NewSubscriber(provider ConsumeChannelProvider, cfg Config, opts ...SubscriberOption) (*Subscriber, error) {
	if provider == nil {
		return nil, ErrChannelRequired
	}

	s := &Subscriber{provider: provider, cfg: cfg.normalize(), logger: log.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// Subscribe declares the queue topology for (subject, group) and dispatches
// deliveries to handler with at most Prefetch handlers in flight. It returns
// nil once ctx is done.
func (s *Subscriber) Subscribe(ctx context.Context, subject, group string, handler bus.Handler) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return bus.ErrEmptySubject
	}

	if handler == nil {
		return bus.ErrNilHandler
	}

	ch, err := s.provider(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq subscriber channel: %w", err)
	}

	defer func() { _ = ch.Close() }()

	queue := QueueName(group, subject)

	if err := s.declare(ch, subject, queue); err != nil {
		return err
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq consume %s: %w", queue, err)
	}

	logger := s.logger.With(log.String("subject", subject), log.String("queue", queue))
	logger.Log(ctx, log.LevelInfo, "rabbitmq subscription started")

	workers, workerCtx := errgroup.WithContext(ctx,
		errgroup.WithLimit(s.cfg.Prefetch),
		errgroup.WithLogger(logger),
		errgroup.WithComponent("rabbitmq.subscriber"),
	)

	err = s.pump(ctx, deliveries, func(d amqp.Delivery) {
		workers.Go(queue, func() error {
			s.dispatch(workerCtx, logger, subject, d, handler)
			return nil
		})
	})

	if waitErr := workers.Wait(); waitErr != nil {
		logger.Log(ctx, log.LevelError, "rabbitmq subscription worker failed", log.Err(waitErr))
	}

	logger.Log(ctx, log.LevelInfo, "rabbitmq subscription stopped")

	return err
}

func (s *Subscriber) declare(ch ConsumeChannel, subject, queue string) error {
	if err := ch.ExchangeDeclare(s.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", s.cfg.Exchange, err)
	}

	if err := DeclareDLQTopology(ch, DLQTopology{
		Exchange:   s.cfg.DLXExchange,
		Queue:      queue + ".dlq",
		BindingKey: subject,
	}); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, DLXArgs(s.cfg.DLXExchange)); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	if err := ch.QueueBind(queue, subject, s.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}

	if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos on %s: %w", queue, err)
	}

	return nil
}

func (s *Subscriber) pump(ctx context.Context, deliveries <-chan amqp.Delivery, dispatch func(amqp.Delivery)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}

				return ErrDeliveriesClosed
			}

			dispatch(d)
		}
	}
}

func (s *Subscriber) dispatch(ctx context.Context, logger log.Logger, subject string, d amqp.Delivery, handler bus.Handler) {
	msg := newMessage(subject, d, logger)

	err := handler(ctx, msg)
	if err != nil {
		logger.Log(ctx, log.LevelWarn, "rabbitmq handler returned error", log.Err(err))
	}

	if msg.settled.Load() {
		return
	}

	if err != nil {
		err = msg.Nak(ctx, 0)
	} else {
		err = msg.Ack(ctx)
	}

	if err != nil {
		logger.Log(ctx, log.LevelError, "rabbitmq settle failed", log.Err(err))
	}
}

// message is a delivery that settles at most once.
type message struct {
	subject  string
	delivery amqp.Delivery
	headers  map[string]string
	settled  atomic.Bool
	logger   log.Logger
}

func newMessage(subject string, d amqp.Delivery, logger log.Logger) *message {
	return &message{subject: subject, delivery: d, headers: tableToHeaders(d), logger: log.OrNop(logger)}
}

func (m *message) Subject() string { return m.subject }

func (m *message) Data() []byte { return m.delivery.Body }

func (m *message) Headers() map[string]string { return m.headers }

func (m *message) Ack(context.Context) error {
	if !m.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}

	return m.delivery.Ack(false)
}

// Nak requeues the delivery after delay. The delivery keeps its prefetch
// slot until then.
func (m *message) Nak(ctx context.Context, delay time.Duration) error {
	if !m.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}

	if delay <= 0 {
		return m.delivery.Nack(false, true)
	}

	time.AfterFunc(delay, func() {
		if err := m.delivery.Nack(false, true); err != nil {
			m.logger.Log(context.WithoutCancel(ctx), log.LevelDebug, "delayed nack failed, broker will requeue on channel close", log.Err(err))
		}
	})

	return nil
}

func tableToHeaders(d amqp.Delivery) map[string]string {
	headers := make(map[string]string, len(d.Headers)+2)

	for k, v := range d.Headers {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		case nil:
		default:
			headers[k] = fmt.Sprint(val)
		}
	}

	if _, ok := headers[bus.HeaderEventID]; !ok && d.MessageId != "" {
		headers[bus.HeaderEventID] = d.MessageId
	}

	if _, ok := headers[bus.HeaderEventType]; !ok && d.Type != "" {
		headers[bus.HeaderEventType] = d.Type
	}

	return headers
}

var _ bus.Subscriber = (*Subscriber)(nil)
