package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyChannel is the channel surface needed to declare topology.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DLQTopology names the dead-letter exchange and queue for one work queue.
type DLQTopology struct {
	Exchange   string
	Queue      string
	BindingKey string
	MessageTTL time.Duration
	MaxLength  int64
}

// DLQOption adjusts a DLQTopology.
type DLQOption func(*DLQTopology)

// WithDLQMessageTTL sets x-message-ttl on the dead-letter queue.
func WithDLQMessageTTL(ttl time.Duration) DLQOption {
	return func(t *DLQTopology) {
		if ttl > 0 {
			t.MessageTTL = ttl
		}
	}
}

// WithDLQMaxLength sets x-max-length on the dead-letter queue.
func WithDLQMaxLength(n int64) DLQOption {
	return func(t *DLQTopology) {
		if n > 0 {
			t.MaxLength = n
		}
	}
}

func (t DLQTopology) queueArgs() amqp.Table {
	args := amqp.Table{}

	if t.MessageTTL > 0 {
		args["x-message-ttl"] = max(t.MessageTTL.Milliseconds(), 1)
	}

	if t.MaxLength > 0 {
		args["x-max-length"] = t.MaxLength
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

// DeclareDLQTopology declares a durable topic dead-letter exchange, a
// durable dead-letter queue and the binding between them.
func DeclareDLQTopology(ch TopologyChannel, topology DLQTopology, opts ...DLQOption) error {
	if ch == nil {
		return fmt.Errorf("declare dlq topology: %w", ErrChannelRequired)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&topology)
		}
	}

	if topology.BindingKey == "" {
		topology.BindingKey = "#"
	}

	if err := ch.ExchangeDeclare(topology.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(topology.Queue, true, false, false, false, topology.queueArgs()); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}

	if err := ch.QueueBind(topology.Queue, topology.BindingKey, topology.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	return nil
}

// DLXArgs are the work-queue arguments that route rejected and expired
// messages to exchange.
func DLXArgs(exchange string) amqp.Table {
	return amqp.Table{"x-dead-letter-exchange": exchange}
}
