package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/bus"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/opentelemetry"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HeaderPartitionKey selects the record key. Without it the event id is
// used, so all attempts of one event land on the same partition.
const HeaderPartitionKey = "x-partition-key"

var (
	ErrNoBrokers       = errors.New("kafka: at least one seed broker is required")
	ErrPingUnsupported = errors.New("kafka: producer cannot ping brokers")
)

// Config holds the producer settings. Brokers is a comma-separated list.
type Config struct {
	Brokers         string `env:"KAFKA_BROKERS"`
	ClientID        string `env:"KAFKA_CLIENT_ID"`
	AutoCreateTopic bool   `env:"KAFKA_AUTO_CREATE_TOPICS"`
}

// Producer is the part of *kgo.Client the publisher uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher produces each message synchronously and returns once the
// broker acknowledged it.
type Publisher struct {
	producer Producer
	logger   log.Logger
	tracer   trace.Tracer

	mu     sync.RWMutex
	closed bool
}

// Option customizes a Publisher.
type Option func(*Publisher)

func WithLogger(logger log.Logger) Option {
	return func(p *Publisher) { p.logger = log.OrNop(logger) }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(p *Publisher) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// NewPublisher dials the seed brokers lazily through a new franz-go client.
func NewPublisher(cfg Config, opts ...Option) (*Publisher, error) {
	var brokers []string

	for _, part := range strings.Split(cfg.Brokers, ",") {
		if part = strings.TrimSpace(part); part != "" {
			brokers = append(brokers, part)
		}
	}

	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}

	clientOpts := []kgo.Opt{kgo.SeedBrokers(brokers...)}

	if cfg.ClientID != "" {
		clientOpts = append(clientOpts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.AutoCreateTopic {
		clientOpts = append(clientOpts, kgo.AllowAutoTopicCreation())
	}

	client, err := kgo.NewClient(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	return NewPublisherWithProducer(client, opts...), nil
}

// NewPublisherWithProducer wraps an existing producer.
func NewPublisherWithProducer(producer Producer, opts ...Option) *Publisher {
	p := &Publisher{producer: producer, logger: log.NewNop(), tracer: otel.Tracer("kafka")}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p
}

// Publish implements bus.Publisher.
func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte, headers map[string]string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return bus.ErrEmptySubject
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return bus.ErrClosed
	}

	ctx, span := p.tracer.Start(ctx, "kafka.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(attribute.String("messaging.system", "kafka"), attribute.String("messaging.destination", subject))

	record := &kgo.Record{
		Topic:   subject,
		Key:     recordKey(headers),
		Value:   payload,
		Headers: recordHeaders(ctx, headers),
	}

	if err := p.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		opentelemetry.HandleSpanError(&span, "failed to produce record", err)
		return fmt.Errorf("kafka produce to %s: %w", subject, err)
	}

	p.logger.Log(ctx, log.LevelDebug, "record produced",
		log.String("topic", subject),
		log.Int("partition", int(record.Partition)),
		log.Int64("offset", record.Offset))

	return nil
}

// Close flushes nothing; ProduceSync already waited for every record.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	p.producer.Close()
}

// Ping checks that a broker answers. The producer must implement
// Ping(ctx) error, as *kgo.Client does.
func (p *Publisher) Ping(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return bus.ErrClosed
	}

	pinger, ok := p.producer.(interface{ Ping(context.Context) error })
	if !ok {
		return ErrPingUnsupported
	}

	if err := pinger.Ping(ctx); err != nil {
		return fmt.Errorf("kafka ping: %w", err)
	}

	return nil
}

func recordKey(headers map[string]string) []byte {
	if key := headers[HeaderPartitionKey]; key != "" {
		return []byte(key)
	}

	if id := headers[bus.HeaderEventID]; id != "" {
		return []byte(id)
	}

	return nil
}

func recordHeaders(ctx context.Context, headers map[string]string) []kgo.RecordHeader {
	merged := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		merged[k] = v
	}

	for k, v := range opentelemetry.InjectQueueTraceContext(ctx) {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]kgo.RecordHeader, 0, len(keys))
	for _, k := range keys {
		out = append(out, kgo.RecordHeader{Key: k, Value: []byte(merged[k])})
	}

	return out
}

var _ bus.Publisher = (*Publisher)(nil)
