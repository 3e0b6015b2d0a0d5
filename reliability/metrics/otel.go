package metrics

import (
	"context"
	"sync"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "moon.reliability"

// OTelSink records through the OpenTelemetry metric API.
type OTelSink struct {
	meter      metric.Meter
	logger     log.Logger
	counters   sync.Map // string -> metric.Float64Counter
	gauges     sync.Map // string -> metric.Float64Gauge
	histograms sync.Map // string -> metric.Float64Histogram
}

// NewOTel creates a sink backed by provider.
func NewOTel(provider metric.MeterProvider, logger log.Logger) (*OTelSink, error) {
	if provider == nil {
		return nil, ErrNilMeterProvider
	}

	return &OTelSink{
		meter:  provider.Meter(meterName),
		logger: log.OrNop(logger),
	}, nil
}

type otelCounter struct{ counter metric.Float64Counter }

func (c otelCounter) Inc(ctx context.Context, labels Labels) { c.Add(ctx, labels, 1) }

func (c otelCounter) Add(ctx context.Context, labels Labels, value float64) {
	c.counter.Add(ctx, value, metric.WithAttributes(toAttributes(labels)...))
}

type otelGauge struct{ gauge metric.Float64Gauge }

func (g otelGauge) Set(ctx context.Context, labels Labels, value float64) {
	g.gauge.Record(ctx, value, metric.WithAttributes(toAttributes(labels)...))
}

type otelHistogram struct{ histogram metric.Float64Histogram }

func (h otelHistogram) Observe(ctx context.Context, labels Labels, value float64) {
	h.histogram.Record(ctx, value, metric.WithAttributes(toAttributes(labels)...))
}

// Counter lazily creates or retrieves a counter. Creation failures are
// logged and yield a no-op instrument.
//
//nolint:ireturn
func (s *OTelSink) Counter(m Metric) Counter {
	if cached, ok := s.counters.Load(m.Name); ok {
		return otelCounter{counter: cached.(metric.Float64Counter)}
	}

	counter, err := s.meter.Float64Counter(m.Name, metric.WithDescription(m.Description), metric.WithUnit(m.Unit))
	if err != nil {
		s.creationFailed(m, err)
		return nopInstrument{}
	}

	actual, _ := s.counters.LoadOrStore(m.Name, counter)

	return otelCounter{counter: actual.(metric.Float64Counter)}
}

// Gauge lazily creates or retrieves a gauge.
//
//nolint:ireturn
func (s *OTelSink) Gauge(m Metric) Gauge {
	if cached, ok := s.gauges.Load(m.Name); ok {
		return otelGauge{gauge: cached.(metric.Float64Gauge)}
	}

	gauge, err := s.meter.Float64Gauge(m.Name, metric.WithDescription(m.Description), metric.WithUnit(m.Unit))
	if err != nil {
		s.creationFailed(m, err)
		return nopInstrument{}
	}

	actual, _ := s.gauges.LoadOrStore(m.Name, gauge)

	return otelGauge{gauge: actual.(metric.Float64Gauge)}
}

// Histogram lazily creates or retrieves a histogram.
//
//nolint:ireturn
func (s *OTelSink) Histogram(m Metric) Histogram {
	if cached, ok := s.histograms.Load(m.Name); ok {
		return otelHistogram{histogram: cached.(metric.Float64Histogram)}
	}

	buckets := m.Buckets
	if buckets == nil {
		buckets = DefaultLatencyBuckets
	}

	histogram, err := s.meter.Float64Histogram(m.Name,
		metric.WithDescription(m.Description),
		metric.WithUnit(m.Unit),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	if err != nil {
		s.creationFailed(m, err)
		return nopInstrument{}
	}

	actual, _ := s.histograms.LoadOrStore(m.Name, histogram)

	return otelHistogram{histogram: actual.(metric.Float64Histogram)}
}

func (s *OTelSink) creationFailed(m Metric, err error) {
	s.logger.Log(context.Background(), log.LevelError, "metric instrument creation failed",
		log.String("metric_name", m.Name), log.Err(err))
}

func toAttributes(labels Labels) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}

	attrs := make([]attribute.KeyValue, 0, len(labels))
	for _, k := range sortedKeys(labels) {
		attrs = append(attrs, attribute.String(k, labels[k]))
	}

	return attrs
}
