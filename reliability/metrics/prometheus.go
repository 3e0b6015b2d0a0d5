package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink records into client_golang vectors registered on a
// Registerer. A vector is keyed by metric name plus label names, since
// Prometheus fixes the label set at registration.
type PrometheusSink struct {
	registerer prometheus.Registerer
	logger     log.Logger
	mu         sync.Mutex
	collectors map[string]prometheus.Collector
}

// NewPrometheus creates a sink registering on registerer. A nil registerer
// uses prometheus.DefaultRegisterer.
func NewPrometheus(registerer prometheus.Registerer, logger log.Logger) *PrometheusSink {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PrometheusSink{
		registerer: registerer,
		logger:     log.OrNop(logger),
		collectors: make(map[string]prometheus.Collector),
	}
}

type promCounter struct {
	sink *PrometheusSink
	m    Metric
}

func (c promCounter) Inc(ctx context.Context, labels Labels) { c.Add(ctx, labels, 1) }

func (c promCounter) Add(_ context.Context, labels Labels, value float64) {
	vec, ok := c.sink.collector(c.m, labels, func(names []string) prometheus.Collector {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: promName(c.m.Name), Help: help(c.m)}, names)
	}).(*prometheus.CounterVec)
	if ok {
		vec.With(prometheus.Labels(labels)).Add(value)
	}
}

type promGauge struct {
	sink *PrometheusSink
	m    Metric
}

func (g promGauge) Set(_ context.Context, labels Labels, value float64) {
	vec, ok := g.sink.collector(g.m, labels, func(names []string) prometheus.Collector {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: promName(g.m.Name), Help: help(g.m)}, names)
	}).(*prometheus.GaugeVec)
	if ok {
		vec.With(prometheus.Labels(labels)).Set(value)
	}
}

type promHistogram struct {
	sink *PrometheusSink
	m    Metric
}

func (h promHistogram) Observe(_ context.Context, labels Labels, value float64) {
	buckets := h.m.Buckets
	if buckets == nil {
		buckets = DefaultLatencyBuckets
	}

	vec, ok := h.sink.collector(h.m, labels, func(names []string) prometheus.Collector {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: promName(h.m.Name), Help: help(h.m), Buckets: buckets}, names)
	}).(*prometheus.HistogramVec)
	if ok {
		vec.With(prometheus.Labels(labels)).Observe(value)
	}
}

//nolint:ireturn
func (s *PrometheusSink) Counter(m Metric) Counter { return promCounter{sink: s, m: m} }

//nolint:ireturn
func (s *PrometheusSink) Gauge(m Metric) Gauge { return promGauge{sink: s, m: m} }

//nolint:ireturn
func (s *PrometheusSink) Histogram(m Metric) Histogram { return promHistogram{sink: s, m: m} }

func (s *PrometheusSink) collector(m Metric, labels Labels, build func([]string) prometheus.Collector) prometheus.Collector {
	key := labelSignature(m.Name, labels)

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collectors[key]; ok {
		return c
	}

	c := build(sortedKeys(labels))

	if err := s.registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			s.logger.Log(context.Background(), log.LevelError, "prometheus collector registration failed",
				log.String("metric_name", m.Name), log.Err(err))

			return nil
		}

		c = already.ExistingCollector
	}

	s.collectors[key] = c

	return c
}

// promName maps dotted OTel-style names to Prometheus names.
func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

func help(m Metric) string {
	if m.Description != "" {
		return m.Description
	}

	return m.Name
}
