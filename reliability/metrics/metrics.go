package metrics

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// ErrNilMeterProvider indicates that a nil OTel meter provider was provided.
var ErrNilMeterProvider = errors.New("metrics: meter provider cannot be nil")

// Labels are low-cardinality dimensions attached to one observation.
type Labels map[string]string

// Metric describes an instrument.
type Metric struct {
	Name        string
	Description string
	Unit        string
	// Buckets are histogram bucket boundaries. Nil selects DefaultLatencyBuckets.
	Buckets []float64
}

// DefaultLatencyBuckets are expressed in seconds.
var DefaultLatencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Sink creates or retrieves instruments.
type Sink interface {
	Counter(m Metric) Counter
	Gauge(m Metric) Gauge
	Histogram(m Metric) Histogram
}

// Counter is a monotonically increasing instrument.
type Counter interface {
	Inc(ctx context.Context, labels Labels)
	Add(ctx context.Context, labels Labels, value float64)
}

// Gauge records the current value of something.
type Gauge interface {
	Set(ctx context.Context, labels Labels, value float64)
}

// Histogram records a distribution of values.
type Histogram interface {
	Observe(ctx context.Context, labels Labels, value float64)
}

// OrNop returns sink, or a no-op sink when sink is nil.
//
//nolint:ireturn
func OrNop(sink Sink) Sink {
	if sink == nil {
		return NewNop()
	}

	return sink
}

// sortedKeys returns the label names in a stable order.
func sortedKeys(labels Labels) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

func labelSignature(name string, labels Labels) string {
	return name + "|" + strings.Join(sortedKeys(labels), ",")
}
