// Package metricstest provides an in-memory metrics.Sink for tests.
package metricstest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics"
)

// Recorder stores every observation in memory.
type Recorder struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
	observed map[string][]float64
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
		observed: make(map[string][]float64),
	}
}

type instrument struct {
	r    *Recorder
	name string
}

//nolint:ireturn
func (r *Recorder) Counter(m metrics.Metric) metrics.Counter { return instrument{r: r, name: m.Name} }

//nolint:ireturn
func (r *Recorder) Gauge(m metrics.Metric) metrics.Gauge { return instrument{r: r, name: m.Name} }

//nolint:ireturn
func (r *Recorder) Histogram(m metrics.Metric) metrics.Histogram {
	return instrument{r: r, name: m.Name}
}

func (i instrument) Inc(ctx context.Context, labels metrics.Labels) { i.Add(ctx, labels, 1) }

func (i instrument) Add(_ context.Context, labels metrics.Labels, value float64) {
	i.r.mu.Lock()
	defer i.r.mu.Unlock()

	i.r.counters[Key(i.name, labels)] += value
}

func (i instrument) Set(_ context.Context, labels metrics.Labels, value float64) {
	i.r.mu.Lock()
	defer i.r.mu.Unlock()

	i.r.gauges[Key(i.name, labels)] = value
}

func (i instrument) Observe(_ context.Context, labels metrics.Labels, value float64) {
	i.r.mu.Lock()
	defer i.r.mu.Unlock()

	k := Key(i.name, labels)
	i.r.observed[k] = append(i.r.observed[k], value)
}

// CounterValue returns the accumulated value for name and labels.
func (r *Recorder) CounterValue(name string, labels metrics.Labels) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.counters[Key(name, labels)]
}

// GaugeValue returns the last value set for name and labels.
func (r *Recorder) GaugeValue(name string, labels metrics.Labels) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.gauges[Key(name, labels)]
}

// Observations returns the histogram samples for name and labels.
func (r *Recorder) Observations(name string, labels metrics.Labels) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]float64(nil), r.observed[Key(name, labels)]...)
}

// Key renders name{k=v,...} with sorted label names.
func Key(name string, labels metrics.Labels) string {
	if len(labels) == 0 {
		return name
	}

	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, k+"="+v)
	}

	sort.Strings(parts)

	return name + "{" + strings.Join(parts, ",") + "}"
}
