package metrics

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var testCounter = Metric{Name: "outbox_events_published_total", Description: "published events"}

func newOTelTestSink(t *testing.T) (*OTelSink, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	sink, err := NewOTel(mp, nil)
	require.NoError(t, err)

	return sink, reader
}

func findMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) *metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}

	return nil
}

func TestNewOTel_NilProvider(t *testing.T) {
	_, err := NewOTel(nil, nil)
	require.ErrorIs(t, err, ErrNilMeterProvider)
}

func TestOTelSink_CounterAccumulatesPerLabelSet(t *testing.T) {
	sink, reader := newOTelTestSink(t)
	ctx := context.Background()

	sink.Counter(testCounter).Inc(ctx, Labels{"event_type": "order.created"})
	sink.Counter(testCounter).Inc(ctx, Labels{"event_type": "order.created"})
	sink.Counter(testCounter).Add(ctx, Labels{"event_type": "order.cancelled"}, 3)

	m := findMetric(t, reader, testCounter.Name)
	require.NotNil(t, m)

	data, ok := m.Data.(metricdata.Sum[float64])
	require.True(t, ok, "got %T", m.Data)
	require.Len(t, data.DataPoints, 2)

	byType := map[string]float64{}
	for _, dp := range data.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("event_type"))
		byType[v.AsString()] = dp.Value
	}

	assert.InDelta(t, 2, byType["order.created"], 0.0001)
	assert.InDelta(t, 3, byType["order.cancelled"], 0.0001)
}

func TestOTelSink_GaugeAndHistogram(t *testing.T) {
	sink, reader := newOTelTestSink(t)
	ctx := context.Background()

	sink.Gauge(Metric{Name: "outbox_failed_events"}).Set(ctx, nil, 7)
	sink.Histogram(Metric{Name: "outbox_cycle_duration_seconds", Unit: "s"}).Observe(ctx, nil, 0.2)

	gauge := findMetric(t, reader, "outbox_failed_events")
	require.NotNil(t, gauge)
	gaugeData, ok := gauge.Data.(metricdata.Gauge[float64])
	require.True(t, ok)
	assert.InDelta(t, 7, gaugeData.DataPoints[0].Value, 0.0001)

	hist := findMetric(t, reader, "outbox_cycle_duration_seconds")
	require.NotNil(t, hist)
	histData, ok := hist.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	assert.Equal(t, uint64(1), histData.DataPoints[0].Count)
	assert.Equal(t, DefaultLatencyBuckets, histData.DataPoints[0].Bounds)
}

func TestOTelSink_ConcurrentCreation(t *testing.T) {
	sink, reader := newOTelTestSink(t)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			sink.Counter(testCounter).Inc(context.Background(), nil)
		}()
	}

	wg.Wait()

	data := findMetric(t, reader, testCounter.Name).Data.(metricdata.Sum[float64])
	assert.InDelta(t, 20, data.DataPoints[0].Value, 0.0001)
}

func TestPrometheusSink_RecordsAndReusesVectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	sink := NewPrometheus(registry, nil)
	ctx := context.Background()

	sink.Counter(testCounter).Inc(ctx, Labels{"event_type": "a"})
	sink.Counter(testCounter).Inc(ctx, Labels{"event_type": "a"})
	sink.Gauge(Metric{Name: "executor.in_flight"}).Set(ctx, Labels{"executor": "erp"}, 4)
	sink.Histogram(Metric{Name: "consumer_handle_duration_seconds"}).Observe(ctx, Labels{"subject": "s"}, 0.3)

	count, err := testutil.GatherAndCount(registry, "outbox_events_published_total", "executor_in_flight", "consumer_handle_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	vec := sink.collectors[labelSignature(testCounter.Name, Labels{"event_type": "a"})].(*prometheus.CounterVec)
	assert.InDelta(t, 2, testutil.ToFloat64(vec.WithLabelValues("a")), 0.0001)
}

func TestPrometheusSink_SharesAlreadyRegisteredCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewPrometheus(registry, nil)
	second := NewPrometheus(registry, nil)
	ctx := context.Background()

	first.Counter(testCounter).Inc(ctx, Labels{"event_type": "a"})
	second.Counter(testCounter).Inc(ctx, Labels{"event_type": "a"})

	vec := second.collectors[labelSignature(testCounter.Name, Labels{"event_type": "a"})].(*prometheus.CounterVec)
	assert.InDelta(t, 2, testutil.ToFloat64(vec.WithLabelValues("a")), 0.0001)
}

func TestNopAndOrNop(t *testing.T) {
	assert.NotPanics(t, func() {
		sink := OrNop(nil)
		sink.Counter(testCounter).Inc(context.Background(), nil)
		sink.Gauge(testCounter).Set(context.Background(), nil, 1)
		sink.Histogram(testCounter).Observe(context.Background(), nil, 1)
	})
}
