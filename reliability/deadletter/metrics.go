package deadletter

import (
	"context"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics"
)

type relayMetrics struct {
	republished   metrics.Counter
	retried       metrics.Counter
	exhausted     metrics.Counter
	stuckReset    metrics.Counter
	records       metrics.Gauge
	cycleDuration metrics.Histogram
}

func newRelayMetrics(sink metrics.Sink) relayMetrics {
	return relayMetrics{
		republished: sink.Counter(metrics.Metric{
			Name:        "deadletter_republished_total",
			Description: "Dead-letter records republished successfully",
		}),
		retried: sink.Counter(metrics.Metric{
			Name:        "deadletter_retry_scheduled_total",
			Description: "Failed republishes rescheduled with backoff",
		}),
		exhausted: sink.Counter(metrics.Metric{
			Name:        "deadletter_exhausted_total",
			Description: "Dead-letter records that reached their retry ceiling",
		}),
		stuckReset: sink.Counter(metrics.Metric{
			Name:        "deadletter_stuck_reset_total",
			Description: "Processing records returned to pending by the stuck sweep",
		}),
		records: sink.Gauge(metrics.Metric{
			Name:        "deadletter_records",
			Description: "Dead-letter records by status",
		}),
		cycleDuration: sink.Histogram(metrics.Metric{
			Name:        "deadletter_cycle_duration_seconds",
			Description: "Duration of one dead-letter task cycle",
			Unit:        "s",
			Buckets:     metrics.DefaultLatencyBuckets,
		}),
	}
}

func (m relayMetrics) observeCycle(ctx context.Context, task string, start time.Time) {
	m.cycleDuration.Observe(ctx, metrics.Labels{"task": task}, time.Since(start).Seconds())
}
