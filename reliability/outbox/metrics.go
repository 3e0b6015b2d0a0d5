package outbox

import (
	"context"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics"
)

const (
	taskProcess = "process"
	taskMonitor = "monitor"
)

type relayMetrics struct {
	published      metrics.Counter
	failed         metrics.Counter
	claimConflicts metrics.Counter
	stuckReset     metrics.Counter
	failedEvents   metrics.Gauge
	cycleDuration  metrics.Histogram
}

func newRelayMetrics(sink metrics.Sink) relayMetrics {
	return relayMetrics{
		published: sink.Counter(metrics.Metric{
			Name:        "outbox_events_published_total",
			Description: "Outbox records published",
		}),
		failed: sink.Counter(metrics.Metric{
			Name:        "outbox_events_failed_total",
			Description: "Outbox publish attempts that failed",
		}),
		claimConflicts: sink.Counter(metrics.Metric{
			Name:        "outbox_claim_conflicts_total",
			Description: "Claims lost to another relay instance",
		}),
		stuckReset: sink.Counter(metrics.Metric{
			Name:        "outbox_stuck_reset_total",
			Description: "Processing records returned to pending by the stuck sweep",
		}),
		failedEvents: sink.Gauge(metrics.Metric{
			Name:        "outbox_failed_events",
			Description: "Failed records that reached the retry ceiling",
		}),
		cycleDuration: sink.Histogram(metrics.Metric{
			Name:        "outbox_cycle_duration_seconds",
			Description: "Duration of one relay task cycle",
			Unit:        "s",
			Buckets:     metrics.DefaultLatencyBuckets,
		}),
	}
}

func (m relayMetrics) observeCycle(ctx context.Context, task string, start time.Time) {
	m.cycleDuration.Observe(ctx, metrics.Labels{"task": task}, time.Since(start).Seconds())
}
