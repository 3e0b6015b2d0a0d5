package consumer

import (
	"context"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics"
)

// Outcomes recorded on consumer_messages_total.
const (
	OutcomeSuccess    = "success"
	OutcomeRetry      = "retry"
	OutcomeDeadLetter = "dead_letter"
	OutcomeDropped    = "dropped"
	OutcomeDuplicate  = "duplicate"
	OutcomeConflict   = "conflict"
)

type consumerMetrics struct {
	messages metrics.Counter
	duration metrics.Histogram
}

func newConsumerMetrics(sink metrics.Sink) consumerMetrics {
	return consumerMetrics{
		messages: sink.Counter(metrics.Metric{
			Name:        "consumer_messages_total",
			Description: "Deliveries settled by outcome",
		}),
		duration: sink.Histogram(metrics.Metric{
			Name:        "consumer_handle_duration_seconds",
			Description: "Time spent handling one delivery",
			Unit:        "s",
			Buckets:     metrics.DefaultLatencyBuckets,
		}),
	}
}

func (m consumerMetrics) record(ctx context.Context, subject, outcome string, start time.Time) {
	m.messages.Inc(ctx, metrics.Labels{"subject": subject, "outcome": outcome})
	m.duration.Observe(ctx, metrics.Labels{"subject": subject}, time.Since(start).Seconds())
}
