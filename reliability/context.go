package reliability

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultTracerName = "moon.reliability"

type trackingKey struct{}

// TrackingComponents are the observability facilities a context carries.
type TrackingComponents struct {
	Logger        log.Logger
	Tracer        trace.Tracer
	CorrelationID string
	Metrics       metrics.Sink
}

func stored(ctx context.Context) TrackingComponents {
	tc, _ := ctx.Value(trackingKey{}).(TrackingComponents)
	return tc
}

// withTracking stores a modified copy, so parents never observe changes
// made for a child.
func withTracking(ctx context.Context, edit func(*TrackingComponents)) context.Context {
	tc := stored(ctx)
	edit(&tc)

	return context.WithValue(ctx, trackingKey{}, tc)
}

func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	return withTracking(ctx, func(tc *TrackingComponents) { tc.Logger = logger })
}

func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	return withTracking(ctx, func(tc *TrackingComponents) { tc.Tracer = tracer })
}

func ContextWithMetrics(ctx context.Context, sink metrics.Sink) context.Context {
	return withTracking(ctx, func(tc *TrackingComponents) { tc.Metrics = sink })
}

// ContextWithCorrelationID tags ctx with id, usually the event identity of
// the delivery being handled.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return withTracking(ctx, func(tc *TrackingComponents) { tc.CorrelationID = strings.TrimSpace(id) })
}

// NewLoggerFromContext returns the stored logger or a no-op one.
func NewLoggerFromContext(ctx context.Context) log.Logger {
	return log.OrNop(stored(ctx).Logger)
}

// NewTrackingFromContext resolves every component, filling gaps with a no-op
// logger and sink, the global tracer and a random correlation id.
func NewTrackingFromContext(ctx context.Context) TrackingComponents {
	tc := stored(ctx)

	tc.Logger = log.OrNop(tc.Logger)
	tc.Metrics = metrics.OrNop(tc.Metrics)

	if tc.Tracer == nil {
		tc.Tracer = otel.Tracer(defaultTracerName)
	}

	if tc.CorrelationID == "" {
		tc.CorrelationID = uuid.NewString()
	}

	return tc
}
