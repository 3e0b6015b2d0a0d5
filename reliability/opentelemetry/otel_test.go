package opentelemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingTracer(t *testing.T) (trace.Tracer, *tracetest.SpanRecorder) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	return tp.Tracer("test"), recorder
}

func TestInitTelemetry_DisabledExport(t *testing.T) {
	_, err := InitTelemetry(context.Background(), nil)
	require.ErrorIs(t, err, ErrNilTelemetryConfig)

	tel, err := InitTelemetry(context.Background(), &TelemetryConfig{
		LibraryName: "moon.reliability",
		ServiceName: "orders",
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	assert.NotNil(t, tel.Tracer())
	assert.NotNil(t, tel.MeterProvider)
}

func TestHandleSpanHelpers(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	_, span := tracer.Start(context.Background(), "outbox.publish")
	HandleSpanEvent(&span, "outbox.claimed", attribute.String("outbox.id", "o1"))
	HandleSpanBusinessErrorEvent(&span, "outbox.claim_conflict", errors.New("already claimed"))
	HandleSpanError(&span, "publish failed", errors.New("broker down"))
	HandleSpanError(nil, "ignored", errors.New("x"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "publish failed: broker down", ended[0].Status().Description)

	names := []string{}
	for _, ev := range ended[0].Events() {
		names = append(names, ev.Name)
	}

	assert.Contains(t, names, "outbox.claimed")
	assert.Contains(t, names, "outbox.claim_conflict")
	assert.Contains(t, names, "exception")
}

func TestQueueTraceContextRoundTrip(t *testing.T) {
	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.Cleanup(func() { otel.SetTextMapPropagator(previous) })

	tracer, _ := newRecordingTracer(t)

	ctx, span := tracer.Start(context.Background(), "publish")
	defer span.End()

	headers := PrepareQueueHeaders(ctx, map[string]any{"event_type": "order.created"})
	assert.Equal(t, "order.created", headers["event_type"])
	assert.Contains(t, headers, "traceparent")

	extracted := ExtractTraceContextFromQueueHeaders(context.Background(), headers)
	assert.Equal(t, GetTraceIDFromContext(ctx), trace.SpanContextFromContext(extracted).TraceID().String())

	assert.Empty(t, GetTraceIDFromContext(context.Background()))
	assert.Equal(t, context.Background(), ExtractQueueTraceContext(context.Background(), nil))
}

func TestHandleSpanErrorRedactsCredentials(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	_, span := tracer.Start(context.Background(), "mongo.connect")
	HandleSpanError(&span, "connect failed", errors.New("dial mongodb://app:s3cret@db:27017 refused"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.NotContains(t, ended[0].Status().Description, "s3cret")

	for _, ev := range ended[0].Events() {
		for _, attr := range ev.Attributes {
			assert.NotContains(t, attr.Value.Emit(), "s3cret")
		}
	}
}
