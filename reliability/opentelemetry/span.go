package opentelemetry

import (
	"fmt"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/errclass"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span helpers take *trace.Span so callers can pass &span straight from
// tracer.Start; a nil pointer is ignored.

// HandleSpanEvent adds a named event.
func HandleSpanEvent(span *trace.Span, eventName string, attributes ...attribute.KeyValue) {
	if span == nil {
		return
	}

	(*span).AddEvent(eventName, trace.WithAttributes(attributes...))
}

// HandleSpanBusinessErrorEvent notes an expected failure, such as a lost
// claim race, without marking the span failed.
func HandleSpanBusinessErrorEvent(span *trace.Span, eventName string, err error) {
	if err == nil {
		return
	}

	HandleSpanEvent(span, eventName,
		attribute.String("error", errclass.Redact(err)),
		attribute.String("error.kind", errclass.Classify(err).String()))
}

// HandleSpanError fails the span. The exception event carries the redacted
// message and the error kind, so connection strings and tokens never reach
// the trace backend.
func HandleSpanError(span *trace.Span, message string, err error) {
	if span == nil || err == nil {
		return
	}

	text := errclass.Redact(err)

	(*span).SetStatus(codes.Error, message+": "+text)
	(*span).AddEvent("exception", trace.WithAttributes(
		attribute.String("exception.type", fmt.Sprintf("%T", err)),
		attribute.String("exception.message", text),
		attribute.String("error.kind", errclass.Classify(err).String()),
	))
}
