// Package opentelemetry builds the tracer and meter providers of a worker and
// provides span and queue-header helpers.
//
// InitTelemetry exports over OTLP gRPC when a collector endpoint is
// configured and telemetry is enabled. Otherwise providers are created
// without exporters so spans and instruments stay valid and cheap.
package opentelemetry
