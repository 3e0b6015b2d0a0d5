// Package metrics provides the metrics sink used by every reliability
// component.
//
// A Sink hands out counters, gauges and histograms by Metric definition.
// Instruments are created lazily on first use and cached by name, so
// components can record from hot paths without pre-registration.
//
// Three sinks are available: NewOTel (OpenTelemetry metric API),
// NewPrometheus (client_golang vectors) and NewNop.
package metrics
