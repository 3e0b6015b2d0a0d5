package metrics

import "context"

type nopSink struct{}

type nopInstrument struct{}

// NewNop returns a sink that drops every observation.
//
//nolint:ireturn
func NewNop() Sink { return nopSink{} }

//nolint:ireturn
func (nopSink) Counter(Metric) Counter { return nopInstrument{} }

//nolint:ireturn
func (nopSink) Gauge(Metric) Gauge { return nopInstrument{} }

//nolint:ireturn
func (nopSink) Histogram(Metric) Histogram { return nopInstrument{} }

func (nopInstrument) Inc(context.Context, Labels)              {}
func (nopInstrument) Add(context.Context, Labels, float64)     {}
func (nopInstrument) Set(context.Context, Labels, float64)     {}
func (nopInstrument) Observe(context.Context, Labels, float64) {}
