// Package reliability holds the lifecycle and configuration primitives shared
// by the reliability subpackages.
//
// The Launcher runs background components (outbox relay, dead-letter relay,
// health checker) side by side. Context helpers carry the logger, tracer and
// metrics sink through a call chain:
//
//	ctx = reliability.ContextWithLogger(ctx, logger)
//	ctx = reliability.ContextWithTracer(ctx, tracer)
//	ctx = reliability.ContextWithCorrelationID(ctx, eventID)
//
// Environment helpers (GetenvOrDefault, SetConfigFromEnvVars) read the
// tunables of each component.
package reliability
