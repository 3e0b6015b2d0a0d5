// Package log defines the structured logging interface shared by every
// reliability component, plus typed fields and a no-op implementation.
//
// Backends live elsewhere: the zap package adapts go.uber.org/zap, and
// NewSlog adapts any log/slog handler (for example a tint handler during
// local development).
package log
