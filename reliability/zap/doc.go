// Package zap adapts go.uber.org/zap to the reliability log.Logger interface.
//
// New builds an environment-aware JSON logger that is teed into the
// OpenTelemetry log pipeline, so relay and consumer records carry trace
// correlation in production.
package zap
