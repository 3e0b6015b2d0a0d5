package zap

import (
	"context"
	"errors"
	"testing"

	logpkg "github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, observed := observer.New(level)

	return Wrap(zap.New(core)), observed
}

func TestLogger_LevelsAndFields(t *testing.T) {
	logger, observed := newObservedLogger(zapcore.DebugLevel)

	logger.Log(context.Background(), logpkg.LevelWarn, "outbox event failed",
		logpkg.String("event_id", "o1"),
		logpkg.Err(errors.New("broker down")),
		logpkg.Int("retry_count", 2),
	)

	entries := observed.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "outbox event failed", entries[0].Message)

	ctxMap := entries[0].ContextMap()
	assert.Equal(t, "o1", ctxMap["event_id"])
	assert.Equal(t, "broker down", ctxMap["error"])
	assert.EqualValues(t, 2, ctxMap["retry_count"])
}

func TestLogger_AppendsTraceCorrelation(t *testing.T) {
	logger, observed := newObservedLogger(zapcore.InfoLevel)

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.Log(ctx, logpkg.LevelInfo, "claimed")

	ctxMap := observed.All()[0].ContextMap()
	assert.Equal(t, traceID.String(), ctxMap["trace_id"])
	assert.Equal(t, spanID.String(), ctxMap["span_id"])
}

func TestLogger_SanitizesControlCharacters(t *testing.T) {
	logger, observed := newObservedLogger(zapcore.InfoLevel)

	logger.Log(context.Background(), logpkg.LevelInfo, "line\ninjected", logpkg.String("subject", "a\rb"))

	entry := observed.All()[0]
	assert.Equal(t, `line\ninjected`, entry.Message)
	assert.Equal(t, `a\rb`, entry.ContextMap()["subject"])
}

func TestLogger_EnabledAndWith(t *testing.T) {
	logger, observed := newObservedLogger(zapcore.InfoLevel)

	assert.False(t, logger.Enabled(logpkg.LevelDebug))
	assert.True(t, logger.Enabled(logpkg.LevelError))

	child := logger.With(logpkg.String("component", "relay"))
	child.Log(context.Background(), logpkg.LevelError, "boom")

	assert.Equal(t, "relay", observed.All()[0].ContextMap()["component"])
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger

	assert.NotPanics(t, func() {
		logger.Log(context.Background(), logpkg.LevelInfo, "ignored")
	})
	assert.NotNil(t, logger.Raw())
}

func TestNew_ValidatesConfig(t *testing.T) {
	_, err := New(Config{Environment: EnvironmentProduction})
	require.Error(t, err)

	_, err = New(Config{Environment: "moon", OTelLibraryName: "lib"})
	require.Error(t, err)

	_, err = New(Config{Environment: EnvironmentLocal, OTelLibraryName: "lib", Level: "loud"})
	require.Error(t, err)

	logger, err := New(Config{Environment: EnvironmentLocal, OTelLibraryName: "lib", ServiceName: "orders"})
	require.NoError(t, err)
	assert.True(t, logger.Enabled(logpkg.LevelDebug))
}
