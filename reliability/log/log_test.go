package log

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEntry struct {
	level  Level
	msg    string
	fields []Field
}

type recordingLogger struct {
	entries []recordedEntry
	level   Level
}

func (r *recordingLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	r.entries = append(r.entries, recordedEntry{level: level, msg: msg, fields: fields})
}

func (r *recordingLogger) With(...Field) Logger     { return r }
func (r *recordingLogger) WithGroup(string) Logger  { return r }
func (r *recordingLogger) Enabled(level Level) bool { return r.level >= level }
func (r *recordingLogger) Sync(context.Context) error {
	return nil
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input       string
		expected    Level
		expectError bool
	}{
		{input: "error", expected: LevelError},
		{input: "warn", expected: LevelWarn},
		{input: "warning", expected: LevelWarn},
		{input: "INFO", expected: LevelInfo},
		{input: " debug ", expected: LevelDebug},
		{input: "fatal", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if tt.expectError {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "error", LevelError.String())
	assert.Equal(t, "debug", LevelDebug.String())
	assert.Equal(t, "unknown", Level(42).String())
}

func TestSafeError_ProductionLogsOnlyType(t *testing.T) {
	logger := &recordingLogger{level: LevelDebug}

	SafeError(logger, context.Background(), "publish failed", errors.New("secret dsn"), true)

	require.Len(t, logger.entries, 1)
	assert.Equal(t, "error_type", logger.entries[0].fields[0].Key)
	assert.Equal(t, "*errors.errorString", logger.entries[0].fields[0].Value)
}

func TestSafeError_SkipsNilAndDisabled(t *testing.T) {
	logger := &recordingLogger{level: LevelDebug}
	SafeError(logger, context.Background(), "noop", nil, false)
	assert.Empty(t, logger.entries)

	errorOnly := &recordingLogger{level: LevelError}
	SafeError(errorOnly, context.Background(), "logged", errors.New("boom"), false)
	require.Len(t, errorOnly.entries, 1)
	assert.Equal(t, "error", errorOnly.entries[0].fields[0].Key)

	SafeError(nil, context.Background(), "nil logger", errors.New("boom"), false)
}

func TestSlogLogger_WritesSanitizedFields(t *testing.T) {
	var buf bytes.Buffer

	logger := NewSlog(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger = logger.With(String("component", "outbox"))

	logger.Log(context.Background(), LevelWarn, "event\nforged", String("event_id", "a\nb"), Int("attempt", 2))

	out := buf.String()
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, `"component":"outbox"`)
	assert.Contains(t, out, `event\\nforged`)
	assert.Contains(t, out, `"attempt":2`)
	assert.True(t, logger.Enabled(LevelDebug))
}

func TestNewSlog_NilHandlerIsNop(t *testing.T) {
	logger := NewSlog(nil)

	assert.False(t, logger.Enabled(LevelError))
	assert.NoError(t, logger.Sync(context.Background()))
}

func TestOrNop(t *testing.T) {
	assert.IsType(t, &NopLogger{}, OrNop(nil))

	custom := &recordingLogger{}
	assert.Same(t, custom, OrNop(custom))
}
