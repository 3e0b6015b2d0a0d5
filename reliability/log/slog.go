package log

import (
	"context"
	"log/slog"
)

// SlogLogger adapts a log/slog handler to Logger.
type SlogLogger struct {
	logger *slog.Logger
}

var _ Logger = (*SlogLogger)(nil)

// NewSlog wraps handler. A nil handler yields a no-op logger.
func NewSlog(handler slog.Handler) Logger {
	if handler == nil {
		return NewNop()
	}

	return &SlogLogger{logger: slog.New(handler)}
}

func (l *SlogLogger) Log(ctx context.Context, level Level, msg string, fields ...Field) {
	if ctx == nil {
		ctx = context.Background()
	}

	l.logger.LogAttrs(ctx, toSlogLevel(level), SanitizeValue(msg), toSlogAttrs(fields)...)
}

//nolint:ireturn
func (l *SlogLogger) With(fields ...Field) Logger {
	args := make([]any, 0, len(fields))
	for _, attr := range toSlogAttrs(fields) {
		args = append(args, attr)
	}

	return &SlogLogger{logger: l.logger.With(args...)}
}

//nolint:ireturn
func (l *SlogLogger) WithGroup(name string) Logger {
	return &SlogLogger{logger: l.logger.WithGroup(name)}
}

func (l *SlogLogger) Enabled(level Level) bool {
	return l.logger.Enabled(context.Background(), toSlogLevel(level))
}

// Sync is a no-op; slog handlers write synchronously.
func (l *SlogLogger) Sync(_ context.Context) error { return nil }

func toSlogLevel(level Level) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func toSlogAttrs(fields []Field) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(fields))

	for _, f := range fields {
		if s, ok := f.Value.(string); ok {
			attrs = append(attrs, slog.String(f.Key, SanitizeValue(s)))
			continue
		}

		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}

	return attrs
}
