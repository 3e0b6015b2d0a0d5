package zap

import (
	"context"

	logpkg "github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var zapLevels = map[logpkg.Level]zapcore.Level{
	logpkg.LevelError: zapcore.ErrorLevel,
	logpkg.LevelWarn:  zapcore.WarnLevel,
	logpkg.LevelInfo:  zapcore.InfoLevel,
	logpkg.LevelDebug: zapcore.DebugLevel,
}

func toZapLevel(level logpkg.Level) zapcore.Level {
	if zl, ok := zapLevels[level]; ok {
		return zl
	}

	return zapcore.InfoLevel
}

// Logger implements log.Logger on a zap core. A nil *Logger is usable and
// drops everything.
type Logger struct {
	base  *zap.Logger
	level zap.AtomicLevel
}

var _ logpkg.Logger = (*Logger)(nil)

// Wrap adapts an existing zap logger. Filtering is left to its core.
func Wrap(logger *zap.Logger) *Logger {
	return &Logger{base: logger, level: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

func (l *Logger) core() *zap.Logger {
	if l != nil && l.base != nil {
		return l.base
	}

	return zap.NewNop()
}

func (l *Logger) derive(base *zap.Logger) *Logger {
	next := &Logger{base: base}
	if l != nil {
		next.level = l.level
	}

	return next
}

// Log writes one entry. Records logged inside a span carry its trace_id and
// span_id so they can be joined with the trace.
func (l *Logger) Log(ctx context.Context, level logpkg.Level, msg string, fields ...logpkg.Field) {
	ce := l.core().Check(toZapLevel(level), logpkg.SanitizeValue(msg))
	if ce == nil {
		return
	}

	out := convertFields(fields)

	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			out = append(out, zap.Stringer("trace_id", sc.TraceID()), zap.Stringer("span_id", sc.SpanID()))
		}
	}

	ce.Write(out...)
}

func (l *Logger) With(fields ...logpkg.Field) logpkg.Logger {
	return l.derive(l.core().With(convertFields(fields)...))
}

func (l *Logger) WithGroup(name string) logpkg.Logger {
	return l.derive(l.core().With(zap.Namespace(name)))
}

func (l *Logger) Enabled(level logpkg.Level) bool {
	return l.core().Core().Enabled(toZapLevel(level))
}

// Sync flushes the core. It gives up when ctx ends first; the flush keeps
// running in the background.
func (l *Logger) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	flushed := make(chan error, 1)

	go func() { flushed <- l.core().Sync() }()

	select {
	case err := <-flushed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Raw exposes the zap logger for libraries that want one.
func (l *Logger) Raw() *zap.Logger { return l.core() }

// Level is the handle for changing verbosity at runtime.
func (l *Logger) Level() zap.AtomicLevel { return l.level }

func convertFields(fields []logpkg.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))

	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			out = append(out, zap.String(f.Key, logpkg.SanitizeValue(v)))
		case error:
			out = append(out, zap.NamedError(f.Key, v))
		default:
			out = append(out, zap.Any(f.Key, v))
		}
	}

	return out
}
