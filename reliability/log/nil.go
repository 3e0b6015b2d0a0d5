package log

import "context"

// NopLogger discards everything and reports every level disabled.
type NopLogger struct{}

var _ Logger = (*NopLogger)(nil)

func NewNop() Logger { return &NopLogger{} }

func (l *NopLogger) Log(context.Context, Level, string, ...Field) {}
func (l *NopLogger) With(...Field) Logger { return l }
func (l *NopLogger) WithGroup(string) Logger { return l }
func (l *NopLogger) Enabled(Level) bool { return false }
func (l *NopLogger) Sync(context.Context) error { return nil }

// OrNop lets constructors accept a nil logger.
func OrNop(logger Logger) Logger {
	if logger != nil {
		return logger
	}

	return NewNop()
}
