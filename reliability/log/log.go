package log

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is implemented by the zap and slog backends and by NopLogger.
// Every component in this module logs through it.
type Logger interface {
	Log(ctx context.Context, level Level, msg string, fields ...Field)
	With(fields ...Field) Logger
	WithGroup(name string) Logger
	Enabled(level Level) bool
	Sync(ctx context.Context) error
}

// Level orders severities from LevelError (most severe) to LevelDebug. A
// logger at LevelInfo drops only debug records.
type Level uint8

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var levelNames = [...]string{
	LevelError: "error",
	LevelWarn:  "warn",
	LevelInfo:  "info",
	LevelDebug: "debug",
}

func (level Level) String() string {
	if int(level) < len(levelNames) {
		return levelNames[level]
	}

	return "unknown"
}

// ParseLevel accepts the level names case-insensitively, plus "warning".
func ParseLevel(raw string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "warning" {
		return LevelWarn, nil
	}

	for level, candidate := range levelNames {
		if candidate == name {
			return Level(level), nil
		}
	}

	return LevelError, fmt.Errorf("log: unknown level %q", raw)
}

// Field is one key/value attached to a record.
type Field struct {
	Key   string
	Value any
}

func field(key string, value any) Field { return Field{Key: key, Value: value} }

// Any attaches an arbitrary value. Payloads must not go through it.
func Any(key string, value any) Field { return field(key, value) }

func String(key, value string) Field { return field(key, value) }
func Int(key string, value int) Field { return field(key, value) }
func Int64(key string, value int64) Field { return field(key, value) }
func Bool(key string, value bool) Field { return field(key, value) }
func Duration(key string, value time.Duration) Field { return field(key, value) }

// Err attaches err under the "error" key.
func Err(err error) Field { return field("error", err) }
