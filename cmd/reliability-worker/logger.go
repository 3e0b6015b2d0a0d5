package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/zap"
)

const otelLibraryName = "github.com/oguzhanayyldz/moon-lib-sub000"

// newLogger returns a colored slog logger for local runs and a zap logger
// bridged to OpenTelemetry everywhere else.
func newLogger(cfg Config) (log.Logger, error) {
	if cfg.EnvName == "local" {
		level := slog.LevelInfo
		if parsed, err := log.ParseLevel(cfg.LogLevel); err == nil && parsed == log.LevelDebug {
			level = slog.LevelDebug
		}

		return log.NewSlog(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.RFC3339})), nil
	}

	logger, err := zap.New(zap.Config{
		Environment:     zap.Environment(cfg.EnvName),
		Level:           cfg.LogLevel,
		OTelLibraryName: otelLibraryName,
		ServiceName:     cfg.ServiceName,
	})
	if err != nil {
		return nil, err
	}

	return logger, nil
}
