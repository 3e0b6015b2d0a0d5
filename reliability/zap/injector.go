package zap

import (
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment picks a logging profile.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
)

var ErrMissingLibraryName = errors.New("zap: OTelLibraryName is required")

// profile is what an environment changes: the default level and whether
// zap's development mode (DPanic panics, caller-rich output) is on.
type profile struct {
	defaultLevel zapcore.Level
	development  bool
}

var profiles = map[Environment]profile{
	EnvironmentProduction:  {defaultLevel: zapcore.InfoLevel},
	EnvironmentStaging:     {defaultLevel: zapcore.InfoLevel},
	EnvironmentDevelopment: {defaultLevel: zapcore.DebugLevel, development: true},
	EnvironmentLocal:       {defaultLevel: zapcore.DebugLevel, development: true},
}

// Config selects the profile and names the OTel log scope.
type Config struct {
	Environment     Environment
	Level           string
	OTelLibraryName string
	ServiceName     string
}

// New builds a JSON logger that also forwards every entry to the global OTel
// logger provider under OTelLibraryName.
func New(cfg Config) (*Logger, error) {
	if strings.TrimSpace(cfg.OTelLibraryName) == "" {
		return nil, ErrMissingLibraryName
	}

	prof, ok := profiles[cfg.Environment]
	if !ok {
		return nil, fmt.Errorf("zap: unknown environment %q", cfg.Environment)
	}

	level := zap.NewAtomicLevelAt(prof.defaultLevel)

	if raw := strings.TrimSpace(cfg.Level); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			return nil, fmt.Errorf("zap: level %q: %w", raw, err)
		}
	}

	zc := zap.NewProductionConfig()
	if prof.development {
		zc = zap.NewDevelopmentConfig()
	}

	zc.Encoding = "json"
	zc.Level = level
	zc.DisableStacktrace = true
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	opts := []zap.Option{
		zap.AddCallerSkip(1),
		zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, otelzap.NewCore(cfg.OTelLibraryName))
		}),
	}

	if cfg.ServiceName != "" {
		opts = append(opts, zap.Fields(zap.String("service", cfg.ServiceName)))
	}

	built, err := zc.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("zap: build: %w", err)
	}

	return &Logger{base: built, level: level}, nil
}
