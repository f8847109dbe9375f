package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dcaengine/internal/config"
)

// New builds the process logger. Every entry carries the service name and
// environment so lines from the scheduler, workers and API can be told apart
// once shipped.
func New(cfg config.LogConfig, app config.AppConfig, service string) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(strings.ToLower(strings.TrimSpace(cfg.Level))); err != nil {
		level = zapcore.InfoLevel
	}
	encoding := strings.ToLower(strings.TrimSpace(cfg.Encoding))
	if encoding != "console" {
		encoding = "json"
	}

	zc := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Development,
		Encoding:          encoding,
		DisableCaller:     cfg.DisableCaller,
		DisableStacktrace: cfg.DisableStacktrace,
		EncoderConfig:     zap.NewProductionEncoderConfig(),
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
	}
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if encoding == "console" {
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	if cfg.Sampling {
		zc.Sampling = &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		}
	}

	fields := []zap.Field{zap.String("service", service)}
	if env := strings.TrimSpace(app.Env); env != "" {
		fields = append(fields, zap.String("env", env))
	}
	return zc.Build(zap.Fields(fields...))
}

// ForExecution scopes a logger to one strategy run.
func ForExecution(l *zap.Logger, strategyID uint64, jobID string) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.With(zap.Uint64("strategy_id", strategyID), zap.String("job_id", jobID))
}
