package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	base *zap.SugaredLogger
)

// Init builds the process logger. level is one of debug, info, warn, error.
func Init(level string) error {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true

	lg, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	base = lg.Sugar()
	mu.Unlock()
	return nil
}

// Set replaces the process logger. Used by tests.
func Set(l *zap.SugaredLogger) {
	mu.Lock()
	base = l
	mu.Unlock()
}

// L returns the process logger, falling back to a development logger.
func L() *zap.SugaredLogger {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		lg, err := zap.NewDevelopment()
		if err != nil {
			lg = zap.NewNop()
		}
		base = lg.Sugar()
	}
	return base
}

func Sync() {
	_ = L().Sync()
}

// Helper functions (kept for callers that log without a component logger)
func Info(args ...interface{}) {
	L().Info(args...)
}

func Infof(format string, v ...interface{}) {
	L().Infof(format, v...)
}

func Error(args ...interface{}) {
	L().Error(args...)
}

func Errorf(format string, v ...interface{}) {
	L().Errorf(format, v...)
}

func Warn(args ...interface{}) {
	L().Warn(args...)
}

func Warnf(format string, v ...interface{}) {
	L().Warnf(format, v...)
}

func Debugf(format string, v ...interface{}) {
	L().Debugf(format, v...)
}
