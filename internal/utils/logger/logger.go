// Package logger provides the process-wide structured logger used by every
// package in this module.
package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once sync.Once
	log  *zap.SugaredLogger
)

// Logger returns the process-wide sugared logger, building it on first use
// from MKRAWIMG_LOG_LEVEL (default "info").
func Logger() *zap.SugaredLogger {
	once.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.Level = zap.NewAtomicLevelAt(levelFromEnv())

		base, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			// Fall back to a no-frills logger rather than panic; the build
			// tool must still run even if logging config is broken.
			base = zap.NewExample()
		}
		log = base.Sugar()
	})
	return log
}

func levelFromEnv() zapcore.Level {
	switch strings.ToLower(os.Getenv("MKRAWIMG_LOG_LEVEL")) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Sync flushes any buffered log entries. Call it from main before exit.
func Sync() {
	if log != nil {
		_ = log.Sync()
	}
}
