// Package logging sets up the process-wide zap logger, matching spec §7:
// "all errors log at err or higher with a stable one-line prefix
// identifying component and database/collection".
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger at the given level ("debug", "info", "warn", "err"
// mapped to zap's "error") in either "json" or "console" format.
func New(level, format string) (*zap.Logger, error) {
	var zl zapcore.Level
	if level == "err" {
		level = "error"
	}
	if err := zl.UnmarshalText([]byte(level)); err != nil {
		zl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return cfg.Build()
}

// Component returns a child logger carrying the stable one-line prefix
// fields spec §7 requires: the component name and the database/collection
// it is acting on.
func Component(log *zap.Logger, component, db, collection string) *zap.Logger {
	fields := []zap.Field{zap.String("component", component)}
	if db != "" {
		fields = append(fields, zap.String("db", db))
	}
	if collection != "" {
		fields = append(fields, zap.String("collection", collection))
	}
	return log.With(fields...)
}
