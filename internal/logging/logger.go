package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production JSON logger at the requested level.
// An empty level defaults to info.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

// WithOperation enriches the logger with operation and batch identifiers.
func WithOperation(logger *zap.Logger, operation, batchID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if batchID != "" {
		fields = append(fields, zap.String("batch_id", batchID))
	}
	return logger.With(fields...)
}
