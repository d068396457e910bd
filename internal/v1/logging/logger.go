// Package logging wraps zap with context-aware helpers: request and session
// identifiers ride on the context and are promoted onto every emitted line.
package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

type contextKey string

const (
	CorrelationIDKey contextKey = "correlation_id"
	ConnIDKey        contextKey = "conn_id"
	RoomIDKey        contextKey = "room_id"
)

// fieldSources lists the context keys promoted onto log lines, in emission
// order. The key doubles as the field name.
var fieldSources = []contextKey{CorrelationIDKey, ConnIDKey, RoomIDKey}

// Initialize builds the process-wide logger. level accepts the usual zap
// level names ("debug", "info", ...); an unparseable level keeps the
// encoder default. Only the first call has any effect.
func Initialize(level string, development bool) error {
	var err error
	once.Do(func() {
		cfg := newConfig(development)
		if lvl, parseErr := zapcore.ParseLevel(level); parseErr == nil {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
		logger, err = cfg.Build(zap.AddCallerSkip(1))
	})
	return err
}

// newConfig picks the encoder profile: colored console output while
// developing, ISO8601-timestamped JSON in production.
func newConfig(development bool) zap.Config {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg
}

// GetLogger returns the global logger, or a development fallback when
// Initialize has not run (tests, early startup).
func GetLogger() *zap.Logger {
	if logger == nil {
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

// Debug logs msg at DebugLevel with the context identifiers attached.
func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	from(ctx).Debug(msg, fields...)
}

// Info logs msg at InfoLevel with the context identifiers attached.
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	from(ctx).Info(msg, fields...)
}

// Warn logs msg at WarnLevel with the context identifiers attached.
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	from(ctx).Warn(msg, fields...)
}

// Error logs msg at ErrorLevel with the context identifiers attached.
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	from(ctx).Error(msg, fields...)
}

// Fatal logs msg at FatalLevel with the context identifiers attached, then
// exits.
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	from(ctx).Fatal(msg, fields...)
}

// from returns the global logger with the context identifiers and the
// service tag already bound.
func from(ctx context.Context) *zap.Logger {
	return GetLogger().With(contextFields(ctx)...)
}

// contextFields extracts the known identifiers off ctx. The service tag is
// always present so aggregated logs stay filterable.
func contextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, len(fieldSources)+1)
	fields = append(fields, zap.String("service", "signaling"))
	if ctx == nil {
		return fields
	}
	for _, key := range fieldSources {
		if v, ok := ctx.Value(key).(string); ok {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	return fields
}

// WithCorrelation tags ctx with the request correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// WithConn tags ctx with the websocket connection id.
func WithConn(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, ConnIDKey, connID)
}

// WithRoom tags ctx with the room id.
func WithRoom(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, RoomIDKey, roomID)
}
