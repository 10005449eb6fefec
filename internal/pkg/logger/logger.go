// Package logger is the process-wide zap logger for ledgerwatch.
//
// Components take a named child with Named; request-scoped code takes the
// logger carried on its context with FromContext. The level is atomic and
// can be changed at runtime through Level.
package logger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global      *zap.Logger
	helper      *zap.Logger
	atomicLevel = zap.NewAtomicLevel()
	once        sync.Once
)

type ctxKey struct{}

// Init builds the global logger once. format is "json" or "console";
// anything else means json.
func Init(level, format string) error {
	var initErr error
	once.Do(func() {
		if err := atomicLevel.UnmarshalText([]byte(level)); err != nil {
			initErr = fmt.Errorf("parse log level %q: %w", level, err)
			return
		}

		cfg := zap.NewProductionConfig()
		if format == "console" {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		cfg.Level = atomicLevel
		cfg.InitialFields = map[string]any{"service": "ledgerwatch"}

		l, err := cfg.Build()
		if err != nil {
			initErr = fmt.Errorf("build logger: %w", err)
			return
		}
		global = l
		helper = l.WithOptions(zap.AddCallerSkip(1))
	})
	return initErr
}

// L returns the global logger, or a no-op logger before Init.
func L() *zap.Logger {
	if global == nil {
		return zap.NewNop()
	}
	return global
}

// Named returns a child logger tagged with a pipeline component.
func Named(component string) *zap.Logger {
	return L().With(zap.String("component", component))
}

// NewContext returns ctx carrying l.
func NewContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger carried by ctx, falling back to L.
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return L()
}

func h() *zap.Logger {
	if helper == nil {
		return zap.NewNop()
	}
	return helper
}

func Debug(msg string, fields ...zap.Field) { h().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { h().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { h().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { h().Error(msg, fields...) }

// Level exposes the atomic level as an http.Handler: GET reports it,
// PUT {"level":"debug"} changes it.
func Level() *zap.AtomicLevel {
	return &atomicLevel
}

// Sync flushes buffered entries.
func Sync() error {
	if global == nil {
		return nil
	}
	return global.Sync()
}
