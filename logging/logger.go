// Package logging provides the structured logger used across the host:
// zap cores split per level into rotated files, with optional terminal
// output. Components receive a Logger; only cmd wires the global.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging interface handed to every component.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	// Fatal logs and then exits the process.
	Fatal(msg string, fields ...zap.Field)

	// With returns a child logger carrying extra fields.
	With(fields ...zap.Field) Logger
	// WithError is shorthand for With(zap.Error(err)).
	WithError(err error) Logger
	// Named returns a child logger with a dot-joined name segment.
	Named(name string) Logger

	// Zap exposes the underlying *zap.Logger for interop.
	Zap() *zap.Logger
	// Sync flushes buffered entries.
	Sync() error
}

type zapLogger struct {
	zl *zap.Logger
}

// NewLogger builds a Logger from the config: one core per enabled level,
// each writing to its own rotated file, teed to stdout when
// LogInTerminal is set.
func NewLogger(config Config) Logger {
	config.applyDefaults()

	zl := zap.New(zapcore.NewTee(levelCores(config)...))
	if config.ShowLineNumber {
		zl = zl.WithOptions(zap.AddCaller(), zap.AddCallerSkip(1))
	}
	return &zapLogger{zl: zl}
}

// FromZap wraps an existing *zap.Logger. Tests use it with zap.NewNop.
func FromZap(zl *zap.Logger) Logger {
	return &zapLogger{zl: zl}
}

func (l *zapLogger) Debug(msg string, fields ...zap.Field) { l.zl.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...zap.Field)  { l.zl.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...zap.Field)  { l.zl.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...zap.Field) { l.zl.Error(msg, fields...) }
func (l *zapLogger) Fatal(msg string, fields ...zap.Field) { l.zl.Fatal(msg, fields...) }

func (l *zapLogger) With(fields ...zap.Field) Logger {
	return &zapLogger{zl: l.zl.With(fields...)}
}

func (l *zapLogger) WithError(err error) Logger {
	return &zapLogger{zl: l.zl.With(zap.Error(err))}
}

func (l *zapLogger) Named(name string) Logger {
	return &zapLogger{zl: l.zl.Named(name)}
}

func (l *zapLogger) Zap() *zap.Logger { return l.zl }
func (l *zapLogger) Sync() error      { return l.zl.Sync() }
