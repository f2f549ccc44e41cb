package logging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func fileConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Director = t.TempDir()
	cfg.LogInTerminal = false
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Director != "logs" {
		t.Errorf("Director = %q, want logs", cfg.Director)
	}
	if cfg.Level != "info" {
		t.Errorf("Level = %q, want info", cfg.Level)
	}
	if cfg.Format != "json" {
		t.Errorf("Format = %q, want json", cfg.Format)
	}
}

func TestTransportLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"fatal":   zapcore.FatalLevel,
		"bogus":   zapcore.DebugLevel,
		"WARN":    zapcore.WarnLevel,
		"Invalid": zapcore.DebugLevel,
	}
	for in, want := range cases {
		cfg := Config{Level: in}
		if got := cfg.TransportLevel(); got != want {
			t.Errorf("TransportLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerWritesLevelFiles(t *testing.T) {
	cfg := fileConfig(t)
	logger := NewLogger(cfg)
	logger.Info("hello", zap.String("key", "value"))
	logger.Error("broken")
	if err := logger.Sync(); err != nil {
		t.Logf("sync: %v", err)
	}

	dates, err := os.ReadDir(cfg.Director)
	if err != nil || len(dates) != 1 {
		t.Fatalf("expected one date dir, got %v err %v", dates, err)
	}
	day := filepath.Join(cfg.Director, dates[0].Name())
	for _, level := range []string{"info", "error"} {
		if _, err := os.Stat(filepath.Join(day, level+".log")); err != nil {
			t.Errorf("missing %s.log: %v", level, err)
		}
	}
	// Debug is below the floor; its file must never be created.
	if _, err := os.Stat(filepath.Join(day, "debug.log")); err == nil {
		t.Error("debug.log exists below the configured level")
	}
}

func TestChildLoggers(t *testing.T) {
	logger := NewLogger(fileConfig(t))

	if logger.With(zap.String("component", "test")) == nil {
		t.Fatal("With returned nil")
	}
	if logger.Named("sub") == nil {
		t.Fatal("Named returned nil")
	}
	if logger.WithError(os.ErrNotExist) == nil {
		t.Fatal("WithError returned nil")
	}
	if logger.Zap() == nil {
		t.Fatal("Zap returned nil")
	}
}

func TestFromZap(t *testing.T) {
	zl := zap.NewNop()
	logger := FromZap(zl)
	if logger.Zap() != zl {
		t.Fatal("FromZap must wrap the given zap logger")
	}
	logger.Info("nop")
}

func TestGlobal(t *testing.T) {
	replacement := NewLogger(fileConfig(t))
	SetGlobal(replacement)
	if Global().Zap() != replacement.Zap() {
		t.Error("SetGlobal must replace the global logger")
	}

	Init(fileConfig(t))
	if Global().Zap() == replacement.Zap() {
		t.Error("Init must install a fresh logger")
	}
}

func TestContextRoundTrip(t *testing.T) {
	logger := FromZap(zap.NewNop())

	ctx := ToContext(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Error("FromContext must return the stored logger")
	}
	if FromContext(context.Background()) == nil {
		t.Error("FromContext must fall back to the global logger")
	}

	ctx = SetTraceID(context.Background(), "trace-123")
	if got := GetTraceID(ctx); got != "trace-123" {
		t.Errorf("GetTraceID = %q", got)
	}
	if GetTraceID(context.Background()) != "" {
		t.Error("GetTraceID without a value must return empty")
	}
	if WithContext(logger, context.Background()) != logger {
		t.Error("WithContext without a trace id must return the logger unchanged")
	}
	if WithContext(logger, ctx) == logger {
		t.Error("WithContext with a trace id must return a child logger")
	}
}

func TestCloseAllWriters(t *testing.T) {
	logger := NewLogger(fileConfig(t))
	logger.Info("open a file handle")
	if err := CloseAllWriters(); err != nil {
		t.Fatalf("CloseAllWriters: %v", err)
	}
}
