package logging

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// levelWriter writes one level's entries into a per-day directory,
// delegating rotation within the day to lumberjack.
type levelWriter struct {
	config Config
	level  string

	mu      sync.RWMutex
	writers map[string]*lumberjack.Logger // keyed by date
}

func newLevelWriter(config Config, level string) *levelWriter {
	return &levelWriter{
		config:  config,
		level:   level,
		writers: make(map[string]*lumberjack.Logger),
	}
}

func (w *levelWriter) Write(p []byte) (int, error) {
	return w.writerFor(time.Now().Format("2006-01-02")).Write(p)
}

// Sync satisfies zapcore.WriteSyncer. Lumberjack flushes on every write,
// so there is nothing buffered to push.
func (w *levelWriter) Sync() error { return nil }

func (w *levelWriter) writerFor(date string) *lumberjack.Logger {
	w.mu.RLock()
	writer, ok := w.writers[date]
	w.mu.RUnlock()
	if ok {
		return writer
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if writer, ok := w.writers[date]; ok {
		return writer
	}

	dir := filepath.Join(w.config.Director, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		dir = w.config.Director
		_ = os.MkdirAll(dir, 0o755)
	}
	writer = &lumberjack.Logger{
		Filename:   filepath.Join(dir, w.level+".log"),
		MaxSize:    w.config.MaxSize,
		MaxBackups: w.config.MaxBackups,
		MaxAge:     w.config.MaxAge,
		Compress:   w.config.Compress,
		LocalTime:  true,
	}
	w.writers[date] = writer

	// Yesterday's handle is dead weight once the date rolls over.
	go w.dropStale(date)
	return writer
}

func (w *levelWriter) dropStale(current string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for date, writer := range w.writers {
		if date != current {
			_ = writer.Close()
			delete(w.writers, date)
		}
	}
}

func (w *levelWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var lastErr error
	for _, writer := range w.writers {
		if err := writer.Close(); err != nil {
			lastErr = err
		}
	}
	w.writers = make(map[string]*lumberjack.Logger)
	return lastErr
}

var (
	openWritersMu sync.Mutex
	openWriters   []*levelWriter
)

// syncerFor builds the write target for one level: the rotated file,
// teed to stdout when LogInTerminal is set. Writers are tracked so
// CloseAllWriters can release file handles on shutdown.
func syncerFor(config Config, level string) zapcore.WriteSyncer {
	fw := newLevelWriter(config, level)
	openWritersMu.Lock()
	openWriters = append(openWriters, fw)
	openWritersMu.Unlock()

	if config.LogInTerminal {
		return zapcore.NewMultiWriteSyncer(zapcore.AddSync(os.Stdout), zapcore.AddSync(fw))
	}
	return zapcore.AddSync(fw)
}

// CloseAllWriters closes every log file opened by any logger built in
// this process.
func CloseAllWriters() error {
	openWritersMu.Lock()
	defer openWritersMu.Unlock()
	var lastErr error
	for _, w := range openWriters {
		if err := w.Close(); err != nil {
			lastErr = err
		}
	}
	openWriters = nil
	return lastErr
}
