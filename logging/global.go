package logging

import "sync"

var (
	globalMu     sync.RWMutex
	globalLogger Logger
)

// Global returns the process-wide logger, building a default one on first
// use if Init was never called.
func Global() Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = NewLogger(DefaultConfig())
	}
	return globalLogger
}

// SetGlobal replaces the process-wide logger.
func SetGlobal(logger Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// Init builds a logger from the config and installs it as the global.
func Init(config Config) {
	SetGlobal(NewLogger(config))
}
