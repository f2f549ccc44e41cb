package plugin

import "context"

// Instance is the minimal interface every plugin must implement.
// The child runtime instantiates it via a registered Factory, hands it a
// Context, and collects its handlers through Register.
type Instance interface {
	// Register declares the plugin's handlers. It is called exactly once per
	// process, before any command is accepted, and must not block.
	Register(reg Registrar)
}

// --- Optional Capability Interfaces ---
// The child runtime detects these via type assertion:
// if p, ok := inst.(StartupHook); ok { ... }

// StartupHook runs after state restore, before the command loop starts.
// A startup error is logged but does not prevent the plugin from serving.
type StartupHook interface {
	Startup(ctx context.Context, pc *Context) error
}

// ShutdownHook runs when a STOP command is received, before process exit.
type ShutdownHook interface {
	Shutdown(ctx context.Context, pc *Context) error
}

// FreezeHook runs on a FREEZE command, before state is persisted.
type FreezeHook interface {
	Freeze(ctx context.Context, pc *Context) error
}

// Freezable declares state that survives restarts. FreezeState is called at
// checkpoint/freeze time; RestoreState before Startup when a snapshot exists.
type Freezable interface {
	FreezeState() map[string]any
	RestoreState(state map[string]any)
}

// FreezeCodec lets a plugin override serialization of individual state keys.
type FreezeCodec interface {
	FreezeSerialize(key string, value any) (any, error)
	FreezeDeserialize(key string, value any) (any, error)
}

// HealthReporter provides a custom liveness check served on status requests.
type HealthReporter interface {
	HealthCheck(ctx context.Context) error
}

// Factory creates a fresh plugin instance. The manifest's `plugin.entry`
// names the factory the child process looks up at boot.
type Factory func() Instance
