package plugin

import (
	"context"
	"time"
)

// Well-known event types. Any other string is a custom event type.
const (
	EventEntry     = "plugin_entry"
	EventLifecycle = "lifecycle"
	EventTimer     = "timer"
	EventMessage   = "message"
)

// Trigger methods for auto-start custom events.
const (
	TriggerManual = "manual"
	TriggerAuto   = "auto"
)

// HandlerFunc is the signature of every plugin handler. Args carries the
// caller-supplied arguments; the returned value becomes Result.Data.
type HandlerFunc func(ctx context.Context, pc *Context, args map[string]any) (any, error)

// WorkerSpec requests execution on the child's bounded worker pool instead
// of inline in the command loop.
type WorkerSpec struct {
	MaxWorkers int           // pool bound, 0 means the child default
	Timeout    time.Duration // per-call timeout, 0 means the global default
}

// CheckpointMode controls when freezable state is persisted after a handler.
type CheckpointMode string

const (
	CheckpointOff      CheckpointMode = ""
	CheckpointMemory   CheckpointMode = "memory"
	CheckpointInterval CheckpointMode = "interval"
	CheckpointAlways   CheckpointMode = "always"
)

// Descriptor describes one handler exported by a plugin. Immutable after the
// registry scan; indexed under "{plugin_id}.{event_id}" and
// "{plugin_id}:{event_type}:{event_id}".
type Descriptor struct {
	PluginID      string         `json:"plugin_id"`
	EventType     string         `json:"event_type"`
	EventID       string         `json:"event_id"`
	Kind          string         `json:"kind"` // "sync" or "async"
	AutoStart     bool           `json:"auto_start"`
	TriggerMethod string         `json:"trigger_method,omitempty"`
	Interval      time.Duration  `json:"interval,omitempty"` // timer entries only
	InputSchema   *Schema        `json:"input_schema,omitempty"`
	Worker        *WorkerSpec    `json:"worker,omitempty"`
	Checkpoint    CheckpointMode `json:"checkpoint,omitempty"`
	MethodName    string         `json:"-"` // Go-level name, diagnostics only
	Extra         map[string]any `json:"extra,omitempty"`
}

// Key returns the short index key "{plugin_id}.{event_id}".
func (d *Descriptor) Key() string {
	return d.PluginID + "." + d.EventID
}

// CompositeKey returns "{plugin_id}:{event_type}:{event_id}".
func (d *Descriptor) CompositeKey() string {
	return d.PluginID + ":" + d.EventType + ":" + d.EventID
}

// Schema is a minimal input contract: required argument names plus optional
// per-argument type hints ("string", "number", "bool", "object", "array").
type Schema struct {
	Required []string          `json:"required,omitempty"`
	Types    map[string]string `json:"types,omitempty"`
}

// Validate checks args against the schema. Missing required keys or type
// mismatches yield a validation error.
func (s *Schema) Validate(args map[string]any) error {
	if s == nil {
		return nil
	}
	for _, key := range s.Required {
		if _, ok := args[key]; !ok {
			return NewValidationError("missing required argument: " + key)
		}
	}
	for key, want := range s.Types {
		v, ok := args[key]
		if !ok {
			continue
		}
		if !typeMatches(v, want) {
			return NewValidationError("argument " + key + " must be " + want)
		}
	}
	return nil
}

func typeMatches(v any, want string) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int32, int64, uint64, float32, float64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	}
	return true
}

// EntryOption configures a registered handler.
type EntryOption func(*Descriptor)

// WithSchema attaches an input schema.
func WithSchema(s *Schema) EntryOption {
	return func(d *Descriptor) { d.InputSchema = s }
}

// WithWorker marks the handler for worker-pool execution.
func WithWorker(maxWorkers int, timeout time.Duration) EntryOption {
	return func(d *Descriptor) { d.Worker = &WorkerSpec{MaxWorkers: maxWorkers, Timeout: timeout} }
}

// WithAsync marks the handler as async (the command loop polls completion
// instead of joining inline).
func WithAsync() EntryOption {
	return func(d *Descriptor) { d.Kind = "async" }
}

// WithAutoStart launches the handler once in the background at boot.
// Only honored for custom events with trigger method "auto".
func WithAutoStart(method string) EntryOption {
	return func(d *Descriptor) {
		d.AutoStart = true
		d.TriggerMethod = method
	}
}

// WithCheckpoint persists freezable state after each successful call.
func WithCheckpoint(mode CheckpointMode) EntryOption {
	return func(d *Descriptor) { d.Checkpoint = mode }
}

// WithExtra attaches opaque metadata to the descriptor.
func WithExtra(extra map[string]any) EntryOption {
	return func(d *Descriptor) { d.Extra = extra }
}

// WithMethodName records the Go-level method name for diagnostics when it
// differs from the event id.
func WithMethodName(name string) EntryOption {
	return func(d *Descriptor) { d.MethodName = name }
}

// Registrar collects handler registrations from Instance.Register.
type Registrar interface {
	// Entry registers a plugin_entry handler reachable via trigger.
	Entry(id string, fn HandlerFunc, opts ...EntryOption)
	// Custom registers a handler under an arbitrary event type.
	Custom(eventType, id string, fn HandlerFunc, opts ...EntryOption)
	// Timer registers an interval handler. Auto-start timers run until stop.
	Timer(id string, every time.Duration, autoStart bool, fn HandlerFunc, opts ...EntryOption)
	// OnMessage registers a message-event handler.
	OnMessage(id string, fn HandlerFunc, opts ...EntryOption)
}
