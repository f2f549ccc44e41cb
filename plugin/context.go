package plugin

import (
	"context"
	"time"

	"github.com/nexabus/nexabus/logging"
)

// BusClient is the child-side convenience client to the event-bus stores.
// Implemented by the child runtime over the IPC fabric and the fast plane.
type BusClient interface {
	// PushMessage publishes one record to the messages store.
	PushMessage(ctx context.Context, msg map[string]any) error
	// GetMessages reads recent records matching the filter.
	GetMessages(ctx context.Context, filter map[string]any) ([]map[string]any, error)
	// Query runs a filtered read against any bus.
	Query(ctx context.Context, busName string, params map[string]any) ([]map[string]any, error)
	// Subscribe registers a bus subscription delivering deltas to the
	// plugin's registered bus-change callback. Returns the subscription id.
	Subscribe(ctx context.Context, busName string, rules []string, debounceMS int) (string, error)
	// Unsubscribe removes a subscription.
	Unsubscribe(ctx context.Context, busName, subID string) error
}

// CallClient performs plugin-to-plugin calls through the router.
type CallClient interface {
	Call(ctx context.Context, targetPlugin, eventType, eventID string, args map[string]any, timeout time.Duration) (*Result, error)
}

// BusChangeFunc is the user-level subscription callback invoked when a
// subscribed bus changes. It runs asynchronously; deltas may be coalesced.
type BusChangeFunc func(subID, busName, op string, delta map[string]any)

// Context is handed to a plugin instance at boot. It exposes the child's
// side of the runtime: logging, config, bus and call clients.
type Context struct {
	PluginID string
	Logger   logging.Logger
	Config   ConfigProvider
	Bus      BusClient
	Calls    CallClient
	Services *ServiceRegistry

	// OnBusChange, when set by the plugin, receives subscription deltas.
	OnBusChange BusChangeFunc
}
