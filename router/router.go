// Package router serves the child-to-host request fabric: every request
// frame a plugin sends is dispatched by type, executed against the control
// plane's services, and answered on the plugin's response queue.
package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexabus/nexabus/broker"
	"github.com/nexabus/nexabus/bus"
	"github.com/nexabus/nexabus/config"
	"github.com/nexabus/nexabus/errors"
	"github.com/nexabus/nexabus/ipc"
	"github.com/nexabus/nexabus/logging"
	"github.com/nexabus/nexabus/plugin"
	"github.com/nexabus/nexabus/registry"
	"github.com/nexabus/nexabus/usercontext"
)

// Hosts resolves a plugin id to its running host.
type Hosts interface {
	Get(pluginID string) (Host, bool)
}

// Host is the slice of the plugin host the router needs.
type Host interface {
	Alive() bool
	State() plugin.HostState
	TriggerCustomEvent(ctx context.Context, eventType, eventID string, args map[string]any, timeout time.Duration) (ipc.Result, error)
	Respond(reqID string, res ipc.Result) error
}

// Subscriptions registers and removes bus subscriptions on behalf of
// plugins.
type Subscriptions interface {
	Subscribe(pluginID, busName string, rules []string, debounceMS int) (string, error)
	Unsubscribe(busName, subID string) error
}

// RunSink receives run-protocol pushes originating from plugins.
type RunSink interface {
	ExportPush(ctx context.Context, fromPlugin string, payload map[string]any) (map[string]any, error)
	RunUpdate(ctx context.Context, fromPlugin string, payload map[string]any) (map[string]any, error)
}

// Options wires the router to the rest of the control plane. Stores maps
// bus names to their stores.
type Options struct {
	Registry      *registry.Registry
	Hosts         Hosts
	Stores        map[string]*bus.Store
	PluginConfig  *config.PluginConfigService
	Settings      *config.Settings
	Subscriptions Subscriptions
	UserContext   usercontext.Store
	Runs          RunSink
	Logger        logging.Logger

	// Broker holds the pending-response entry for every in-flight request.
	Broker *broker.Broker

	// DefaultTimeout bounds requests that carry no timeout of their own.
	DefaultTimeout time.Duration
}

// Router dispatches request frames by type.
type Router struct {
	opts   Options
	logger logging.Logger

	// watermarks tracks the last accepted push_seq per plugin, so
	// duplicate and regressed pushes are rejected.
	wmMu       sync.Mutex
	watermarks map[string]uint64
}

func New(opts Options) *Router {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.Broker == nil {
		opts.Broker = broker.New(opts.Logger)
	}
	return &Router{
		opts:       opts,
		logger:     opts.Logger.Named("router"),
		watermarks: make(map[string]uint64),
	}
}

// Handle serves one request frame from a plugin. Unknown types are logged
// and dropped without a reply; everything else is answered, including
// failures. Replies flow through the broker: the waiter is armed before
// the handler runs, the handler delivers by request id, and the wait is
// deadline-bounded so even a stuck handler produces a TIMEOUT reply.
func (r *Router) Handle(ctx context.Context, fromPlugin string, f ipc.Frame) {
	handler, known := r.lookup(f.Type)
	if !known {
		r.logger.Warn("unknown request type, dropping",
			zap.String("type", f.Type), zap.String("from", fromPlugin))
		return
	}

	timeout := r.opts.DefaultTimeout
	if secs := floatArg(f.Payload, "timeout"); secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	if f.ReqID == "" {
		// Nothing waits on the result; run inline.
		r.execute(ctx, fromPlugin, f, handler, timeout)
		return
	}

	waiter, err := r.opts.Broker.Expect(f.ReqID, timeout)
	if err != nil {
		r.reply(fromPlugin, f.ReqID, resultFromError(err, false))
		return
	}
	go func() {
		r.opts.Broker.Deliver(f.ReqID, r.execute(ctx, fromPlugin, f, handler, timeout))
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-waiter:
		res := ipc.Result{OK: resp.OK, Data: resp.Data}
		if resp.Err != nil {
			res = resultFromError(resp.Err, idempotent(f.Type))
		}
		r.reply(fromPlugin, f.ReqID, res)
	case <-timer.C:
		r.opts.Broker.Cancel(f.ReqID)
		r.reply(fromPlugin, f.ReqID, resultFromError(
			errors.NewTimeout("request '"+f.Type+"' did not complete in time"),
			idempotent(f.Type)))
	}
}

// execute runs the handler under the request deadline and shapes the
// broker response.
func (r *Router) execute(ctx context.Context, fromPlugin string, f ipc.Frame, handler handlerFunc, timeout time.Duration) broker.Response {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	data, err := handler(hctx, fromPlugin, f.Payload)
	if err != nil {
		r.logger.Debug("request failed",
			zap.String("type", f.Type), zap.String("from", fromPlugin), zap.Error(err))
		return broker.Response{OK: false, Err: errors.FromError(err)}
	}
	return broker.Response{OK: true, Data: data}
}

func (r *Router) reply(pluginID, reqID string, res ipc.Result) {
	if reqID == "" {
		return
	}
	h, ok := r.opts.Hosts.Get(pluginID)
	if !ok {
		r.logger.Warn("reply target gone", zap.String("plugin_id", pluginID))
		return
	}
	if err := h.Respond(reqID, res); err != nil {
		r.logger.Warn("reply not delivered",
			zap.String("plugin_id", pluginID), zap.Error(err))
	}
}

type handlerFunc func(ctx context.Context, from string, payload map[string]any) (map[string]any, error)

func (r *Router) lookup(reqType string) (handlerFunc, bool) {
	switch reqType {
	case "PLUGIN_TO_PLUGIN":
		return r.handlePluginToPlugin, true
	case "PLUGIN_QUERY":
		return r.handlePluginQuery, true
	case "PLUGIN_CONFIG_GET", "PLUGIN_CONFIG_EFFECTIVE":
		return r.configHandler(func(pid string, _ map[string]any) (map[string]any, error) {
			return r.opts.PluginConfig.Effective(pid)
		}), true
	case "PLUGIN_CONFIG_BASE":
		return r.configHandler(func(pid string, _ map[string]any) (map[string]any, error) {
			return r.opts.PluginConfig.Base(pid)
		}), true
	case "PLUGIN_CONFIG_PROFILES":
		return r.configHandler(func(pid string, _ map[string]any) (map[string]any, error) {
			profiles, err := r.opts.PluginConfig.Profiles(pid)
			if err != nil {
				return nil, err
			}
			return map[string]any{"profiles": profiles}, nil
		}), true
	case "PLUGIN_CONFIG_PROFILE":
		return r.configHandler(func(pid string, payload map[string]any) (map[string]any, error) {
			name, _ := payload["profile"].(string)
			return r.opts.PluginConfig.Profile(pid, name)
		}), true
	case "PLUGIN_CONFIG_UPDATE":
		return r.configHandler(func(pid string, payload map[string]any) (map[string]any, error) {
			values, _ := payload["values"].(map[string]any)
			if err := r.opts.PluginConfig.Update(pid, values); err != nil {
				return nil, err
			}
			return r.opts.PluginConfig.Effective(pid)
		}), true
	case "PLUGIN_SYSTEM_CONFIG_GET":
		return r.handleSystemConfig, true
	case "MESSAGE_GET":
		return r.storeGetHandler(bus.StoreMessages), true
	case "EVENT_GET":
		return r.storeGetHandler(bus.StoreEvents), true
	case "LIFECYCLE_GET":
		return r.storeGetHandler(bus.StoreLifecycle), true
	case "MESSAGE_PUSH":
		return r.handleMessagePush, true
	case "MESSAGE_DEL":
		return r.storeDelHandler(bus.StoreMessages), true
	case "EVENT_DEL":
		return r.storeDelHandler(bus.StoreEvents), true
	case "LIFECYCLE_DEL":
		return r.storeDelHandler(bus.StoreLifecycle), true
	case "BUS_SUBSCRIBE":
		return r.handleSubscribe, true
	case "BUS_UNSUBSCRIBE":
		return r.handleUnsubscribe, true
	case "USER_CONTEXT_GET":
		return r.handleUserContext, true
	case "MEMORY_QUERY":
		return r.handleMemoryQuery, true
	case "EXPORT_PUSH":
		return func(ctx context.Context, from string, payload map[string]any) (map[string]any, error) {
			return r.opts.Runs.ExportPush(ctx, from, payload)
		}, true
	case "RUN_UPDATE":
		return func(ctx context.Context, from string, payload map[string]any) (map[string]any, error) {
			return r.opts.Runs.RunUpdate(ctx, from, payload)
		}, true
	}
	return nil, false
}

// idempotent marks request types safe to retry after a timeout.
func idempotent(reqType string) bool {
	switch reqType {
	case "MESSAGE_GET", "EVENT_GET", "LIFECYCLE_GET", "PLUGIN_QUERY",
		"PLUGIN_CONFIG_GET", "PLUGIN_CONFIG_BASE", "PLUGIN_CONFIG_PROFILES",
		"PLUGIN_CONFIG_PROFILE", "PLUGIN_CONFIG_EFFECTIVE",
		"PLUGIN_SYSTEM_CONFIG_GET", "USER_CONTEXT_GET", "MEMORY_QUERY":
		return true
	}
	return false
}

func (r *Router) handlePluginToPlugin(ctx context.Context, from string, payload map[string]any) (map[string]any, error) {
	target, _ := payload["target_plugin"].(string)
	if target == "" {
		return nil, errors.NewRequired("target_plugin")
	}
	eventType, _ := payload["event_type"].(string)
	if eventType == "" {
		eventType = plugin.EventEntry
	}
	eventID, _ := payload["event_id"].(string)
	args, _ := payload["args"].(map[string]any)

	h, ok := r.opts.Hosts.Get(target)
	if !ok {
		return nil, errors.NewNotFound("plugin", target)
	}
	if !h.Alive() {
		return nil, errors.NewNotReady(target)
	}

	deadline, _ := ctx.Deadline()
	res, err := h.TriggerCustomEvent(ctx, eventType, eventID, args, time.Until(deadline))
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, &plugin.ErrorInfo{
			Code:    plugin.ErrorCode(res.Code),
			Message: res.Message,
			Details: res.Details,
		}
	}
	return map[string]any{"data": res.Data, "message": res.Message, "from": from}, nil
}

func (r *Router) handlePluginQuery(_ context.Context, _ string, payload map[string]any) (map[string]any, error) {
	filters, _ := payload["filters"].(map[string]any)
	if filters == nil {
		filters = payload
	}
	records := r.opts.Registry.Query(filters)
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		entry := map[string]any{
			"plugin_id":   rec.PluginID,
			"name":        rec.Name,
			"description": rec.Description,
			"version":     rec.Version,
			"entries":     rec.EntriesByKind,
		}
		if h, ok := r.opts.Hosts.Get(rec.PluginID); ok {
			entry["state"] = h.State().String()
			entry["alive"] = h.Alive()
		}
		out = append(out, entry)
	}
	return map[string]any{"plugins": out}, nil
}

// configHandler enforces the own-plugin rule before delegating.
func (r *Router) configHandler(fn func(pid string, payload map[string]any) (map[string]any, error)) handlerFunc {
	return func(_ context.Context, from string, payload map[string]any) (map[string]any, error) {
		pid, _ := payload["plugin_id"].(string)
		if pid == "" {
			pid = from
		}
		if pid != from {
			return nil, errors.NewForbidden("plugins may only access their own config")
		}
		return fn(pid, payload)
	}
}

func (r *Router) handleSystemConfig(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
	return r.opts.Settings.Sanitized(), nil
}

func (r *Router) handleSubscribe(_ context.Context, from string, payload map[string]any) (map[string]any, error) {
	busName, _ := payload["bus"].(string)
	store, ok := r.opts.Stores[busName]
	if !ok || busName == bus.StoreMemory {
		return nil, errors.NewInvalid("bus", busName, "not subscribable")
	}
	rules := stringSlice(payload["rules"])
	debounce := int(floatArg(payload, "debounce_ms"))

	subID, err := r.opts.Subscriptions.Subscribe(from, busName, rules, debounce)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sub_id": subID, "bus": busName, "rev": store.Rev()}, nil
}

func (r *Router) handleUnsubscribe(_ context.Context, _ string, payload map[string]any) (map[string]any, error) {
	busName, _ := payload["bus"].(string)
	subID, _ := payload["sub_id"].(string)
	if err := r.opts.Subscriptions.Unsubscribe(busName, subID); err != nil {
		return nil, err
	}
	out := map[string]any{"sub_id": subID}
	if store, ok := r.opts.Stores[busName]; ok {
		out["rev"] = store.Rev()
	}
	return out, nil
}

func (r *Router) handleUserContext(ctx context.Context, from string, payload map[string]any) (map[string]any, error) {
	bucket, _ := payload["bucket"].(string)
	if bucket == "" {
		bucket = from
	}
	limit := int(floatArg(payload, "limit"))
	entries, err := r.opts.UserContext.Get(ctx, bucket, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"bucket": bucket, "entries": entries}, nil
}
