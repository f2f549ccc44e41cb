package router

import (
	"context"
	goerrors "errors"

	"github.com/nexabus/nexabus/bus"
	"github.com/nexabus/nexabus/errors"
	"github.com/nexabus/nexabus/ipc"
	"github.com/nexabus/nexabus/plugin"
)

// storeGetHandler builds the filtered-read handler for one topic store.
func (r *Router) storeGetHandler(storeName string) handlerFunc {
	return func(_ context.Context, _ string, payload map[string]any) (map[string]any, error) {
		store, ok := r.opts.Stores[storeName]
		if !ok {
			return nil, errors.NewNotFound("bus", storeName)
		}
		events := store.Query(queryParams(payload))
		return map[string]any{
			"records": eventMaps(events),
			"rev":     store.Rev(),
		}, nil
	}
}

func (r *Router) storeDelHandler(storeName string) handlerFunc {
	return func(_ context.Context, _ string, payload map[string]any) (map[string]any, error) {
		store, ok := r.opts.Stores[storeName]
		if !ok {
			return nil, errors.NewNotFound("bus", storeName)
		}
		id, _ := payload["id"].(string)
		rev, err := store.Delete(id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": id, "rev": rev}, nil
	}
}

// handleMessagePush validates the per-plugin push sequence before
// publishing: a push_seq at or below the watermark is a duplicate or a
// regression and is rejected.
func (r *Router) handleMessagePush(_ context.Context, from string, payload map[string]any) (map[string]any, error) {
	store, ok := r.opts.Stores[bus.StoreMessages]
	if !ok {
		return nil, errors.NewNotFound("bus", bus.StoreMessages)
	}

	if raw, present := payload["push_seq"]; present {
		pushSeq := uintArg(raw)
		r.wmMu.Lock()
		wm := r.watermarks[from]
		if pushSeq <= wm {
			r.wmMu.Unlock()
			return nil, errors.New(errors.ErrorTypeConflict, "push_seq not after watermark").
				WithDetail("push_seq", pushSeq).
				WithDetail("watermark", wm)
		}
		r.watermarks[from] = pushSeq
		r.wmMu.Unlock()
	}

	topic, _ := payload["topic"].(string)
	if topic == "" {
		topic = "default"
	}
	record := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "topic" || k == "push_seq" || k == "timeout" {
			continue
		}
		record[k] = v
	}
	if _, ok := record["plugin_id"]; !ok {
		record["plugin_id"] = from
	}

	ev, err := store.Publish(topic, record)
	if err != nil {
		return nil, err
	}
	return map[string]any{"seq": ev.Seq, "id": ev.Index.ID, "rev": store.Rev()}, nil
}

// handleMemoryQuery forwards to the memory store, running a replay plan
// when one is supplied.
func (r *Router) handleMemoryQuery(_ context.Context, _ string, payload map[string]any) (map[string]any, error) {
	busName, _ := payload["bus"].(string)
	if busName == "" {
		busName = bus.StoreMemory
	}
	store, ok := r.opts.Stores[busName]
	if !ok {
		return nil, errors.NewNotFound("bus", busName)
	}

	if rawPlan, ok := payload["plan"].(map[string]any); ok {
		node := decodeNode(rawPlan)
		events, err := bus.Evaluate(store, node)
		if err != nil {
			return nil, err
		}
		return map[string]any{"records": eventMaps(events), "rev": store.Rev()}, nil
	}

	events := store.Query(queryParams(payload))
	return map[string]any{"records": eventMaps(events), "rev": store.Rev()}, nil
}

func queryParams(payload map[string]any) bus.QueryParams {
	p := bus.QueryParams{
		Limit: int(floatArg(payload, "limit")),
		Light: boolArg(payload, "light"),
	}
	p.Topic, _ = payload["topic"].(string)
	p.PluginID, _ = payload["plugin_id"].(string)
	p.Source, _ = payload["source"].(string)
	p.Kind, _ = payload["kind"].(string)
	p.Type, _ = payload["type"].(string)
	p.PriorityMin = int(floatArg(payload, "priority_min"))
	p.SinceTS = floatArg(payload, "since_ts")
	p.UntilTS = floatArg(payload, "until_ts")
	return p
}

// decodeNode rebuilds a replay-plan tree from its wire form.
func decodeNode(m map[string]any) *bus.Node {
	if m == nil {
		return nil
	}
	n := &bus.Node{}
	n.Kind, _ = m["kind"].(string)
	n.Op, _ = m["op"].(string)
	n.Params, _ = m["params"].(map[string]any)
	if child, ok := m["child"].(map[string]any); ok {
		n.Child = decodeNode(child)
	}
	if left, ok := m["left"].(map[string]any); ok {
		n.Left = decodeNode(left)
	}
	if right, ok := m["right"].(map[string]any); ok {
		n.Right = decodeNode(right)
	}
	return n
}

func eventMaps(events []bus.Event) []map[string]any {
	out := make([]map[string]any, len(events))
	for i, ev := range events {
		out[i] = map[string]any{
			"seq":       ev.Seq,
			"ts":        float64(ev.TS.UnixNano()) / 1e9,
			"store":     ev.Store,
			"topic":     ev.Topic,
			"payload":   ev.Payload,
			"id":        ev.Index.ID,
			"plugin_id": ev.Index.PluginID,
		}
	}
	return out
}

// resultFromError converts a handler error into the reply envelope.
// Timeouts on idempotent ops are tagged retriable.
func resultFromError(err error, idempotentOp bool) ipc.Result {
	var info *plugin.ErrorInfo
	if goerrors.As(err, &info) {
		return ipc.Result{OK: false, Code: string(info.Code), Message: info.Message, Details: info.Details}
	}

	appErr := errors.FromError(err)
	res := ipc.Result{OK: false, Message: appErr.Message, Details: appErr.Details}
	switch appErr.Type {
	case errors.ErrorTypeValidation, errors.ErrorTypeRequired, errors.ErrorTypeInvalid:
		res.Code = string(plugin.CodeValidation)
	case errors.ErrorTypeNotFound:
		res.Code = string(plugin.CodeNotFound)
	case errors.ErrorTypeForbidden, errors.ErrorTypeUnauthorized:
		res.Code = string(plugin.CodePermissionDenied)
	case errors.ErrorTypeTimeout:
		res.Code = string(plugin.CodeTimeout)
		if res.Details == nil {
			res.Details = map[string]any{}
		}
		res.Details["retriable"] = idempotentOp || appErr.Retriable
	case errors.ErrorTypeNotReady:
		res.Code = string(plugin.CodeNotReady)
	case errors.ErrorTypeRateLimit:
		res.Code = string(plugin.CodeRateLimited)
	case errors.ErrorTypeCommunication:
		res.Code = string(plugin.CodeCommunication)
	case errors.ErrorTypeConflict:
		res.Code = "CONFLICT"
	default:
		res.Code = string(plugin.CodeInternal)
	}
	return res
}

func floatArg(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	}
	return 0
}

func uintArg(v any) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		if n > 0 {
			return uint64(n)
		}
	case int:
		if n > 0 {
			return uint64(n)
		}
	case float64:
		if n > 0 {
			return uint64(n)
		}
	}
	return 0
}

func boolArg(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func stringSlice(v any) []string {
	switch items := v.(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
