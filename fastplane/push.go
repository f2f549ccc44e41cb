package fastplane

import (
	"github.com/hashicorp/go-msgpack/v2/codec"
	"go.uber.org/zap"

	"github.com/nexabus/nexabus/bus"
	"github.com/nexabus/nexabus/errors"
)

// handlePush validates and ingests one delta batch. The batch sequence is
// checked against the producer's watermark: with batch metadata the check
// and advance are O(1); without it each item's seq is scanned.
func (s *Server) handlePush(w *wire, envelope map[string]any) {
	batchID, _ := envelope["batch_id"].(string)
	from, _ := envelope["from_plugin"].(string)
	if from == "" {
		from, _ = envelope["from"].(string)
	}

	ack := func(accepted int, err error) {
		reply := map[string]any{
			"v": ProtocolVersion, "ok": err == nil, "batch_id": batchID,
		}
		if err != nil {
			appErr := errors.FromError(err)
			reply["error"] = map[string]any{"code": string(appErr.Type), "message": appErr.Message}
		} else {
			reply["accepted"] = accepted
		}
		s.writeReply(w, reply)
	}

	items, _ := envelope["items"].([]any)
	if len(items) == 0 {
		ack(0, errors.NewValidation("batch has no items"))
		return
	}
	if len(items) > s.opts.MaxBatch {
		ack(0, errors.NewValidation("batch exceeds max size").
			WithDetail("size", len(items)).WithDetail("max", s.opts.MaxBatch))
		return
	}

	if err := s.advanceWatermark(from, envelope, items); err != nil {
		s.logger.Warn("push batch rejected",
			zap.String("from", from), zap.String("batch_id", batchID), zap.Error(err))
		ack(0, err)
		return
	}

	// Items are grouped per (store, topic) and ingested through the
	// coalescing path, so one delta batch lands as one change event and one
	// rev bump per topic rather than one per item.
	type pushGroup struct {
		store    *bus.Store
		topic    string
		payloads []map[string]any
	}
	groups := make(map[string]*pushGroup)
	var order []string
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		storeName, _ := item["store"].(string)
		topic, _ := item["topic"].(string)
		payload, _ := item["payload"].(map[string]any)
		store, ok := s.opts.Stores[storeName]
		if !ok {
			s.logger.Warn("push item for unknown store",
				zap.String("store", storeName), zap.String("from", from))
			continue
		}
		key := storeName + "\x00" + topic
		g, ok := groups[key]
		if !ok {
			g = &pushGroup{store: store, topic: topic}
			groups[key] = g
			order = append(order, key)
		}
		g.payloads = append(g.payloads, payload)
	}

	accepted := 0
	for _, key := range order {
		g := groups[key]
		n, err := g.store.ExtendCoalesced(g.topic, g.payloads)
		if err != nil {
			s.logger.Warn("push group rejected",
				zap.String("store", g.store.Name()), zap.String("topic", g.topic),
				zap.Int("items", len(g.payloads)), zap.Error(err))
			continue
		}
		accepted += n
	}
	ack(accepted, nil)
}

// advanceWatermark enforces the per-producer push sequence. Duplicates and
// regressions are rejected so a retried batch cannot double-apply.
func (s *Server) advanceWatermark(from string, envelope map[string]any, items []any) error {
	if from == "" {
		if s.opts.ValidationMode == ValidationStrict {
			return errors.NewValidation("push batch missing from_plugin")
		}
		return nil
	}

	s.wmMu.Lock()
	defer s.wmMu.Unlock()
	wm := s.watermarks[from]

	first := uintOf(envelope["first_seq"])
	last := uintOf(envelope["last_seq"])
	count := uintOf(envelope["count"])

	if first > 0 && last > 0 {
		if first <= wm {
			return errors.New(errors.ErrorTypeConflict, "batch sequence at or below watermark").
				WithDetail("first_seq", first).WithDetail("watermark", wm)
		}
		if last < first || last-first+1 != count || int(count) != len(items) {
			return errors.NewValidation("batch sequence metadata inconsistent").
				WithDetail("first_seq", first).WithDetail("last_seq", last).
				WithDetail("count", count).WithDetail("items", len(items))
		}
		s.watermarks[from] = last
		return nil
	}

	// No batch metadata: scan item seqs, requiring a strictly increasing
	// run starting after the watermark.
	prev := wm
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		seq := uintOf(item["seq"])
		if seq == 0 {
			if s.opts.ValidationMode == ValidationStrict {
				return errors.NewValidation("push item missing seq")
			}
			continue
		}
		if seq <= prev {
			return errors.New(errors.ErrorTypeConflict, "push item seq not after watermark").
				WithDetail("seq", seq).WithDetail("watermark", prev)
		}
		prev = seq
	}
	s.watermarks[from] = prev
	return nil
}

// checkPayloadSize enforces the per-record payload cap.
func checkPayloadSize(payload map[string]any) error {
	var body []byte
	enc := codec.NewEncoderBytes(&body, wireHandle)
	if err := enc.Encode(payload); err != nil {
		return errors.NewValidation("payload is not serializable: " + err.Error())
	}
	if len(body) > maxPayloadBytes {
		return errors.NewValidation("payload exceeds size limit").
			WithDetail("size", len(body)).WithDetail("limit", maxPayloadBytes)
	}
	return nil
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

func queryParams(args map[string]any) bus.QueryParams {
	p := bus.QueryParams{
		Limit: intOf(args["limit"]),
	}
	p.Topic, _ = args["topic"].(string)
	p.PluginID, _ = args["plugin_id"].(string)
	p.Source, _ = args["source"].(string)
	p.Kind, _ = args["kind"].(string)
	p.Type, _ = args["type"].(string)
	p.PriorityMin = intOf(args["priority_min"])
	p.SinceTS = floatOf(args["since_ts"])
	p.UntilTS = floatOf(args["until_ts"])
	p.Light, _ = args["light"].(bool)
	return p
}

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

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func uintOf(v any) uint64 {
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

func floatOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return 0
}
