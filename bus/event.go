// Package bus implements the ordered, append-only topic stores at the heart
// of the control plane: monotonic sequence numbers, soft-delete tombstones,
// per-store revision counters, and the change-notification hub that drives
// subscriptions.
package bus

import "time"

// Standard store names. A control plane owns one Store per name.
const (
	StoreMessages  = "messages"
	StoreEvents    = "events"
	StoreLifecycle = "lifecycle"
	StoreRuns      = "runs"
	StoreExport    = "export"
	StoreMemory    = "memory"
)

// Names lists every standard store in a stable order.
func Names() []string {
	return []string{StoreMessages, StoreEvents, StoreLifecycle, StoreRuns, StoreExport, StoreMemory}
}

// Index is the projection of payload fields a store knows how to filter on.
type Index struct {
	ID        string  `json:"id,omitempty"`
	PluginID  string  `json:"plugin_id,omitempty"`
	Source    string  `json:"source,omitempty"`
	Kind      string  `json:"kind,omitempty"`
	Type      string  `json:"type,omitempty"`
	Priority  int     `json:"priority,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// Event is one stored record. Seq is strictly monotonic within a store.
type Event struct {
	Seq     uint64         `json:"seq"`
	TS      time.Time      `json:"ts"`
	Store   string         `json:"store"`
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload,omitempty"`
	Index   Index          `json:"index"`
}

// Light strips the payload, keeping only the envelope and index. Query
// results may be returned in this form to bound response size.
func (e Event) Light() Event {
	e.Payload = nil
	return e
}

// TopicMeta is bookkeeping per topic.
type TopicMeta struct {
	CreatedAt  time.Time `json:"created_at"`
	LastTS     time.Time `json:"last_ts"`
	CountTotal uint64    `json:"count_total"`
}

// Change is the structured payload emitted to the hub after a mutation.
// Bulk writers emit one coalesced event with Count and Batch set.
type Change struct {
	Op       string `json:"op"` // "add", "del", or "change"
	Rev      uint64 `json:"rev"`
	ID       string `json:"id,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Source   string `json:"source,omitempty"`
	Count    int    `json:"count,omitempty"`
	Batch    bool   `json:"batch,omitempty"`
}

// projectIndex builds the Index for a payload. The record id comes from
// "id" or "message_id", whichever is present.
func projectIndex(payload map[string]any, ts time.Time) Index {
	idx := Index{Timestamp: float64(ts.UnixNano()) / 1e9}
	if payload == nil {
		return idx
	}
	idx.ID = stringField(payload, "id")
	if idx.ID == "" {
		idx.ID = stringField(payload, "message_id")
	}
	idx.PluginID = stringField(payload, "plugin_id")
	idx.Source = stringField(payload, "source")
	idx.Kind = stringField(payload, "kind")
	idx.Type = stringField(payload, "type")
	idx.Priority = intField(payload, "priority")
	if v := floatField(payload, "timestamp"); v != 0 {
		idx.Timestamp = v
	}
	return idx
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func boolField(m map[string]any, key string) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func floatField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
