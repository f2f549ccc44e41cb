package fastplane

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nexabus/nexabus/bus"
	"github.com/nexabus/nexabus/logging"
)

func newTestServer(t *testing.T, mod func(*Options)) (*Server, map[string]*bus.Store) {
	t.Helper()
	stores := make(map[string]*bus.Store)
	for _, name := range bus.Names() {
		stores[name] = bus.NewStore(name, bus.Limits{})
	}
	opts := Options{
		Addr:   "127.0.0.1:0",
		Stores: stores,
		Logger: logging.FromZap(zap.NewNop()),
	}
	if mod != nil {
		mod(&opts)
	}
	s := NewServer(opts)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, stores
}

func newTestClient(t *testing.T, s *Server) *Client {
	t.Helper()
	c, err := Dial(s.Addr(), 0)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServer_PingAndHealth(t *testing.T) {
	s, _ := newTestServer(t, func(o *Options) {
		o.Health = func() map[string]any { return map[string]any{"healthy": true, "plugins": 2} }
	})
	c := newTestClient(t, s)
	ctx := context.Background()

	res, err := c.Call(ctx, "ping", nil)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if pong, _ := res["pong"].(bool); !pong {
		t.Fatalf("ping result = %v", res)
	}

	res, err = c.Call(ctx, "health", nil)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if healthy, _ := res["healthy"].(bool); !healthy {
		t.Fatalf("health result = %v", res)
	}
}

func TestServer_PublishThenRead(t *testing.T) {
	s, stores := newTestServer(t, nil)
	c := newTestClient(t, s)
	ctx := context.Background()

	res, err := c.Call(ctx, "bus.publish", map[string]any{
		"bus":     bus.StoreMessages,
		"topic":   "alerts",
		"payload": map[string]any{"id": "m1", "plugin_id": "p1", "body": "hi"},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id, _ := res["id"].(string); id != "m1" {
		t.Fatalf("publish result = %v", res)
	}

	res, err = c.Call(ctx, "bus.get_recent", map[string]any{
		"bus": bus.StoreMessages, "topic": "alerts", "limit": 10,
	})
	if err != nil {
		t.Fatalf("get_recent: %v", err)
	}
	records, _ := res["records"].([]any)
	if len(records) != 1 {
		t.Fatalf("records = %v", res)
	}

	if got := stores[bus.StoreMessages].GetRecent("alerts", 1); len(got) != 1 {
		t.Fatal("record not visible in the store")
	}
}

func TestServer_GetSinceAndListTopics(t *testing.T) {
	s, stores := newTestServer(t, nil)
	c := newTestClient(t, s)
	ctx := context.Background()

	store := stores[bus.StoreEvents]
	var midSeq uint64
	for i := 0; i < 4; i++ {
		ev, err := store.Publish("t", map[string]any{"n": i})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if i == 1 {
			midSeq = ev.Seq
		}
	}

	res, err := c.Call(ctx, "bus.get_since", map[string]any{
		"bus": bus.StoreEvents, "topic": "t", "after_seq": midSeq,
	})
	if err != nil {
		t.Fatalf("get_since: %v", err)
	}
	records, _ := res["records"].([]any)
	if len(records) != 2 {
		t.Fatalf("got %d records after seq %d, want 2", len(records), midSeq)
	}

	res, err = c.Call(ctx, "bus.list_topics", map[string]any{"bus": bus.StoreEvents})
	if err != nil {
		t.Fatalf("list_topics: %v", err)
	}
	topics, _ := res["topics"].([]any)
	if len(topics) != 1 {
		t.Fatalf("topics = %v", res)
	}
}

func TestServer_ReplayPlan(t *testing.T) {
	s, stores := newTestServer(t, nil)
	c := newTestClient(t, s)

	store := stores[bus.StoreMemory]
	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.Publish("facts", map[string]any{"id": id}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	res, err := c.Call(context.Background(), "bus.replay", map[string]any{
		"bus": bus.StoreMemory,
		"plan": map[string]any{
			"kind": "unary", "op": "where_eq",
			"params": map[string]any{"field": "id", "value": "b"},
			"child":  map[string]any{"kind": "get", "params": map[string]any{"topic": "facts"}},
		},
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	records, _ := res["records"].([]any)
	if len(records) != 1 {
		t.Fatalf("records = %v", res)
	}
}

func TestServer_UnknownOpAndBus(t *testing.T) {
	s, _ := newTestServer(t, nil)
	c := newTestClient(t, s)
	ctx := context.Background()

	if _, err := c.Call(ctx, "bus.teleport", nil); err == nil {
		t.Fatal("unknown op must fail")
	}
	if _, err := c.Call(ctx, "bus.get_recent", map[string]any{"bus": "nope"}); err == nil {
		t.Fatal("unknown bus must fail")
	}
}

func TestServer_StrictValidationRejectsMalformedEnvelope(t *testing.T) {
	s, _ := newTestServer(t, func(o *Options) { o.ValidationMode = ValidationStrict })
	c := newTestClient(t, s)

	// Missing v: the client normally fills it, so go through roundTrip
	// directly.
	reply, err := c.roundTrip(context.Background(), "raw-1", map[string]any{
		"op": "ping", "req_id": "raw-1",
	})
	if err != nil {
		t.Fatalf("roundTrip: %v", err)
	}
	if ok, _ := reply["ok"].(bool); ok {
		t.Fatal("strict mode must reject an envelope without a version")
	}
}

func TestBatcher_FlushesAndAdvancesWatermark(t *testing.T) {
	s, stores := newTestServer(t, nil)
	c := newTestClient(t, s)

	b := NewBatcher(c, "p1", 2, time.Hour, 0)
	if err := b.Add(bus.StoreMessages, "t", map[string]any{"id": "m1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Second add fills the batch and flushes inline.
	if err := b.Add(bus.StoreMessages, "t", map[string]any{"id": "m2"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	if got := stores[bus.StoreMessages].GetRecent("t", 10); len(got) != 2 {
		t.Fatalf("store has %d records, want 2", len(got))
	}

	s.wmMu.Lock()
	wm := s.watermarks["p1"]
	s.wmMu.Unlock()
	if wm != 2 {
		t.Fatalf("watermark = %d, want 2", wm)
	}
}

func TestBatcher_TimerFlush(t *testing.T) {
	s, stores := newTestServer(t, nil)
	c := newTestClient(t, s)

	b := NewBatcher(c, "p1", 100, 30*time.Millisecond, 0)
	if err := b.Add(bus.StoreEvents, "t", map[string]any{"id": "e1"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(stores[bus.StoreEvents].GetRecent("t", 10)) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timer flush never delivered the item")
}

func TestServer_PushBatchCoalescesChanges(t *testing.T) {
	s, stores := newTestServer(t, nil)
	c := newTestClient(t, s)

	changes := make(chan bus.Change, 8)
	stores[bus.StoreMessages].Hub().Subscribe("test", func(chg bus.Change) {
		changes <- chg
	})

	items := make([]any, 3)
	for i := range items {
		items[i] = map[string]any{
			"store": bus.StoreMessages, "topic": "t",
			"payload": map[string]any{"n": i}, "seq": uint64(i + 1),
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := c.roundTrip(ctx, "b-coal", map[string]any{
		"v": ProtocolVersion, "kind": "delta_batch", "from_plugin": "p1",
		"batch_id": "b-coal", "first_seq": uint64(1), "last_seq": uint64(3),
		"count": uint64(3), "items": items,
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if reply["ok"] != true {
		t.Fatalf("batch rejected: %v", reply)
	}

	select {
	case chg := <-changes:
		if !chg.Batch || chg.Count != 3 {
			t.Fatalf("change = %+v, want one batch change with count 3", chg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change emitted for the batch")
	}
	select {
	case chg := <-changes:
		t.Fatalf("extra change emitted: %+v", chg)
	case <-time.After(50 * time.Millisecond):
	}

	if got := stores[bus.StoreMessages].GetRecent("t", 10); len(got) != 3 {
		t.Fatalf("store has %d records, want 3", len(got))
	}
	if rev := stores[bus.StoreMessages].Rev(); rev != 1 {
		t.Fatalf("rev = %d, want a single bump for the batch", rev)
	}
}

func TestServer_RejectsReplayedBatch(t *testing.T) {
	s, _ := newTestServer(t, nil)
	c := newTestClient(t, s)

	send := func(first, last, count uint64) map[string]any {
		items := make([]any, count)
		for i := range items {
			items[i] = map[string]any{
				"store": bus.StoreMessages, "topic": "t",
				"payload": map[string]any{"n": i}, "seq": first + uint64(i),
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		reply, err := c.roundTrip(ctx, "b-replay", map[string]any{
			"v": ProtocolVersion, "kind": "delta_batch", "from_plugin": "p1",
			"batch_id": "b-replay", "first_seq": first, "last_seq": last,
			"count": count, "items": items,
		})
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		return reply
	}

	if reply := send(1, 2, 2); reply["ok"] != true {
		t.Fatalf("first batch rejected: %v", reply)
	}
	if reply := send(1, 2, 2); reply["ok"] != false {
		t.Fatal("replayed batch must be rejected")
	}
	if reply := send(3, 4, 2); reply["ok"] != true {
		t.Fatal("next batch after watermark must be accepted")
	}
}
