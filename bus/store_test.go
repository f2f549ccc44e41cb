package bus

import (
	"fmt"
	"sync"
	"testing"
)

func TestStore_PublishAssignsMonotonicSeq(t *testing.T) {
	s := NewStore(StoreMessages, Limits{})

	var last uint64
	for i := 0; i < 100; i++ {
		ev, err := s.Publish("chat", map[string]any{"id": fmt.Sprintf("m%d", i), "content": "hi"})
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if ev.Seq <= last {
			t.Fatalf("seq not monotonic: got %d after %d", ev.Seq, last)
		}
		last = ev.Seq
	}

	meta, ok := s.Meta("chat")
	if !ok {
		t.Fatal("expected topic meta")
	}
	if meta.CountTotal != 100 {
		t.Fatalf("count_total = %d, want 100", meta.CountTotal)
	}
}

func TestStore_RevisionBumpsOncePerMutation(t *testing.T) {
	s := NewStore(StoreEvents, Limits{})

	rev0 := s.Rev()
	s.Publish("t", map[string]any{"id": "a"})
	if got := s.Rev(); got != rev0+1 {
		t.Fatalf("rev after publish = %d, want %d", got, rev0+1)
	}
	s.ExtendCoalesced("t", []map[string]any{{"id": "b"}, {"id": "c"}})
	if got := s.Rev(); got != rev0+2 {
		t.Fatalf("rev after extend = %d, want %d", got, rev0+2)
	}
	s.Delete("a")
	if got := s.Rev(); got != rev0+3 {
		t.Fatalf("rev after delete = %d, want %d", got, rev0+3)
	}
}

func TestStore_RingEvictsOldest(t *testing.T) {
	s := NewStore(StoreMessages, Limits{MaxLen: 3})

	for i := 0; i < 5; i++ {
		s.Publish("t", map[string]any{"id": fmt.Sprintf("m%d", i)})
	}

	recent := s.GetRecent("t", 0)
	if len(recent) != 3 {
		t.Fatalf("ring len = %d, want 3", len(recent))
	}
	if recent[0].Index.ID != "m2" {
		t.Fatalf("oldest survivor = %q, want m2", recent[0].Index.ID)
	}
}

func TestStore_TombstoneBlocksReinsert(t *testing.T) {
	s := NewStore(StoreMessages, Limits{})

	s.Publish("t", map[string]any{"id": "m1", "content": "first"})
	if _, err := s.Delete("m1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	for _, ev := range s.GetRecent("t", 0) {
		if ev.Index.ID == "m1" {
			t.Fatal("deleted id still present in ring")
		}
	}

	meta, _ := s.Meta("t")
	before := meta.CountTotal

	// Republish with the same id: silently dropped.
	ev, err := s.Publish("t", map[string]any{"id": "m1", "content": "again"})
	if err != nil {
		t.Fatalf("Publish after delete errored: %v", err)
	}
	if ev.Seq != 0 {
		t.Fatal("tombstoned record was stored")
	}

	meta, _ = s.Meta("t")
	if meta.CountTotal != before {
		t.Fatalf("count_total grew from %d to %d after tombstoned publish", before, meta.CountTotal)
	}
}

func TestStore_OversizedPayloadRejected(t *testing.T) {
	s := NewStore(StoreMessages, Limits{MaxPayload: 1 << 20})

	big := make([]byte, 2<<20)
	for i := range big {
		big[i] = 'x'
	}
	_, err := s.Publish("t", map[string]any{"id": "huge", "body": string(big)})
	if err == nil {
		t.Fatal("oversized publish accepted")
	}
	if got := s.GetRecent("t", 0); len(got) != 0 {
		t.Fatalf("oversized payload stored: %d events", len(got))
	}

	// The same cap rejects the whole coalesced batch.
	if _, err := s.ExtendCoalesced("t", []map[string]any{
		{"id": "ok"}, {"id": "huge", "body": string(big)},
	}); err == nil {
		t.Fatal("oversized batch accepted")
	}
	if got := s.GetRecent("t", 0); len(got) != 0 {
		t.Fatalf("rejected batch left %d events", len(got))
	}

	// A payload under the cap still goes through.
	if _, err := s.Publish("t", map[string]any{"id": "small", "body": "hi"}); err != nil {
		t.Fatalf("small publish failed: %v", err)
	}
}

func TestStore_ExtendCoalescedEmitsSingleChange(t *testing.T) {
	s := NewStore(StoreMessages, Limits{})

	var mu sync.Mutex
	var changes []Change
	s.Hub().Subscribe("test", func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	n, err := s.ExtendCoalesced("t", []map[string]any{
		{"id": "a"}, {"id": "b"}, {"id": "c"},
	})
	if err != nil {
		t.Fatalf("ExtendCoalesced failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("stored %d, want 3", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 {
		t.Fatalf("expected 1 coalesced change, got %d", len(changes))
	}
	if !changes[0].Batch || changes[0].Count != 3 {
		t.Fatalf("change = %+v, want batch with count 3", changes[0])
	}
	if changes[0].ID != "c" {
		t.Fatalf("coalesced hint id = %q, want last record c", changes[0].ID)
	}
}

func TestStore_ExtendCoalescedFiltersTombstoned(t *testing.T) {
	s := NewStore(StoreMessages, Limits{})

	s.Publish("t", map[string]any{"id": "dead"})
	s.Delete("dead")

	n, err := s.ExtendCoalesced("t", []map[string]any{
		{"id": "dead"}, {"id": "alive"},
	})
	if err != nil {
		t.Fatalf("ExtendCoalesced failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("stored %d, want 1 (tombstoned record filtered)", n)
	}
}

func TestStore_GetSinceOrdersAscending(t *testing.T) {
	s := NewStore(StoreEvents, Limits{})

	s.Publish("a", map[string]any{"id": "1"})
	s.Publish("b", map[string]any{"id": "2"})
	s.Publish("a", map[string]any{"id": "3"})

	got := s.GetSince("", 0, 0)
	if len(got) != 3 {
		t.Fatalf("GetSince returned %d events, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq {
			t.Fatal("GetSince not ordered by seq ascending")
		}
	}

	got = s.GetSince("", got[1].Seq, 0)
	if len(got) != 1 {
		t.Fatalf("GetSince(after 2nd) returned %d, want 1", len(got))
	}
}

func TestStore_QueryFilters(t *testing.T) {
	s := NewStore(StoreMessages, Limits{})

	s.Publish("t", map[string]any{"id": "a", "plugin_id": "p1", "priority": 3})
	s.Publish("t", map[string]any{"id": "b", "plugin_id": "p1", "priority": 8})
	s.Publish("t", map[string]any{"id": "c", "plugin_id": "p2", "priority": 9})

	got := s.Query(QueryParams{PluginID: "p1", PriorityMin: 5})
	if len(got) != 1 || got[0].Index.ID != "b" {
		t.Fatalf("Query = %+v, want single record b", got)
	}

	// Wildcard plugin_id matches everything above the priority floor.
	got = s.Query(QueryParams{PluginID: "*", PriorityMin: 5})
	if len(got) != 2 {
		t.Fatalf("wildcard query returned %d, want 2", len(got))
	}
	if got[0].Seq < got[1].Seq {
		t.Fatal("Query not ordered by seq descending")
	}
}

func TestStore_QueryLightStripsPayload(t *testing.T) {
	s := NewStore(StoreMessages, Limits{})
	s.Publish("t", map[string]any{"id": "a", "content": "secret"})

	got := s.Query(QueryParams{Light: true})
	if len(got) != 1 {
		t.Fatalf("got %d events", len(got))
	}
	if got[0].Payload != nil {
		t.Fatal("light result kept payload")
	}
	if got[0].Index.ID != "a" {
		t.Fatal("light result lost index")
	}
}

func TestStore_TopicLimit(t *testing.T) {
	s := NewStore(StoreMessages, Limits{MaxTopics: 2})

	s.Publish("one", map[string]any{"id": "1"})
	s.Publish("two", map[string]any{"id": "2"})
	if _, err := s.Publish("three", map[string]any{"id": "3"}); err == nil {
		t.Fatal("expected topic-limit error")
	}
	// Existing topics still writable.
	if _, err := s.Publish("one", map[string]any{"id": "4"}); err != nil {
		t.Fatalf("existing topic rejected: %v", err)
	}
}

func TestTombstones_FIFOEviction(t *testing.T) {
	ts := newTombstones(2)
	ts.add("a")
	ts.add("b")
	ts.add("c")

	if ts.has("a") {
		t.Fatal("oldest tombstone should have been evicted")
	}
	if !ts.has("b") || !ts.has("c") {
		t.Fatal("recent tombstones missing")
	}
}

func TestHub_PanickingListenerIsIsolated(t *testing.T) {
	s := NewStore(StoreMessages, Limits{})

	var called bool
	s.Hub().Subscribe("bad", func(Change) { panic("boom") })
	s.Hub().Subscribe("good", func(Change) { called = true })

	s.Publish("t", map[string]any{"id": "x"})

	if !called {
		t.Fatal("healthy listener not invoked after sibling panic")
	}
}
