package bus

import (
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/nexabus/nexabus/errors"
)

// Limits bounds a store's growth. Zero values fall back to defaults.
type Limits struct {
	MaxLen       int // events retained per topic
	MaxTopics    int // topics per store
	MaxTopicName int // topic name length
	MaxPayload   int // serialized payload bytes
	MaxDeleted   int // tombstone set capacity
}

func (l Limits) withDefaults() Limits {
	if l.MaxLen <= 0 {
		l.MaxLen = 10000
	}
	if l.MaxTopics <= 0 {
		l.MaxTopics = 1024
	}
	if l.MaxTopicName <= 0 {
		l.MaxTopicName = 256
	}
	if l.MaxPayload <= 0 {
		l.MaxPayload = 1 << 20
	}
	if l.MaxDeleted <= 0 {
		l.MaxDeleted = 20000
	}
	return l
}

// Store is one bounded, topic-partitioned, sequence-ordered event store.
// A single writer lock covers every mutation; reads take short snapshots
// under the same lock. Change events are emitted to the hub after the lock
// is released, carrying the post-mutation revision.
type Store struct {
	name   string
	limits Limits

	mu      sync.RWMutex
	items   map[string][]Event
	meta    map[string]*TopicMeta
	seq     uint64
	rev     uint64
	deleted *tombstones

	hub *Hub
}

// NewStore creates a store and its change hub.
func NewStore(name string, limits Limits) *Store {
	limits = limits.withDefaults()
	return &Store{
		name:    name,
		limits:  limits,
		items:   make(map[string][]Event),
		meta:    make(map[string]*TopicMeta),
		deleted: newTombstones(limits.MaxDeleted),
		hub:     NewHub(name),
	}
}

// Name returns the store name.
func (s *Store) Name() string { return s.name }

// Hub returns the store's change hub.
func (s *Store) Hub() *Hub { return s.hub }

// Seq returns the last assigned sequence number.
func (s *Store) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Rev returns the current revision.
func (s *Store) Rev() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rev
}

// PublishOp overrides the change op emitted by Publish. Used by the run
// protocol, which records status transitions as "change" events.
type PublishOp string

const (
	OpAdd    PublishOp = "add"
	OpDel    PublishOp = "del"
	OpChange PublishOp = "change"
)

// Publish appends one record. A record whose id is tombstoned is silently
// dropped, returning the zero Event and a nil error.
func (s *Store) Publish(topic string, payload map[string]any) (Event, error) {
	return s.publish(topic, payload, OpAdd)
}

// PublishChange appends one record and emits the change with op "change"
// instead of "add".
func (s *Store) PublishChange(topic string, payload map[string]any) (Event, error) {
	return s.publish(topic, payload, OpChange)
}

func (s *Store) publish(topic string, payload map[string]any, op PublishOp) (Event, error) {
	if err := s.checkTopic(topic); err != nil {
		return Event{}, err
	}
	if err := s.checkPayload(payload); err != nil {
		return Event{}, err
	}

	s.mu.Lock()
	id := recordID(payload)
	if id != "" && s.deleted.has(id) {
		// Tombstoned ids never re-enter the store.
		s.mu.Unlock()
		return Event{}, nil
	}
	if len(s.items[topic]) == 0 && len(s.items) >= s.limits.MaxTopics {
		s.mu.Unlock()
		return Event{}, errors.New(errors.ErrorTypeRateLimit, "topic limit reached for store "+s.name)
	}

	now := time.Now()
	s.seq++
	ev := Event{
		Seq:     s.seq,
		TS:      now,
		Store:   s.name,
		Topic:   topic,
		Payload: payload,
		Index:   projectIndex(payload, now),
	}
	s.appendLocked(topic, ev, now)
	s.rev++
	rev := s.rev
	s.mu.Unlock()

	s.hub.Notify(Change{
		Op:       string(op),
		Rev:      rev,
		ID:       ev.Index.ID,
		Priority: ev.Index.Priority,
		Source:   ev.Index.Source,
		Count:    1,
	})
	return ev, nil
}

// ExtendCoalesced appends records in bulk under one critical section and
// emits a single coalesced change event. When no tombstones exist the
// per-record id check is skipped.
func (s *Store) ExtendCoalesced(topic string, payloads []map[string]any) (int, error) {
	if len(payloads) == 0 {
		return 0, nil
	}
	if err := s.checkTopic(topic); err != nil {
		return 0, err
	}
	for _, payload := range payloads {
		if err := s.checkPayload(payload); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	if len(s.items[topic]) == 0 && len(s.items) >= s.limits.MaxTopics {
		s.mu.Unlock()
		return 0, errors.New(errors.ErrorTypeRateLimit, "topic limit reached for store "+s.name)
	}
	checkIDs := s.deleted.size() > 0
	now := time.Now()
	var last Event
	stored := 0
	for _, payload := range payloads {
		if checkIDs {
			if id := recordID(payload); id != "" && s.deleted.has(id) {
				continue
			}
		}
		s.seq++
		ev := Event{
			Seq:     s.seq,
			TS:      now,
			Store:   s.name,
			Topic:   topic,
			Payload: payload,
			Index:   projectIndex(payload, now),
		}
		s.appendLocked(topic, ev, now)
		last = ev
		stored++
	}
	if stored == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	s.rev++
	rev := s.rev
	s.mu.Unlock()

	// The last record's id/priority/source ride along as subscriber hints.
	s.hub.Notify(Change{
		Op:       string(OpAdd),
		Rev:      rev,
		ID:       last.Index.ID,
		Priority: last.Index.Priority,
		Source:   last.Index.Source,
		Count:    stored,
		Batch:    true,
	})
	return stored, nil
}

// Delete tombstones an id and rebuilds every topic ring without it.
// Future publishes carrying the same id are silently dropped.
func (s *Store) Delete(id string) (uint64, error) {
	if id == "" {
		return 0, errors.NewValidation("delete requires a record id")
	}

	s.mu.Lock()
	s.deleted.add(id)
	for topic, ring := range s.items {
		kept := ring[:0]
		for _, ev := range ring {
			if ev.Index.ID != id {
				kept = append(kept, ev)
			}
		}
		s.items[topic] = kept
	}
	s.rev++
	rev := s.rev
	s.mu.Unlock()

	s.hub.Notify(Change{Op: string(OpDel), Rev: rev, ID: id})
	return rev, nil
}

// GetRecent returns the tail of one topic's ring, newest last.
func (s *Store) GetRecent(topic string, limit int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring := s.items[topic]
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}
	out := make([]Event, limit)
	copy(out, ring[len(ring)-limit:])
	return out
}

// GetSince scans one topic (or all topics when topic is empty) for events
// with seq > afterSeq, ordered by seq ascending, capped at limit.
func (s *Store) GetSince(topic string, afterSeq uint64, limit int) []Event {
	s.mu.RLock()
	var out []Event
	if topic != "" {
		for _, ev := range s.items[topic] {
			if ev.Seq > afterSeq {
				out = append(out, ev)
			}
		}
	} else {
		for _, ring := range s.items {
			for _, ev := range ring {
				if ev.Seq > afterSeq {
					out = append(out, ev)
				}
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// QueryParams filters stored events on index fields.
type QueryParams struct {
	Topic       string
	PluginID    string
	Source      string
	Kind        string
	Type        string
	PriorityMin int
	SinceTS     float64
	UntilTS     float64
	Limit       int
	Light       bool
}

// Query filters by index fields, ordered by seq descending.
func (s *Store) Query(p QueryParams) []Event {
	s.mu.RLock()
	var out []Event
	scan := func(ring []Event) {
		for _, ev := range ring {
			if matchIndex(ev.Index, p) {
				out = append(out, ev)
			}
		}
	}
	if p.Topic != "" {
		scan(s.items[p.Topic])
	} else {
		for _, ring := range s.items {
			scan(ring)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	if p.Light {
		for i := range out {
			out[i] = out[i].Light()
		}
	}
	return out
}

func matchIndex(idx Index, p QueryParams) bool {
	if p.PluginID != "" && p.PluginID != "*" && idx.PluginID != p.PluginID {
		return false
	}
	if p.Source != "" && idx.Source != p.Source {
		return false
	}
	if p.Kind != "" && idx.Kind != p.Kind {
		return false
	}
	if p.Type != "" && idx.Type != p.Type {
		return false
	}
	if p.PriorityMin > 0 && idx.Priority < p.PriorityMin {
		return false
	}
	if p.SinceTS > 0 && idx.Timestamp < p.SinceTS {
		return false
	}
	if p.UntilTS > 0 && idx.Timestamp > p.UntilTS {
		return false
	}
	return true
}

// Topics returns all topic names, sorted.
func (s *Store) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.items))
	for name := range s.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Meta returns a copy of one topic's bookkeeping.
func (s *Store) Meta(topic string) (TopicMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meta[topic]
	if !ok {
		return TopicMeta{}, false
	}
	return *m, true
}

// IsDeleted reports whether an id is tombstoned.
func (s *Store) IsDeleted(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deleted.has(id)
}

func (s *Store) appendLocked(topic string, ev Event, now time.Time) {
	ring := append(s.items[topic], ev)
	if len(ring) > s.limits.MaxLen {
		ring = ring[len(ring)-s.limits.MaxLen:]
	}
	s.items[topic] = ring

	m, ok := s.meta[topic]
	if !ok {
		m = &TopicMeta{CreatedAt: now}
		s.meta[topic] = m
	}
	m.LastTS = now
	m.CountTotal++
}

func (s *Store) checkTopic(topic string) error {
	if topic == "" {
		return errors.NewValidation("topic must not be empty")
	}
	if len(topic) > s.limits.MaxTopicName {
		return errors.NewValidation("topic name exceeds limit")
	}
	return nil
}

// checkPayload enforces the serialized-size cap so every writer inherits
// it, whichever plane the record arrived on.
func (s *Store) checkPayload(payload map[string]any) error {
	if payload == nil {
		return nil
	}
	body, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(payload)
	if err != nil {
		return errors.NewValidation("payload is not serializable: " + err.Error())
	}
	if len(body) > s.limits.MaxPayload {
		return errors.NewValidation("payload exceeds size limit").
			WithDetail("size", len(body)).
			WithDetail("limit", s.limits.MaxPayload)
	}
	return nil
}

func recordID(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if id := stringField(payload, "id"); id != "" {
		return id
	}
	return stringField(payload, "message_id")
}

// tombstones is an insertion-ordered id set with FIFO eviction.
type tombstones struct {
	cap   int
	ids   map[string]struct{}
	order []string
}

func newTombstones(capacity int) *tombstones {
	return &tombstones{cap: capacity, ids: make(map[string]struct{})}
}

func (t *tombstones) add(id string) {
	if _, ok := t.ids[id]; ok {
		return
	}
	t.ids[id] = struct{}{}
	t.order = append(t.order, id)
	for len(t.order) > t.cap {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.ids, oldest)
	}
}

func (t *tombstones) has(id string) bool {
	_, ok := t.ids[id]
	return ok
}

func (t *tombstones) size() int { return len(t.ids) }
