// Package usercontext keeps short per-bucket interaction histories for
// plugins, bounded by entry count and TTL.
package usercontext

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nexabus/nexabus/errors"
	"github.com/nexabus/nexabus/json"
)

// Store is a bounded per-bucket history.
type Store interface {
	// Append records one entry at the head of the bucket.
	Append(ctx context.Context, bucket string, entry map[string]any) error
	// Get returns up to limit entries, newest first.
	Get(ctx context.Context, bucket string, limit int) ([]map[string]any, error)
}

// Options bound every backend.
type Options struct {
	Max int           // entries kept per bucket
	TTL time.Duration // bucket expiry after last write
}

func (o Options) withDefaults() Options {
	if o.Max <= 0 {
		o.Max = 200
	}
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	return o
}

// New selects a backend by name. The redis backend needs a client.
func New(backend string, opts Options, rdb *redis.Client) (Store, error) {
	switch backend {
	case "memory", "":
		return NewMemoryStore(opts), nil
	case "redis":
		if rdb == nil {
			return nil, errors.NewRequired("redis client")
		}
		return NewRedisStore(rdb, opts), nil
	default:
		return nil, errors.NewInvalid("user_context_backend", backend, "must be memory or redis")
	}
}

type memoryEntry struct {
	at   time.Time
	data map[string]any
}

// MemoryStore keeps histories in process.
type MemoryStore struct {
	opts Options

	mu      sync.RWMutex
	buckets map[string][]memoryEntry
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{opts: opts.withDefaults(), buckets: make(map[string][]memoryEntry)}
}

func (s *MemoryStore) Append(_ context.Context, bucket string, entry map[string]any) error {
	if bucket == "" {
		return errors.NewRequired("bucket")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ring := append([]memoryEntry{{at: time.Now(), data: entry}}, s.buckets[bucket]...)
	if len(ring) > s.opts.Max {
		ring = ring[:s.opts.Max]
	}
	s.buckets[bucket] = ring
	return nil
}

func (s *MemoryStore) Get(_ context.Context, bucket string, limit int) ([]map[string]any, error) {
	if limit <= 0 || limit > s.opts.Max {
		limit = s.opts.Max
	}
	cutoff := time.Now().Add(-s.opts.TTL)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]map[string]any, 0, limit)
	for _, e := range s.buckets[bucket] {
		if e.at.Before(cutoff) {
			break
		}
		out = append(out, e.data)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// GC drops buckets whose newest entry is past the TTL. Run from the
// maintenance cron.
func (s *MemoryStore) GC() int {
	cutoff := time.Now().Add(-s.opts.TTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for bucket, ring := range s.buckets {
		if len(ring) == 0 || ring[0].at.Before(cutoff) {
			delete(s.buckets, bucket)
			removed++
		}
	}
	return removed
}

// RedisStore keeps one list per bucket, trimmed on every write and expired
// by Redis itself.
type RedisStore struct {
	rdb  *redis.Client
	opts Options
}

func NewRedisStore(rdb *redis.Client, opts Options) *RedisStore {
	return &RedisStore{rdb: rdb, opts: opts.withDefaults()}
}

func (s *RedisStore) key(bucket string) string {
	return "nexabus:uctx:" + bucket
}

func (s *RedisStore) Append(ctx context.Context, bucket string, entry map[string]any) error {
	if bucket == "" {
		return errors.NewRequired("bucket")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeValidation, "serializing context entry")
	}
	key := s.key(bucket)
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(s.opts.Max-1))
	pipe.Expire(ctx, key, s.opts.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeExternal, "writing context entry")
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, bucket string, limit int) ([]map[string]any, error) {
	if limit <= 0 || limit > s.opts.Max {
		limit = s.opts.Max
	}
	raw, err := s.rdb.LRange(ctx, s.key(bucket), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.WrapWithType(err, errors.ErrorTypeExternal, "reading context entries")
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		var entry map[string]any
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}
