package usercontext

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_NewestFirstAndBounded(t *testing.T) {
	s := NewMemoryStore(Options{Max: 3, TTL: time.Hour})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Append(ctx, "u1", map[string]any{"n": i}))
	}

	got, err := s.Get(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, got, 3, "bucket bounded at max")
	assert.Equal(t, 5, got[0]["n"], "newest first")
	assert.Equal(t, 3, got[2]["n"], "oldest surviving entry")
}

func TestMemoryStore_LimitAndIsolation(t *testing.T) {
	s := NewMemoryStore(Options{Max: 10, TTL: time.Hour})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Append(ctx, "a", map[string]any{"i": strconv.Itoa(i)}))
	}
	require.NoError(t, s.Append(ctx, "b", map[string]any{"i": "other"}))

	got, err := s.Get(ctx, "a", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.Get(ctx, "b", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "other", got[0]["i"])

	got, err = s.Get(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStore_TTLHidesAndGCReaps(t *testing.T) {
	s := NewMemoryStore(Options{Max: 10, TTL: 30 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "u1", map[string]any{"n": 1}))
	time.Sleep(60 * time.Millisecond)

	got, err := s.Get(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, got, "expired entries are not returned")

	assert.Equal(t, 1, s.GC())
	assert.Equal(t, 0, s.GC(), "second sweep finds nothing")
}

func TestMemoryStore_RejectsEmptyBucket(t *testing.T) {
	s := NewMemoryStore(Options{})
	assert.Error(t, s.Append(context.Background(), "", map[string]any{}))
}

func TestNew_BackendSelection(t *testing.T) {
	s, err := New("memory", Options{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = New("redis", Options{}, nil)
	assert.Error(t, err, "redis backend requires a client")

	_, err = New("postgres", Options{}, nil)
	assert.Error(t, err)
}
