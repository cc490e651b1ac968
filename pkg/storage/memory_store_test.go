package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiternet/arbiter-oss/pkg/domain"
)

func entry(move string, age time.Duration) CachedResponse {
	return CachedResponse{
		Decision:  domain.Decision{Move: move, Confidence: 0.5},
		Component: "minimax",
		StoredAt:  time.Now().Add(-age),
	}
}

func TestMemoryStorePutGet(t *testing.T) {
	s := NewMemoryResponseStore(4)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "sig-1", entry("e4", 0)))

	got, ok := s.Get(ctx, "sig-1")
	require.True(t, ok)
	assert.Equal(t, "e4", got.Decision.Move)
	assert.Equal(t, "minimax", got.Component)

	_, ok = s.Get(ctx, "sig-missing")
	assert.False(t, ok)
}

func TestMemoryStoreOverwriteSameSignature(t *testing.T) {
	s := NewMemoryResponseStore(2)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "sig", entry("e4", 0)))
	require.NoError(t, s.Put(ctx, "sig", entry("d4", 0)))

	got, ok := s.Get(ctx, "sig")
	require.True(t, ok)
	assert.Equal(t, "d4", got.Decision.Move)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStoreEvictsOldestWhenFull(t *testing.T) {
	s := NewMemoryResponseStore(3)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "old", entry("a1", 3*time.Minute)))
	require.NoError(t, s.Put(ctx, "mid", entry("b2", 2*time.Minute)))
	require.NoError(t, s.Put(ctx, "new", entry("c3", time.Minute)))
	require.NoError(t, s.Put(ctx, "newest", entry("d4", 0)))

	assert.Equal(t, 3, s.Len())
	_, ok := s.Get(ctx, "old")
	assert.False(t, ok)
	for _, sig := range []string{"mid", "new", "newest"} {
		_, ok := s.Get(ctx, sig)
		assert.True(t, ok, sig)
	}
}

func TestMemoryStorePrune(t *testing.T) {
	s := NewMemoryResponseStore(10)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "stale-1", entry("a1", time.Hour)))
	require.NoError(t, s.Put(ctx, "stale-2", entry("b2", 30*time.Minute)))
	require.NoError(t, s.Put(ctx, "fresh", entry("c3", time.Minute)))

	removed := s.Prune(ctx, time.Now().Add(-10*time.Minute))
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, s.Len())

	_, ok := s.Get(ctx, "fresh")
	assert.True(t, ok)

	// Nothing left to prune.
	assert.Equal(t, 0, s.Prune(ctx, time.Now().Add(-10*time.Minute)))
}

func TestMemoryStoreZeroSizeClampedToOne(t *testing.T) {
	s := NewMemoryResponseStore(0)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a", entry("a1", time.Minute)))
	require.NoError(t, s.Put(ctx, "b", entry("b2", 0)))

	assert.Equal(t, 1, s.Len())
	_, ok := s.Get(ctx, "b")
	assert.True(t, ok)
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	s := NewMemoryResponseStore(64)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = s.Put(ctx, fmt.Sprintf("sig-%d", i%32), entry("e4", 0))
		}
	}()
	for i := 0; i < 200; i++ {
		s.Get(ctx, fmt.Sprintf("sig-%d", i%32))
	}
	<-done

	assert.NoError(t, s.Close())
}
