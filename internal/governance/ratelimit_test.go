package governance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsUnconfiguredComponents(t *testing.T) {
	rl := NewRateLimiter(nil)

	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("anything"))
	}
}

func TestRateLimiterEnforcesBurst(t *testing.T) {
	rl := NewRateLimiter(map[string]RateLimiterConfig{
		"limited": {RequestsPerSecond: 1, BurstSize: 3},
	})

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("limited"), "request %d within burst", i)
	}
	assert.False(t, rl.Allow("limited"))

	// Other components are unaffected.
	assert.True(t, rl.Allow("other"))
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(map[string]RateLimiterConfig{
		"limited": {RequestsPerSecond: 100, BurstSize: 1},
	})

	require.True(t, rl.Allow("limited"))
	require.False(t, rl.Allow("limited"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, rl.Allow("limited"))
}

func TestRateLimiterReconfigurePreservesBuckets(t *testing.T) {
	rl := NewRateLimiter(map[string]RateLimiterConfig{
		"a": {RequestsPerSecond: 1, BurstSize: 2},
	})

	require.True(t, rl.Allow("a"))
	require.True(t, rl.Allow("a"))
	require.False(t, rl.Allow("a"))

	// Growing the burst grants the difference immediately.
	rl.Configure(map[string]RateLimiterConfig{
		"a": {RequestsPerSecond: 1, BurstSize: 4},
	})
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
}

func TestRateLimiterDropsRemovedComponents(t *testing.T) {
	rl := NewRateLimiter(map[string]RateLimiterConfig{
		"a": {RequestsPerSecond: 1, BurstSize: 1},
	})
	require.True(t, rl.Allow("a"))
	require.False(t, rl.Allow("a"))

	rl.Configure(map[string]RateLimiterConfig{})
	assert.True(t, rl.Allow("a"))
}

func TestRateLimiterAllowContextCanceled(t *testing.T) {
	rl := NewRateLimiter(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, rl.AllowContext(ctx, "anything"))
}

func TestRateLimiterStats(t *testing.T) {
	rl := NewRateLimiter(map[string]RateLimiterConfig{
		"a": {RequestsPerSecond: 10, BurstSize: 5},
	})
	require.True(t, rl.Allow("a"))

	stats := rl.Stats()
	require.Contains(t, stats, "a")
	assert.Equal(t, 10, stats["a"].Limit)
	assert.Equal(t, 5, stats["a"].BurstSize)
	assert.Less(t, stats["a"].Available, 5.0)
}
