package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 2,
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New(testConfig())
	assert.Equal(t, StateClosed, b.State())

	b.Record(false)
	b.Record(false)
	assert.Equal(t, StateClosed, b.State())

	b.Record(false)
	assert.Equal(t, StateOpen, b.State())

	allowed, nextAttempt := b.Allow()
	assert.False(t, allowed)
	assert.False(t, nextAttempt.IsZero())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New(testConfig())

	b.Record(false)
	b.Record(false)
	b.Record(true)
	b.Record(false)
	b.Record(false)

	// Never reached three consecutive failures.
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenAfterRecoveryTimeout(t *testing.T) {
	b := New(testConfig())
	for i := 0; i < 3; i++ {
		b.Record(false)
	}
	require.Equal(t, StateOpen, b.State())

	allowed, _ := b.Allow()
	assert.False(t, allowed)

	time.Sleep(60 * time.Millisecond)

	allowed, _ = b.Allow()
	assert.True(t, allowed)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerClosesAfterSuccessThreshold(t *testing.T) {
	b := New(testConfig())
	for i := 0; i < 3; i++ {
		b.Record(false)
	}
	b.ForceHalfOpen()
	require.Equal(t, StateHalfOpen, b.State())

	b.Record(true)
	assert.Equal(t, StateHalfOpen, b.State())

	b.Record(true)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b := New(testConfig())
	for i := 0; i < 3; i++ {
		b.Record(false)
	}
	b.ForceHalfOpen()

	b.Record(true)
	b.Record(false)
	assert.Equal(t, StateOpen, b.State())

	// The recovery timer restarts on reopen.
	allowed, _ := b.Allow()
	assert.False(t, allowed)
}

func TestBreakerForceHalfOpenOnlyFromOpen(t *testing.T) {
	b := New(testConfig())

	b.ForceHalfOpen()
	assert.Equal(t, StateClosed, b.State())

	for i := 0; i < 3; i++ {
		b.Record(false)
	}
	b.ForceHalfOpen()
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerReset(t *testing.T) {
	b := New(testConfig())
	for i := 0; i < 3; i++ {
		b.Record(false)
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())

	allowed, _ := b.Allow()
	assert.True(t, allowed)
}

func TestBreakerStats(t *testing.T) {
	b := New(testConfig())
	b.Record(false)
	b.Record(false)

	stats := b.Stats()
	assert.Equal(t, string(StateClosed), stats.State)
	assert.Equal(t, 2, stats.ConsecutiveFailures)
	assert.Equal(t, 3, stats.FailureThreshold)
	assert.False(t, stats.LastFailure.IsZero())
}

func TestManagerCreatesPerComponentBreakers(t *testing.T) {
	m := NewManager(testConfig())

	a := m.Get("alpha")
	b := m.Get("beta")
	assert.NotSame(t, a, b)
	assert.Same(t, a, m.Get("alpha"))

	for i := 0; i < 3; i++ {
		a.Record(false)
	}
	assert.Equal(t, StateOpen, a.State())
	assert.Equal(t, StateClosed, b.State())
}

func TestManagerRemoveAndResetAll(t *testing.T) {
	m := NewManager(testConfig())

	a := m.Get("alpha")
	for i := 0; i < 3; i++ {
		a.Record(false)
	}

	m.ResetAll()
	assert.Equal(t, StateClosed, a.State())

	m.Remove("alpha")
	fresh := m.Get("alpha")
	assert.NotSame(t, a, fresh)

	stats := m.Stats()
	assert.Len(t, stats, 1)
}
