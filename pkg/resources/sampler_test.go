package resources

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiternet/arbiter-oss/pkg/domain"
)

type recordingSink struct {
	events []Event
}

func (s *recordingSink) OnResourceEvent(ev Event) {
	s.events = append(s.events, ev)
}

func TestSampleRecordsUsageAndHistory(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Allocate("a", domain.ResourceRequirements{CPUPercent: 30, GPUPercent: 20}))

	sample := m.Sample()
	assert.Equal(t, 30.0, sample.CPUPercent)
	assert.Equal(t, 20.0, sample.GPUPercent)
	assert.Equal(t, 1, sample.ActiveComponents)
	assert.True(t, sample.GPUUnmeasured)
	// Real process memory is instrumented, so the figure is nonzero even
	// with no memory allocations.
	assert.Greater(t, sample.MemoryMB, 0.0)

	m.Sample()
	assert.Len(t, m.History(), 2)
}

func TestHistoryRingBounded(t *testing.T) {
	cfg := testResourcesConfig()
	cfg.HistorySize = 3
	m := NewManager(cfg, zerolog.Nop())

	for i := 0; i < 5; i++ {
		m.Sample()
	}

	history := m.History()
	assert.Len(t, history, 3)
	// Oldest first.
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].Time.Before(history[i-1].Time))
	}
}

func TestThresholdEventsEdgeTriggered(t *testing.T) {
	cfg := testResourcesConfig()
	cfg.EnforcementMode = "observe"
	cfg.CriticalThresholdPercent = 95
	m := NewManager(cfg, zerolog.Nop())

	sink := &recordingSink{}
	m.SubscribeEvents(sink)

	// CPU exactly at limit (80 of cap 100): limit event, not critical.
	require.NoError(t, m.Allocate("a", domain.ResourceRequirements{CPUPercent: 80}))
	m.Sample()
	require.Len(t, sink.events, 1)
	assert.Equal(t, EventLimitReached, sink.events[0].Kind)
	assert.Equal(t, domain.ResourceCPU, sink.events[0].Dimension)

	// Still over the limit: no repeat while the crossing is armed.
	m.Sample()
	assert.Len(t, sink.events, 1)

	// Past 95% of capacity: escalates to critical.
	require.NoError(t, m.Allocate("b", domain.ResourceRequirements{CPUPercent: 16}))
	m.Sample()
	require.Len(t, sink.events, 2)
	assert.Equal(t, EventCritical, sink.events[1].Kind)

	// Dropping below and crossing again re-fires.
	m.Deallocate("a")
	m.Deallocate("b")
	m.Sample()
	require.NoError(t, m.Allocate("c", domain.ResourceRequirements{CPUPercent: 80}))
	m.Sample()
	require.Len(t, sink.events, 3)
	assert.Equal(t, EventLimitReached, sink.events[2].Kind)
}

func TestMemoryThresholdKindsStayDistinct(t *testing.T) {
	cfg := testResourcesConfig()
	cfg.EnforcementMode = "observe"
	cfg.CriticalThresholdPercent = 95
	cfg.MaxMemoryMB = 100
	m := NewManager(cfg, zerolog.Nop())

	sink := &recordingSink{}
	m.SubscribeEvents(sink)

	// At the limit but under the critical margin: a limit event only.
	require.NoError(t, m.Allocate("a", domain.ResourceRequirements{MemoryMB: 100}))
	m.Sample()
	require.Len(t, sink.events, 1)
	assert.Equal(t, EventLimitReached, sink.events[0].Kind)
	assert.Equal(t, domain.ResourceMemory, sink.events[0].Dimension)

	// Past limit/0.95, about 105MB: escalates to critical.
	require.NoError(t, m.Allocate("b", domain.ResourceRequirements{MemoryMB: 10}))
	m.Sample()
	require.Len(t, sink.events, 2)
	assert.Equal(t, EventCritical, sink.events[1].Kind)
}

func TestForecastFlatWithFewSamples(t *testing.T) {
	m := testManager(t)

	f := m.ForecastUsage(time.Minute)
	assert.Equal(t, 0, f.Samples)
	assert.Equal(t, 0.0, f.CPUPercent)

	require.NoError(t, m.Allocate("a", domain.ResourceRequirements{CPUPercent: 25}))
	m.Sample()

	f = m.ForecastUsage(time.Minute)
	assert.Equal(t, 1, f.Samples)
	assert.Equal(t, 25.0, f.CPUPercent)
}

func TestForecastExtrapolatesTrend(t *testing.T) {
	cfg := testResourcesConfig()
	cfg.SamplingInterval = time.Second
	m := NewManager(cfg, zerolog.Nop())

	// CPU grows 10 points per sample: 10, 20, 30.
	require.NoError(t, m.Allocate("g1", domain.ResourceRequirements{CPUPercent: 10}))
	m.Sample()
	require.NoError(t, m.Allocate("g2", domain.ResourceRequirements{CPUPercent: 10}))
	m.Sample()
	require.NoError(t, m.Allocate("g3", domain.ResourceRequirements{CPUPercent: 10}))
	m.Sample()

	// 2 steps ahead at +10/step from 30.
	f := m.ForecastUsage(2 * time.Second)
	assert.Equal(t, 3, f.Samples)
	assert.InDelta(t, 50.0, f.CPUPercent, 0.001)

	// Long horizons clamp to 100.
	far := m.ForecastUsage(time.Minute)
	assert.Equal(t, 100.0, far.CPUPercent)
}
