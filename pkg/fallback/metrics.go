package fallback

import (
	"sync"

	"github.com/arbiternet/arbiter-oss/pkg/domain"
)

// Metrics aggregates fallback activity counters.
type Metrics struct {
	mu             sync.Mutex
	total          int64
	byTrigger      map[domain.FallbackTrigger]int64
	byTier         map[domain.Tier]int64
	byComponent    map[string]int64
	emergencyCount int64
	absoluteCount  int64
	cacheHits      int64
	depthSum       int64
}

// MetricsSnapshot is a point-in-time copy of the fallback counters.
type MetricsSnapshot struct {
	Total          int64
	ByTrigger      map[domain.FallbackTrigger]int64
	ByTier         map[domain.Tier]int64
	ByComponent    map[string]int64
	EmergencyCount int64
	AbsoluteCount  int64
	CacheHits      int64
	AverageDepth   float64
}

func newMetrics() *Metrics {
	return &Metrics{
		byTrigger:   make(map[domain.FallbackTrigger]int64),
		byTier:      make(map[domain.Tier]int64),
		byComponent: make(map[string]int64),
	}
}

func (m *Metrics) record(result domain.FallbackResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.byTrigger[result.Trigger]++
	m.byTier[result.Tier]++
	m.byComponent[result.OriginalComponent]++
	m.depthSum += int64(result.Depth)
}

func (m *Metrics) recordEmergency() {
	m.mu.Lock()
	m.emergencyCount++
	m.mu.Unlock()
}

func (m *Metrics) recordAbsolute() {
	m.mu.Lock()
	m.absoluteCount++
	m.mu.Unlock()
}

func (m *Metrics) recordCacheHit() {
	m.mu.Lock()
	m.cacheHits++
	m.mu.Unlock()
}

func (m *Metrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		Total:          m.total,
		ByTrigger:      make(map[domain.FallbackTrigger]int64, len(m.byTrigger)),
		ByTier:         make(map[domain.Tier]int64, len(m.byTier)),
		ByComponent:    make(map[string]int64, len(m.byComponent)),
		EmergencyCount: m.emergencyCount,
		AbsoluteCount:  m.absoluteCount,
		CacheHits:      m.cacheHits,
	}
	for k, v := range m.byTrigger {
		snap.ByTrigger[k] = v
	}
	for k, v := range m.byTier {
		snap.ByTier[k] = v
	}
	for k, v := range m.byComponent {
		snap.ByComponent[k] = v
	}
	if m.total > 0 {
		snap.AverageDepth = float64(m.depthSum) / float64(m.total)
	}
	return snap
}
