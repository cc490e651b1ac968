package resources

import (
	"context"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/arbiternet/arbiter-oss/pkg/domain"
)

// UsageSample is one point of aggregate resource usage.
type UsageSample struct {
	Time             time.Time
	CPUPercent       float64
	MemoryMB         float64
	GPUPercent       float64
	ActiveComponents int
	// GPUUnmeasured marks that the GPU figure is the allocated aggregate,
	// not real instrumentation.
	GPUUnmeasured bool
}

// EventKind distinguishes threshold events.
type EventKind string

const (
	// EventLimitReached fires when a dimension reaches its configured limit.
	EventLimitReached EventKind = "limit_reached"
	// EventCritical fires when a dimension passes the critical threshold.
	EventCritical EventKind = "critical"
)

// Event is a resource threshold crossing.
type Event struct {
	ID        string
	Kind      EventKind
	Dimension domain.ResourceType
	Value     float64
	Limit     float64
	Time      time.Time
}

// EventSink receives resource threshold events.
type EventSink interface {
	OnResourceEvent(Event)
}

// SubscribeEvents registers a sink for threshold events. Delivery is
// synchronous and at-least-once per crossing.
func (m *Manager) SubscribeEvents(sink EventSink) {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// Run samples aggregate usage on the configured interval until the context
// is canceled. It owns no request-path work and may observe slightly stale
// allocation state under load.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SamplingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample takes one usage sample, appends it to the bounded history ring, and
// emits threshold events for any dimension that crossed a limit.
func (m *Manager) Sample() UsageSample {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	processMemMB := float64(memStats.HeapAlloc+memStats.StackInuse) / (1024 * 1024)

	m.mu.Lock()
	cpu := m.cfg.MaxCPUPercent - m.pools[domain.ResourceCPU].Available
	gpu := m.cfg.MaxGPUPercent - m.pools[domain.ResourceGPU].Available
	allocatedMem := m.cfg.MaxMemoryMB - m.pools[domain.ResourceMemory].Available

	// Memory is really instrumented from the runtime; the allocated
	// aggregate acts as a floor so declared budgets stay visible.
	mem := processMemMB
	if allocatedMem > mem {
		mem = allocatedMem
	}

	sample := UsageSample{
		Time:             time.Now(),
		CPUPercent:       cpu,
		MemoryMB:         mem,
		GPUPercent:       gpu,
		ActiveComponents: m.active,
		GPUUnmeasured:    true,
	}
	m.history.append(sample)

	critPct := m.cfg.CriticalThresholdPercent / 100

	// Memory has no fixed cap like the percentage dimensions, so its critical
	// threshold sits above the limit by the margin the percentage dimensions
	// keep below theirs. Otherwise the two event kinds would coincide.
	memCritical := m.cfg.MaxMemoryMB
	if critPct > 0 && critPct < 1 {
		memCritical = m.cfg.MaxMemoryMB / critPct
	}

	limits := []struct {
		rt       domain.ResourceType
		value    float64
		limit    float64
		critical float64
	}{
		{domain.ResourceCPU, cpu, m.cfg.MaxCPUPercent, 100 * critPct},
		{domain.ResourceMemory, mem, m.cfg.MaxMemoryMB, memCritical},
		{domain.ResourceGPU, gpu, m.cfg.MaxGPUPercent, 100 * critPct},
	}
	var events []Event
	for _, l := range limits {
		critical := l.critical
		if critical < l.limit {
			critical = l.limit
		}
		events = append(events, m.thresholdEventsLocked(l.rt, l.value, l.limit, critical)...)
	}
	m.mu.Unlock()

	m.dispatch(events)
	return sample
}

// thresholdEventsLocked emits an event only when a threshold is newly
// crossed, and rearms once usage falls back below it.
func (m *Manager) thresholdEventsLocked(rt domain.ResourceType, value, limit, critical float64) []Event {
	var events []Event

	limitKey := string(rt) + "/limit"
	critKey := string(rt) + "/critical"

	atLimit := value >= limit
	atCritical := value >= critical

	if atCritical && !m.crossings[critKey] {
		events = append(events, Event{
			ID: uuid.NewString(), Kind: EventCritical, Dimension: rt,
			Value: value, Limit: critical, Time: time.Now(),
		})
	} else if atLimit && !atCritical && !m.crossings[limitKey] {
		events = append(events, Event{
			ID: uuid.NewString(), Kind: EventLimitReached, Dimension: rt,
			Value: value, Limit: limit, Time: time.Now(),
		})
	}
	m.crossings[limitKey] = atLimit
	m.crossings[critKey] = atCritical

	return events
}

func (m *Manager) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}

	m.sinkMu.RLock()
	sinks := make([]EventSink, len(m.sinks))
	copy(sinks, m.sinks)
	m.sinkMu.RUnlock()

	for _, ev := range events {
		m.logger.Warn().
			Str("kind", string(ev.Kind)).
			Str("dimension", string(ev.Dimension)).
			Float64("value", ev.Value).
			Float64("limit", ev.Limit).
			Msg("resource threshold crossed")
		for _, sink := range sinks {
			sink.OnResourceEvent(ev)
		}
	}
}

// History returns the usage samples, oldest first.
func (m *Manager) History() []UsageSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.slice()
}

// historyRing is a bounded ring of usage samples; the oldest entries are
// dropped past the configured size.
type historyRing struct {
	samples []UsageSample
	size    int
	next    int
	full    bool
}

func newHistoryRing(size int) *historyRing {
	if size <= 0 {
		size = 1
	}
	return &historyRing{samples: make([]UsageSample, size), size: size}
}

func (r *historyRing) append(s UsageSample) {
	r.samples[r.next] = s
	r.next = (r.next + 1) % r.size
	if r.next == 0 {
		r.full = true
	}
}

func (r *historyRing) slice() []UsageSample {
	if !r.full {
		out := make([]UsageSample, r.next)
		copy(out, r.samples[:r.next])
		return out
	}
	out := make([]UsageSample, 0, r.size)
	out = append(out, r.samples[r.next:]...)
	out = append(out, r.samples[:r.next]...)
	return out
}

func (r *historyRing) last(n int) []UsageSample {
	all := r.slice()
	if len(all) <= n {
		return all
	}
	return all[len(all)-n:]
}
