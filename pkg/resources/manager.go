// Package resources tracks aggregate CPU/memory/GPU usage and per-component
// allocations, performs admission checks before execution, and forecasts
// near-term usage. This is cooperative resource governance, not OS-level
// isolation: components are trusted to stay within what they were granted.
package resources

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arbiternet/arbiter-oss/pkg/config"
	"github.com/arbiternet/arbiter-oss/pkg/domain"
)

// Pool tracks capacity for one resource type.
// Invariant: Available == Total − Σ active allocations of this type.
type Pool struct {
	Type      domain.ResourceType
	Total     float64
	Available float64
	Reserved  float64

	// Utilization counters.
	PeakUtilization float64
	AllocationCount int
	// FragmentationRatio is carried for API compatibility but is not backed
	// by real instrumentation; Unmeasured stays true until it is.
	FragmentationRatio float64
	Unmeasured         bool
}

// Allocation records resources granted to a component, uniquely keyed by
// (component, type).
type Allocation struct {
	ID        string
	Component string
	Type      domain.ResourceType
	Allocated float64
	// Used is the actual consumption when the provider reports it through
	// its metrics capability; until then it defaults to the allocated
	// amount and UsedMeasured is false.
	Used         float64
	UsedMeasured bool
	Priority     int
	CreatedAt    time.Time
}

// Availability is the outcome of an admission check.
type Availability struct {
	OK      bool
	Reasons []string
}

// Manager is the resource accounting and admission control layer.
// Allocation and deallocation are serialized under one mutex so concurrent
// requests for the same component cannot double count.
type Manager struct {
	logger zerolog.Logger

	mu          sync.Mutex
	cfg         config.ResourcesConfig
	pools       map[domain.ResourceType]*Pool
	allocations map[string]map[domain.ResourceType]*Allocation
	active      int

	history *historyRing

	sinkMu sync.RWMutex
	sinks  []EventSink
	// crossings tracks which (dimension, kind) thresholds are currently
	// exceeded so events fire on crossing, not on every sample.
	crossings map[string]bool
}

// NewManager creates a resource manager with pools sized from the limits.
func NewManager(cfg config.ResourcesConfig, logger zerolog.Logger) *Manager {
	m := &Manager{
		logger:    logger.With().Str("component", "resources").Logger(),
		cfg:       cfg,
		pools:     make(map[domain.ResourceType]*Pool),
		history:   newHistoryRing(cfg.HistorySize),
		crossings: make(map[string]bool),
	}
	m.pools[domain.ResourceCPU] = &Pool{Type: domain.ResourceCPU, Total: cfg.MaxCPUPercent, Available: cfg.MaxCPUPercent}
	m.pools[domain.ResourceMemory] = &Pool{Type: domain.ResourceMemory, Total: cfg.MaxMemoryMB, Available: cfg.MaxMemoryMB}
	m.pools[domain.ResourceGPU] = &Pool{Type: domain.ResourceGPU, Total: cfg.MaxGPUPercent, Available: cfg.MaxGPUPercent, Unmeasured: true}
	m.allocations = make(map[string]map[domain.ResourceType]*Allocation)
	return m
}

// SetLimits applies new limits, used by configuration hot reload. Pool totals
// grow or shrink; availability is recomputed against live allocations, so a
// shrink below current usage leaves Available negative until allocations
// drain, and admission rejects new work in the meantime.
func (m *Manager) SetLimits(cfg config.ResourcesConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cfg = cfg
	totals := map[domain.ResourceType]float64{
		domain.ResourceCPU:    cfg.MaxCPUPercent,
		domain.ResourceMemory: cfg.MaxMemoryMB,
		domain.ResourceGPU:    cfg.MaxGPUPercent,
	}
	for rt, total := range totals {
		pool := m.pools[rt]
		pool.Total = total
		pool.Available = total - m.allocatedLocked(rt)
	}
}

func (m *Manager) allocatedLocked(rt domain.ResourceType) float64 {
	var sum float64
	for _, byType := range m.allocations {
		if a, ok := byType[rt]; ok {
			sum += a.Allocated
		}
	}
	return sum
}

// CheckAvailability compares current aggregate usage plus the prospective
// requirements against the configured limits and itemizes every exceeded
// dimension. A zero-valued requirements argument checks current state only.
func (m *Manager) CheckAvailability(req domain.ResourceRequirements) Availability {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(req, "")
}

func (m *Manager) checkLocked(req domain.ResourceRequirements, component string) Availability {
	var reasons []string

	checks := []struct {
		rt        domain.ResourceType
		requested float64
	}{
		{domain.ResourceCPU, req.CPUPercent},
		{domain.ResourceMemory, req.MemoryMB},
		{domain.ResourceGPU, req.GPUPercent},
	}
	for _, c := range checks {
		pool := m.pools[c.rt]
		used := pool.Total - pool.Available
		if used+c.requested > pool.Total {
			reasons = append(reasons, fmt.Sprintf("%s: %.1f used + %.1f requested exceeds limit %.1f",
				c.rt, used, c.requested, pool.Total))
		}
	}

	// A component with live allocations does not count twice against the
	// active-component limit.
	prospective := m.active
	if component != "" {
		if _, has := m.allocations[component]; !has {
			prospective++
		}
	}
	if prospective > m.cfg.MaxActiveComponents {
		reasons = append(reasons, fmt.Sprintf("active components: %d exceeds limit %d",
			prospective, m.cfg.MaxActiveComponents))
	}

	return Availability{OK: len(reasons) == 0, Reasons: reasons}
}

// Allocate performs admission control and then creates one allocation per
// requested resource type. If any sub-allocation fails, everything made in
// this call is rolled back and a ResourceExhaustedError is returned; partial
// state is never left behind. In "observe" enforcement mode a failed check is
// logged but the allocation proceeds.
func (m *Manager) Allocate(name string, req domain.ResourceRequirements) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	avail := m.checkLocked(req, name)
	if !avail.OK {
		if m.cfg.EnforcementMode == "observe" {
			m.logger.Warn().Str("name", name).Strs("reasons", avail.Reasons).Msg("admission check failed (observe mode, admitting)")
		} else {
			return &domain.ResourceExhaustedError{Component: name, Reasons: avail.Reasons}
		}
	}

	wants := []struct {
		rt     domain.ResourceType
		amount float64
	}{
		{domain.ResourceCPU, req.CPUPercent},
		{domain.ResourceMemory, req.MemoryMB},
		{domain.ResourceGPU, req.GPUPercent},
	}

	var granted []*Allocation
	rollback := func() {
		for _, a := range granted {
			m.releaseLocked(a)
		}
	}

	for _, w := range wants {
		if w.amount <= 0 {
			continue
		}
		pool := m.pools[w.rt]
		if m.cfg.EnforcementMode != "observe" && w.amount > pool.Available {
			rollback()
			return &domain.ResourceExhaustedError{
				Component: name,
				Reasons:   []string{fmt.Sprintf("%s: %.1f requested, %.1f available", w.rt, w.amount, pool.Available)},
			}
		}
		if byType := m.allocations[name]; byType != nil {
			if _, dup := byType[w.rt]; dup {
				rollback()
				return &domain.ResourceExhaustedError{
					Component: name,
					Reasons:   []string{fmt.Sprintf("%s: allocation already exists for component", w.rt)},
				}
			}
		}

		a := &Allocation{
			ID:        uuid.NewString(),
			Component: name,
			Type:      w.rt,
			Allocated: w.amount,
			Used:      w.amount,
			Priority:  req.Priority,
			CreatedAt: time.Now(),
		}
		pool.Available -= w.amount
		pool.AllocationCount++
		if util := (pool.Total - pool.Available) / pool.Total; util > pool.PeakUtilization {
			pool.PeakUtilization = util
		}
		if m.allocations[name] == nil {
			m.allocations[name] = make(map[domain.ResourceType]*Allocation)
		}
		m.allocations[name][w.rt] = a
		granted = append(granted, a)
	}

	if len(granted) > 0 && len(m.allocations[name]) == len(granted) {
		m.active++
	}

	return nil
}

func (m *Manager) releaseLocked(a *Allocation) {
	pool := m.pools[a.Type]
	pool.Available += a.Allocated
	if byType := m.allocations[a.Component]; byType != nil {
		delete(byType, a.Type)
		if len(byType) == 0 {
			delete(m.allocations, a.Component)
		}
	}
}

// Deallocate removes every allocation for the component and decrements the
// active-component counter. Calling it for an unknown or already-released
// component is a no-op, not an error, so release can sit on every exit path.
func (m *Manager) Deallocate(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byType, exists := m.allocations[name]
	if !exists {
		return
	}

	for _, a := range byType {
		pool := m.pools[a.Type]
		pool.Available += a.Allocated
	}
	delete(m.allocations, name)
	if m.active > 0 {
		m.active--
	}
}

// ReportUsed records actual consumption for a component's allocation, fed
// from the provider's metrics capability.
func (m *Manager) ReportUsed(name string, rt domain.ResourceType, used float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byType, exists := m.allocations[name]
	if !exists {
		return &domain.NotFoundError{Name: name}
	}
	a, ok := byType[rt]
	if !ok {
		return &domain.NotFoundError{Name: name}
	}
	a.Used = used
	a.UsedMeasured = true
	return nil
}

// Efficiency returns used/allocated across active allocations, defaulting to
// 1.0 when no allocations exist.
func (m *Manager) Efficiency() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var used, allocated float64
	for _, byType := range m.allocations {
		for _, a := range byType {
			used += a.Used
			allocated += a.Allocated
		}
	}
	if allocated == 0 {
		return 1.0
	}
	return used / allocated
}

// Pools returns a copy of the pool states.
func (m *Manager) Pools() map[domain.ResourceType]Pool {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[domain.ResourceType]Pool, len(m.pools))
	for rt, p := range m.pools {
		out[rt] = *p
	}
	return out
}

// Allocations returns copies of the component's active allocations.
func (m *Manager) Allocations(name string) []Allocation {
	m.mu.Lock()
	defer m.mu.Unlock()

	byType, exists := m.allocations[name]
	if !exists {
		return nil
	}
	out := make([]Allocation, 0, len(byType))
	for _, a := range byType {
		out = append(out, *a)
	}
	return out
}

// ActiveComponents returns the number of components holding allocations.
func (m *Manager) ActiveComponents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
