// Package registry maintains the catalog of strategy components: their
// dependency graph, lifecycle, rolling performance statistics, and a ranking
// function for candidate selection.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arbiternet/arbiter-oss/pkg/config"
	"github.com/arbiternet/arbiter-oss/pkg/domain"
)

// PerformanceStats holds rolling execution statistics for a component,
// maintained with incremental mean updates.
type PerformanceStats struct {
	AvgResponseMs float64
	SuccessRate   float64
	ErrorCount    int
	Samples       int
}

// DependencyResolution is the outcome of resolving a component's declared
// dependencies at registration time.
type DependencyResolution struct {
	Resolved bool
	Missing  []string
	Circular bool
}

// ComponentRecord owns a Component plus its runtime state.
type ComponentRecord struct {
	Component    domain.Component
	State        domain.LifecycleState
	HealthScore  float64
	HealthStatus domain.HealthStatus
	Stats        PerformanceStats
	Dependencies DependencyResolution
	RegisteredAt time.Time
	LastError    string
}

// Registry is the owned component catalog. It is safe for concurrent use and
// is passed by handle to the collaborating subsystems.
type Registry struct {
	cfg    config.RegistryConfig
	logger zerolog.Logger

	mu      sync.RWMutex
	records map[string]*ComponentRecord
	graph   *DependencyGraph

	// Query results are cached by filter signature and invalidated on any
	// registration, health, or performance update via the generation counter.
	cacheMu    sync.Mutex
	cache      map[string]cachedQuery
	generation uint64
}

type cachedQuery struct {
	generation uint64
	results    []RankedComponent
}

// New creates an empty registry.
func New(cfg config.RegistryConfig, logger zerolog.Logger) *Registry {
	return &Registry{
		cfg:     cfg,
		logger:  logger.With().Str("component", "registry").Logger(),
		records: make(map[string]*ComponentRecord),
		graph:   NewDependencyGraph(),
		cache:   make(map[string]cachedQuery),
	}
}

// Register validates and registers a component. Missing dependencies are
// recorded but non-fatal; dependency cycles are detected and flagged without
// blocking registration. A component exposing the Initializer capability is
// initialized here and its lifecycle moves loading→ready or loading→error.
func (r *Registry) Register(ctx context.Context, c domain.Component) error {
	if err := validate(c); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.records[c.Name]; exists {
		r.mu.Unlock()
		return domain.NewValidationError("name", fmt.Sprintf("component %q already registered", c.Name))
	}

	rec := &ComponentRecord{
		Component:    c,
		State:        domain.StateLoading,
		HealthScore:  1.0,
		HealthStatus: domain.HealthUnknown,
		Stats:        PerformanceStats{SuccessRate: 1.0},
		RegisteredAt: time.Now(),
	}
	r.records[c.Name] = rec
	r.graph.Add(c.Name, c.Dependencies)

	missing := make([]string, 0)
	for _, dep := range c.Dependencies {
		if _, ok := r.records[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	sort.Strings(missing)
	rec.Dependencies = DependencyResolution{
		Resolved: len(missing) == 0,
		Missing:  missing,
		Circular: r.graph.HasCycleFrom(c.Name),
	}
	r.mu.Unlock()

	if len(missing) > 0 {
		r.logger.Warn().Str("name", c.Name).Strs("missing", missing).Msg("registered with missing dependencies")
	}
	if rec.Dependencies.Circular {
		r.logger.Warn().Str("name", c.Name).Msg("registered with circular dependency")
	}

	if init, ok := c.Provider.(domain.Initializer); ok {
		initCtx, cancel := context.WithTimeout(ctx, r.cfg.InitializeTimeout)
		err := init.Initialize(initCtx)
		cancel()

		r.mu.Lock()
		if err != nil {
			rec.State = domain.StateError
			rec.LastError = err.Error()
			r.mu.Unlock()
			r.invalidateCache()
			r.logger.Error().Err(err).Str("name", c.Name).Msg("component initialization failed")
			return nil
		}
		rec.State = domain.StateReady
		r.mu.Unlock()
	} else {
		r.mu.Lock()
		rec.State = domain.StateReady
		r.mu.Unlock()
	}

	r.invalidateCache()
	r.logger.Info().Str("name", c.Name).Int("tier", int(c.Tier)).Str("type", string(c.Type)).Msg("component registered")
	return nil
}

func validate(c domain.Component) error {
	if c.Name == "" {
		return domain.NewValidationError("name", "must not be empty")
	}
	if !c.Tier.Valid() {
		return domain.NewValidationError("tier", fmt.Sprintf("must be between %d and %d, got %d", domain.MinTier, domain.MaxTier, c.Tier))
	}
	if c.Priority <= 0 {
		return domain.NewValidationError("priority", "must be positive")
	}
	if c.Timeout <= 0 {
		return domain.NewValidationError("timeout", "must be positive")
	}
	if c.MemoryLimitMB <= 0 {
		return domain.NewValidationError("memoryLimitMB", "must be positive")
	}
	if c.Dependencies == nil {
		return domain.NewValidationError("dependencies", "must be present (may be empty)")
	}
	if c.Provider == nil {
		return domain.NewValidationError("provider", "health-check capability is required")
	}
	return nil
}

// Unregister removes a component. It fails with a DependencyError while
// other registered components still depend on it.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	rec, exists := r.records[name]
	if !exists {
		r.mu.Unlock()
		return &domain.NotFoundError{Name: name}
	}

	if dependents := r.graph.Dependents(name); len(dependents) > 0 {
		r.mu.Unlock()
		return &domain.DependencyError{Name: name, Dependents: dependents}
	}

	delete(r.records, name)
	r.graph.Remove(name)

	// Components that depended on this one now have a dangling dependency.
	for rn, other := range r.records {
		for _, dep := range other.Component.Dependencies {
			if dep == name {
				other.Dependencies.Resolved = false
				other.Dependencies.Missing = appendMissing(other.Dependencies.Missing, name)
				r.logger.Warn().Str("name", rn).Str("missing", name).Msg("dependency became missing")
			}
		}
	}
	r.mu.Unlock()

	if cleaner, ok := rec.Component.Provider.(domain.Cleaner); ok {
		if err := cleaner.Cleanup(ctx); err != nil {
			r.logger.Error().Err(err).Str("name", name).Msg("component cleanup failed")
		}
	}

	r.invalidateCache()
	r.logger.Info().Str("name", name).Msg("component unregistered")
	return nil
}

func appendMissing(missing []string, name string) []string {
	for _, m := range missing {
		if m == name {
			return missing
		}
	}
	missing = append(missing, name)
	sort.Strings(missing)
	return missing
}

// Get returns a copy of the record for name.
func (r *Registry) Get(name string) (ComponentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.records[name]
	if !exists {
		return ComponentRecord{}, &domain.NotFoundError{Name: name}
	}
	return *rec, nil
}

// Names returns the sorted names of all registered components.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.records))
	for name := range r.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns copies of all records keyed by name.
func (r *Registry) Snapshot() map[string]ComponentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ComponentRecord, len(r.records))
	for name, rec := range r.records {
		out[name] = *rec
	}
	return out
}

// UpdatePerformance maintains the rolling statistics for a component using
// the incremental mean recurrence avg' = (avg*(n-1)+x)/n. The success rate
// uses the same recurrence with x=1 on success and x=0 on failure.
func (r *Registry) UpdatePerformance(name string, responseTime time.Duration, success bool) error {
	r.mu.Lock()
	rec, exists := r.records[name]
	if !exists {
		r.mu.Unlock()
		return &domain.NotFoundError{Name: name}
	}

	s := &rec.Stats
	s.Samples++
	n := float64(s.Samples)
	ms := float64(responseTime) / float64(time.Millisecond)
	s.AvgResponseMs = (s.AvgResponseMs*(n-1) + ms) / n

	x := 0.0
	if success {
		x = 1.0
	} else {
		s.ErrorCount++
	}
	s.SuccessRate = (s.SuccessRate*(n-1) + x) / n
	r.mu.Unlock()

	r.invalidateCache()
	return nil
}

// UpdateHealth records the monitor's view of a component's health.
func (r *Registry) UpdateHealth(name string, score float64, status domain.HealthStatus) error {
	r.mu.Lock()
	rec, exists := r.records[name]
	if !exists {
		r.mu.Unlock()
		return &domain.NotFoundError{Name: name}
	}
	rec.HealthScore = score
	rec.HealthStatus = status
	r.mu.Unlock()

	r.invalidateCache()
	return nil
}

// SetState moves a component's lifecycle state.
func (r *Registry) SetState(name string, state domain.LifecycleState) error {
	r.mu.Lock()
	rec, exists := r.records[name]
	if !exists {
		r.mu.Unlock()
		return &domain.NotFoundError{Name: name}
	}
	rec.State = state
	r.mu.Unlock()

	r.invalidateCache()
	return nil
}

func (r *Registry) invalidateCache() {
	r.cacheMu.Lock()
	r.generation++
	r.cacheMu.Unlock()
}
