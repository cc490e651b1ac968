package domain

import (
	"context"
	"time"
)

// Tier classifies a strategy component by reliability and latency.
// Tier 1 is critical (fastest, must not fail); tier 5 is research-grade
// (expected to fail).
type Tier int

const (
	// TierCritical components back the guaranteed response path.
	TierCritical Tier = 1
	// TierStandard components are the production workhorses.
	TierStandard Tier = 2
	// TierAdvanced components trade latency for decision quality.
	TierAdvanced Tier = 3
	// TierExperimental components are deployed for evaluation.
	TierExperimental Tier = 4
	// TierResearch components are expected to fail regularly.
	TierResearch Tier = 5
)

// MinTier and MaxTier bound the valid tier range.
const (
	MinTier = TierCritical
	MaxTier = TierResearch
)

// Valid reports whether the tier is within the supported range.
func (t Tier) Valid() bool {
	return t >= MinTier && t <= MaxTier
}

// ComponentType describes the family of algorithm behind a component.
type ComponentType string

const (
	TypeSearch    ComponentType = "search"
	TypeHeuristic ComponentType = "heuristic"
	TypeLearned   ComponentType = "learned"
	TypeHybrid    ComponentType = "hybrid"
)

// LifecycleState tracks a registered component through its lifecycle.
type LifecycleState string

const (
	StateLoading     LifecycleState = "loading"
	StateInitialized LifecycleState = "initialized"
	StateReady       LifecycleState = "ready"
	StateError       LifecycleState = "error"
)

// HealthStatus is derived from the health score via configured thresholds.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthOffline   HealthStatus = "offline"
	HealthUnknown   HealthStatus = "unknown"
)

// Component is the registration descriptor for a strategy component.
type Component struct {
	// Name is the unique key for the component.
	Name string
	// Type identifies the algorithm family.
	Type ComponentType
	// Tier ranks reliability/latency, 1 (critical) through 5 (research).
	Tier Tier
	// Priority breaks ties between otherwise equivalent candidates.
	// Higher wins. Must be positive.
	Priority int
	// Timeout bounds a single execution of this component.
	Timeout time.Duration
	// MemoryLimitMB is the component's declared memory budget.
	MemoryLimitMB float64
	// Dependencies lists the names of components this one depends on.
	// The slice must be present (possibly empty).
	Dependencies []string
	// Provider supplies the component's runtime capabilities. The health
	// check is required; further capabilities are discovered by interface
	// upgrade (Executor, Initializer, Cleaner, MetricsReporter).
	Provider StrategyProvider
}

// HealthReport is the self-reported health of a component.
type HealthReport struct {
	// Score is the component's health in [0,1].
	Score float64
	// Status is the component's own view of its status. The monitor derives
	// the authoritative status from Score; this is informational.
	Status HealthStatus
	// LastCheck is when the component last evaluated itself.
	LastCheck time.Time
	// Metrics carries optional provider-specific gauges.
	Metrics map[string]float64
}

// StrategyProvider is the one required capability of every component.
type StrategyProvider interface {
	HealthCheck(ctx context.Context) (HealthReport, error)
}

// Executor is the optional execution capability.
type Executor interface {
	Execute(ctx context.Context, req DecisionRequest) (DecisionResponse, error)
}

// Initializer is the optional initialization capability. When present it is
// invoked during registration and the lifecycle moves loading→ready on
// success or loading→error on failure.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Cleaner is the optional cleanup capability, invoked on unregistration.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// MetricsReporter is the optional metrics capability.
type MetricsReporter interface {
	Metrics() map[string]float64
}

// DecisionRequest describes one decision to be made.
type DecisionRequest struct {
	// Position encodes the current state the decision applies to.
	Position string
	// ValidMoves enumerates the legal choices. The emergency fallback picks
	// deterministically from this list.
	ValidMoves []string
	// Difficulty hints at how hard the position is, 1 (trivial) to 10.
	Difficulty int
	// Deadline, when non-zero, caps how long the caller will wait.
	Deadline time.Time
	// Metadata carries caller-specific context through the pipeline.
	Metadata map[string]any
}

// Decision is the outcome of a strategy component (or a fallback for one).
type Decision struct {
	Move       string
	Confidence float64
	Reasoning  string
}

// DecisionResponse pairs a decision with its execution cost.
type DecisionResponse struct {
	Decision      Decision
	ExecutionTime time.Duration
}

// ResourceType identifies one governed resource dimension.
type ResourceType string

const (
	ResourceCPU    ResourceType = "cpu_percent"
	ResourceMemory ResourceType = "memory_mb"
	ResourceGPU    ResourceType = "gpu_percent"
)

// ResourceRequirements declares what an execution needs. Zero values mean
// "none of this resource".
type ResourceRequirements struct {
	CPUPercent float64
	MemoryMB   float64
	GPUPercent float64
	// Priority of the requesting component, recorded on the allocation.
	Priority int
}

// FallbackTrigger classifies why a fallback was entered.
type FallbackTrigger string

const (
	TriggerTimeout           FallbackTrigger = "timeout"
	TriggerError             FallbackTrigger = "error"
	TriggerResourceLimit     FallbackTrigger = "resource_limit"
	TriggerHealthDegradation FallbackTrigger = "health_degradation"
)

// FallbackResult is the guaranteed outcome of the fallback ladder.
type FallbackResult struct {
	Decision Decision
	// FallbackComponent names the substitute that produced the decision.
	// Empty for the emergency paths, which are not backed by a registered
	// component.
	FallbackComponent string
	// OriginalComponent names the component that failed.
	OriginalComponent string
	// Reason records why the fallback was taken.
	Reason string
	// Trigger classifies the failure that started the ladder.
	Trigger FallbackTrigger
	// Depth counts how many substitution steps were taken.
	Depth int
	// Tier is the tier that ultimately produced the decision: the
	// substitute's tier, or the original component's tier for the cache and
	// emergency paths.
	Tier Tier
	// Elapsed is the total time spent resolving the fallback.
	Elapsed time.Duration
	// QualityDegradation estimates how much worse the decision is than the
	// original component's expected output, in [0,1].
	QualityDegradation float64
	// FromCache is set when the decision was served from the response cache.
	FromCache bool
}
