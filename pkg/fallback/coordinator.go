// Package fallback resolves component failures into usable decisions by
// degrading gracefully through lower tiers, ending in a built-in emergency
// path that never fails.
package fallback

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/arbiternet/arbiter-oss/pkg/config"
	"github.com/arbiternet/arbiter-oss/pkg/domain"
	"github.com/arbiternet/arbiter-oss/pkg/health"
	"github.com/arbiternet/arbiter-oss/pkg/registry"
	"github.com/arbiternet/arbiter-oss/pkg/storage"
)

// Quality degradation constants. A same-tier substitute is nearly as good as
// the original; each tier step down costs 0.2; the emergency heuristic and
// the absolute default are close to and exactly worthless respectively.
const (
	degradationSameTier  = 0.05
	degradationPerTier   = 0.2
	degradationEmergency = 0.85
	degradationAbsolute  = 1.0
	degradationCached    = 0.1
	degradationReduced   = 0.1
)

// Coordinator is the fallback system. It consults the registry for
// substitutes and the health monitor for eligibility, and guarantees a
// non-throwing terminal path.
type Coordinator struct {
	cfg        config.FallbackConfig
	minHealthy float64
	logger     zerolog.Logger
	registry   *registry.Registry
	health     *health.Monitor
	cache      storage.ResponseStore
	metrics    *Metrics
}

// New creates a fallback coordinator. The healthy threshold gates which
// substitutes are eligible. cache may be nil to disable response reuse.
func New(cfg config.FallbackConfig, healthCfg config.HealthConfig, reg *registry.Registry, mon *health.Monitor, cache storage.ResponseStore, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		minHealthy: healthCfg.Thresholds.Degraded,
		logger:     logger.With().Str("component", "fallback").Logger(),
		registry:   reg,
		health:     mon,
		cache:      cache,
		metrics:    newMetrics(),
	}
}

// Metrics returns the coordinator's aggregated metrics.
func (c *Coordinator) Metrics() MetricsSnapshot {
	return c.metrics.snapshot()
}

// HandleFailure resolves a usable response after component name failed with
// cause. When fallback is disabled the original error propagates unchanged;
// otherwise a FallbackResult is always returned and the error is always nil.
func (c *Coordinator) HandleFailure(ctx context.Context, name string, req domain.DecisionRequest, cause error, trigger domain.FallbackTrigger) (domain.FallbackResult, error) {
	if !c.cfg.Enabled {
		if cause == nil {
			return domain.FallbackResult{}, domain.ErrFallbackDisabled
		}
		return domain.FallbackResult{}, fmt.Errorf("%w: %w", domain.ErrFallbackDisabled, cause)
	}

	start := time.Now()
	reason := "unknown failure"
	if cause != nil {
		reason = cause.Error()
	}

	result := c.resolve(ctx, name, req, reason, trigger)
	result.Elapsed = time.Since(start)
	c.metrics.record(result)

	c.logger.Info().
		Str("original", name).
		Str("substitute", result.FallbackComponent).
		Str("trigger", string(trigger)).
		Int("depth", result.Depth).
		Float64("degradation", result.QualityDegradation).
		Msg("fallback resolved")

	return result, nil
}

// HandleUnhealthyComponent resolves a response for a component the health
// monitor has flagged. A currently healthy component is a caller error:
// no fallback is needed and an InvalidStateError is returned. A degraded
// component is re-executed under a reduced timeout rather than switched;
// unhealthy and offline components follow the tier-degradation ladder.
func (c *Coordinator) HandleUnhealthyComponent(ctx context.Context, name string, req domain.DecisionRequest) (domain.FallbackResult, error) {
	rec, err := c.health.GetHealth(name)
	if err != nil {
		return domain.FallbackResult{}, err
	}

	switch rec.Status {
	case domain.HealthHealthy:
		return domain.FallbackResult{}, &domain.InvalidStateError{
			Name:    name,
			State:   string(rec.Status),
			Message: "no fallback needed",
		}
	case domain.HealthDegraded:
		if result, ok := c.reexecuteReduced(ctx, name, req); ok {
			c.metrics.record(result)
			return result, nil
		}
		// Reduced-timeout retry failed as well; fall through to the ladder.
	}

	return c.HandleFailure(ctx, name, req, fmt.Errorf("component %s is %s", name, rec.Status), domain.TriggerHealthDegradation)
}

// resolve walks the fallback ladder. It never returns an error: every path
// ends in a decision.
func (c *Coordinator) resolve(ctx context.Context, name string, req domain.DecisionRequest, reason string, trigger domain.FallbackTrigger) domain.FallbackResult {
	base := domain.FallbackResult{
		OriginalComponent: name,
		Reason:            reason,
		Trigger:           trigger,
	}

	tier := domain.MaxTier
	if rec, err := c.registry.Get(name); err == nil {
		tier = rec.Component.Tier
	}
	base.Tier = tier

	if cached, ok := c.cachedResponse(ctx, req); ok {
		base.Decision = cached.Decision
		base.FallbackComponent = cached.Component
		if rec, err := c.registry.Get(cached.Component); err == nil {
			base.Tier = rec.Component.Tier
		}
		base.QualityDegradation = degradationCached
		base.FromCache = true
		return base
	}

	depth := 0

	// Step 1: highest-ranked ready, healthy component sharing the tier.
	if depth < c.cfg.MaxDepth {
		if result, ok := c.trySubstitutes(ctx, name, req, tier, &depth); ok {
			base.Decision = result.decision
			base.FallbackComponent = result.component
			base.Depth = depth
			base.Tier = tier
			base.QualityDegradation = degradationSameTier
			return base
		}
	}

	// Step 2: degrade one tier at a time toward tier 1.
	for t := tier - 1; t >= domain.MinTier && depth < c.cfg.MaxDepth; t-- {
		if result, ok := c.trySubstitutes(ctx, name, req, t, &depth); ok {
			base.Decision = result.decision
			base.FallbackComponent = result.component
			base.Depth = depth
			base.Tier = t
			base.QualityDegradation = degradationPerTier * float64(int(tier)-int(t))
			return base
		}
	}

	// Step 3: built-in emergency heuristic, not backed by any component.
	base.Depth = depth
	if depth >= c.cfg.MaxDepth {
		exhausted := &domain.FallbackExhaustedError{Original: name, Depth: depth}
		c.logger.Debug().Err(exhausted).Msg("substitution budget exhausted")
		reason = reason + "; " + exhausted.Error()
	}
	if decision, err := emergencyHeuristic(req); err == nil {
		base.Decision = decision
		base.Reason = reason + "; emergency_fallback"
		base.QualityDegradation = degradationEmergency
		c.metrics.recordEmergency()
		return base
	}

	// Step 4: absolute emergency. Deterministic, never throws.
	base.Decision = absoluteEmergencyDecision()
	base.Reason = reason + "; absolute_emergency"
	base.QualityDegradation = degradationAbsolute
	c.metrics.recordAbsolute()
	return base
}

type attemptResult struct {
	component string
	decision  domain.Decision
}

// trySubstitutes executes the ranked eligible components of one tier until
// one succeeds or the depth budget runs out.
func (c *Coordinator) trySubstitutes(ctx context.Context, exclude string, req domain.DecisionRequest, tier domain.Tier, depth *int) (attemptResult, bool) {
	candidates := c.registry.Query(registry.Filter{
		Tier:          tier,
		AvailableOnly: true,
		MinHealth:     c.minHealthy,
		Exclude:       []string{exclude},
		Difficulty:    req.Difficulty,
	})

	for _, candidate := range candidates {
		if *depth >= c.cfg.MaxDepth {
			return attemptResult{}, false
		}

		name := candidate.Record.Component.Name
		executor, ok := candidate.Record.Component.Provider.(domain.Executor)
		if !ok {
			continue
		}
		if err := c.health.AllowExecution(name); err != nil {
			continue
		}

		*depth++
		decision, err := c.execute(ctx, name, candidate.Record.Component.Timeout, executor, req)
		if err != nil {
			c.logger.Warn().Err(err).Str("name", name).Int("tier", int(tier)).Msg("fallback attempt failed")
			continue
		}

		return attemptResult{component: name, decision: decision}, true
	}

	return attemptResult{}, false
}

// execute runs one substitute under the attempt time-box. A loser that
// overruns the box is abandoned and counted as a single failure; whatever it
// eventually returns is discarded.
func (c *Coordinator) execute(ctx context.Context, name string, componentTimeout time.Duration, executor domain.Executor, req domain.DecisionRequest) (domain.Decision, error) {
	timeout := c.cfg.AttemptTimeout
	if componentTimeout > 0 && componentTimeout < timeout {
		timeout = componentTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	type outcome struct {
		resp domain.DecisionResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := executor.Execute(execCtx, req)
		done <- outcome{resp, err}
	}()

	select {
	case <-execCtx.Done():
		c.health.ReportOutcome(name, false)
		_ = c.registry.UpdatePerformance(name, time.Since(start), false)
		return domain.Decision{}, &domain.TimeoutError{Component: name, Op: "fallback execution", Budget: timeout}
	case o := <-done:
		elapsed := time.Since(start)
		c.health.ReportOutcome(name, o.err == nil)
		_ = c.registry.UpdatePerformance(name, elapsed, o.err == nil)
		if o.err != nil {
			return domain.Decision{}, o.err
		}
		c.storeResponse(ctx, req, name, o.resp.Decision)
		return o.resp.Decision, nil
	}
}

// reexecuteReduced retries the same degraded component under a scaled-down
// timeout instead of substituting it.
func (c *Coordinator) reexecuteReduced(ctx context.Context, name string, req domain.DecisionRequest) (domain.FallbackResult, bool) {
	rec, err := c.registry.Get(name)
	if err != nil {
		return domain.FallbackResult{}, false
	}
	executor, ok := rec.Component.Provider.(domain.Executor)
	if !ok {
		return domain.FallbackResult{}, false
	}

	reduced := time.Duration(float64(rec.Component.Timeout) * c.cfg.DegradedTimeoutFactor)
	if reduced <= 0 {
		return domain.FallbackResult{}, false
	}

	start := time.Now()
	decision, err := c.execute(ctx, name, reduced, executor, req)
	if err != nil {
		return domain.FallbackResult{}, false
	}

	return domain.FallbackResult{
		Decision:           decision,
		FallbackComponent:  name,
		OriginalComponent:  name,
		Reason:             "degraded component re-executed under reduced timeout",
		Trigger:            domain.TriggerHealthDegradation,
		Depth:              0,
		Tier:               rec.Component.Tier,
		Elapsed:            time.Since(start),
		QualityDegradation: degradationReduced,
	}, true
}

func (c *Coordinator) cachedResponse(ctx context.Context, req domain.DecisionRequest) (storage.CachedResponse, bool) {
	if c.cache == nil {
		return storage.CachedResponse{}, false
	}
	cached, ok := c.cache.Get(ctx, RequestSignature(req))
	if !ok {
		return storage.CachedResponse{}, false
	}
	if c.cfg.CacheTTL > 0 && time.Since(cached.StoredAt) > c.cfg.CacheTTL {
		return storage.CachedResponse{}, false
	}
	c.metrics.recordCacheHit()
	return cached, true
}

func (c *Coordinator) storeResponse(ctx context.Context, req domain.DecisionRequest, component string, decision domain.Decision) {
	if c.cache == nil {
		return
	}
	_ = c.cache.Put(ctx, RequestSignature(req), storage.CachedResponse{
		Decision:  decision,
		Component: component,
		StoredAt:  time.Now(),
	})
}

// PruneCache drops expired cached responses. The core's cleanup task calls
// this off the request path.
func (c *Coordinator) PruneCache(ctx context.Context) int {
	if c.cache == nil || c.cfg.CacheTTL <= 0 {
		return 0
	}
	return c.cache.Prune(ctx, time.Now().Add(-c.cfg.CacheTTL))
}

// RequestSignature produces a stable cache key from the request fields that
// determine the decision.
func RequestSignature(req domain.DecisionRequest) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(req.Position))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strings.Join(req.ValidMoves, ",")))
	return fmt.Sprintf("%d|%x", req.Difficulty, h.Sum64())
}
