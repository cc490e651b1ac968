// Package orchestrator ties the registry, resource manager, health monitor,
// and fallback system together behind one decision entry point and owns the
// periodic background tasks.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/arbiternet/arbiter-oss/internal/governance"
	"github.com/arbiternet/arbiter-oss/pkg/config"
	"github.com/arbiternet/arbiter-oss/pkg/domain"
	"github.com/arbiternet/arbiter-oss/pkg/fallback"
	"github.com/arbiternet/arbiter-oss/pkg/health"
	"github.com/arbiternet/arbiter-oss/pkg/registry"
	"github.com/arbiternet/arbiter-oss/pkg/resources"
	"github.com/arbiternet/arbiter-oss/pkg/storage"
	"github.com/arbiternet/arbiter-oss/pkg/telemetry"
)

// errRateLimited marks an execution rejected by the per-component throttle.
var errRateLimited = errors.New("execution rate limited")

// defaultExecutionCPUPercent is the CPU share reserved per execution when the
// component does not declare one.
const defaultExecutionCPUPercent = 5.0

// Result is the outcome of one decision request.
type Result struct {
	Decision domain.Decision
	// Component names the component that produced the decision. For fallback
	// emergency paths it is empty.
	Component string
	Elapsed   time.Duration
	// Fallback is set when the decision was resolved through the fallback
	// ladder instead of the selected component.
	Fallback *domain.FallbackResult
}

// Core is the orchestration runtime. It owns every subsystem and all of
// their background loops.
type Core struct {
	logger    zerolog.Logger
	registry  *registry.Registry
	resources *resources.Manager
	health    *health.Monitor
	fallback  *fallback.Coordinator
	limiter   *governance.RateLimiter
	cache     storage.ResponseStore
	metrics   *Metrics
	tracer    trace.Tracer

	mu           sync.Mutex
	cfg          *config.Config
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

// New assembles the orchestration core from configuration.
func New(cfg *config.Config, logger zerolog.Logger) *Core {
	reg := registry.New(cfg.Registry, logger)
	res := resources.NewManager(cfg.Resources, logger)
	mon := health.NewMonitor(cfg.Health, reg, logger)

	var cache storage.ResponseStore
	if cfg.Fallback.CacheSize > 0 {
		cache = storage.NewMemoryResponseStore(cfg.Fallback.CacheSize)
	}
	fb := fallback.New(cfg.Fallback, cfg.Health, reg, mon, cache, logger)

	c := &Core{
		logger:    logger.With().Str("component", "core").Logger(),
		registry:  reg,
		resources: res,
		health:    mon,
		fallback:  fb,
		limiter:   governance.NewRateLimiter(limiterConfig(cfg.RateLimit)),
		cache:     cache,
		metrics:   NewMetrics(),
		tracer:    otel.Tracer("arbiter.orchestrator"),
		cfg:       cfg,
	}

	mon.Subscribe(c)
	res.SubscribeEvents(c)
	return c
}

func limiterConfig(cfg map[string]config.RateLimitConfig) map[string]governance.RateLimiterConfig {
	out := make(map[string]governance.RateLimiterConfig, len(cfg))
	for name, rl := range cfg {
		out[name] = governance.RateLimiterConfig{
			RequestsPerSecond: rl.RequestsPerSecond,
			BurstSize:         rl.BurstSize,
		}
	}
	return out
}

// Metrics exposes the core's Prometheus metrics.
func (c *Core) Metrics() *Metrics { return c.metrics }

// Registry exposes the component registry.
func (c *Core) Registry() *registry.Registry { return c.registry }

// Resources exposes the resource manager.
func (c *Core) Resources() *resources.Manager { return c.resources }

// Health exposes the health monitor.
func (c *Core) Health() *health.Monitor { return c.health }

// Fallback exposes the fallback coordinator.
func (c *Core) Fallback() *fallback.Coordinator { return c.fallback }

// Start launches the background loops: health probing, breaker recovery,
// resource sampling, cache pruning, and gauge refresh.
func (c *Core) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.run(ctx, c.health.Run)
	c.run(ctx, c.health.RunRecovery)
	c.run(ctx, c.resources.Run)
	c.run(ctx, c.pruneLoop)
	c.run(ctx, c.gaugeLoop)

	c.logger.Info().Msg("orchestration core started")
}

func (c *Core) run(ctx context.Context, fn func(context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(ctx)
	}()
}

// Stop shuts the core down: new decisions are rejected, background loops are
// canceled, and the response cache is closed. It waits for the loops to exit
// or the context to expire.
func (c *Core) Stop(ctx context.Context) error {
	c.shuttingDown.Store(true)

	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if c.cache != nil {
		if cerr := c.cache.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	c.logger.Info().Msg("orchestration core stopped")
	return err
}

// ApplyConfig applies a hot-reloaded configuration. Resource limits and rate
// limits take effect immediately; subsystem intervals keep their boot values.
func (c *Core) ApplyConfig(cfg *config.Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()

	c.resources.SetLimits(cfg.Resources)
	c.limiter.Configure(limiterConfig(cfg.RateLimit))
	c.metrics.RecordConfigReload("success")
	c.logger.Info().Msg("configuration reloaded")
}

// RegisterComponent registers a strategy component.
func (c *Core) RegisterComponent(ctx context.Context, comp domain.Component) error {
	if c.shuttingDown.Load() {
		return domain.ErrShuttingDown
	}
	if err := c.registry.Register(ctx, comp); err != nil {
		return err
	}
	c.metrics.SetComponentsRegistered(len(c.registry.Names()))
	return nil
}

// UnregisterComponent removes a component and drops its monitor and resource
// state.
func (c *Core) UnregisterComponent(ctx context.Context, name string) error {
	if err := c.registry.Unregister(ctx, name); err != nil {
		return err
	}
	c.health.Forget(name)
	c.resources.Deallocate(name)
	c.metrics.RemoveComponentHealth(name)
	c.metrics.SetComponentsRegistered(len(c.registry.Names()))
	return nil
}

// Decide selects the best available component for the request and executes
// it, falling back through the degradation ladder on failure. With fallback
// enabled it always returns a decision.
func (c *Core) Decide(ctx context.Context, req domain.DecisionRequest) (Result, error) {
	if c.shuttingDown.Load() {
		return Result{}, domain.ErrShuttingDown
	}

	ctx, span := c.tracer.Start(ctx, "core.decide", trace.WithAttributes(
		attribute.Int("request.difficulty", req.Difficulty),
		attribute.Int("request.valid_moves", len(req.ValidMoves)),
	))
	defer span.End()

	candidates := c.registry.Query(registry.Filter{
		AvailableOnly: true,
		Difficulty:    req.Difficulty,
	})

	for _, candidate := range candidates {
		name := candidate.Record.Component.Name
		if _, ok := candidate.Record.Component.Provider.(domain.Executor); !ok {
			continue
		}
		span.SetAttributes(attribute.String("component.selected", name))
		return c.ExecuteWith(ctx, name, req)
	}

	return c.resolveFallback(ctx, span, "", req,
		fmt.Errorf("no executable component available: %w", domain.ErrComponentNotFound),
		domain.TriggerError, 0)
}

// ExecuteWith runs the request on a specific component: throttle, resource
// admission, breaker check, time-boxed execution, then fallback on failure.
// Allocated resources are released on every exit path.
func (c *Core) ExecuteWith(ctx context.Context, name string, req domain.DecisionRequest) (Result, error) {
	if c.shuttingDown.Load() {
		return Result{}, domain.ErrShuttingDown
	}

	ctx, span := c.tracer.Start(ctx, "core.execute", trace.WithAttributes(
		attribute.String("component.name", name),
	))
	defer span.End()

	rec, err := c.registry.Get(name)
	if err != nil {
		return Result{}, err
	}
	tier := int(rec.Component.Tier)

	if !c.limiter.AllowContext(ctx, name) {
		c.metrics.RecordDecisionError(name, "rate_limited")
		telemetry.RecordExecution(ctx, telemetry.ExecutionMetrics{
			Component: name, Tier: tier, Outcome: telemetry.OutcomeRateLimited,
		})
		return c.resolveFallback(ctx, span, name, req, errRateLimited, domain.TriggerResourceLimit, tier)
	}

	if err := c.resources.Allocate(name, requirementsFor(rec.Component)); err != nil {
		c.metrics.RecordResourceRejection(name)
		c.metrics.RecordDecisionError(name, "resource_rejected")
		telemetry.RecordExecution(ctx, telemetry.ExecutionMetrics{
			Component: name, Tier: tier, Outcome: telemetry.OutcomeRejected,
		})
		return c.resolveFallback(ctx, span, name, req, err, domain.TriggerResourceLimit, tier)
	}
	defer c.resources.Deallocate(name)

	if err := c.health.AllowExecution(name); err != nil {
		c.metrics.RecordDecisionError(name, "circuit_open")
		telemetry.RecordExecution(ctx, telemetry.ExecutionMetrics{
			Component: name, Tier: tier, Outcome: telemetry.OutcomeCircuitOpen,
		})
		return c.resolveFallback(ctx, span, name, req, err, domain.TriggerError, tier)
	}

	executor, ok := rec.Component.Provider.(domain.Executor)
	if !ok {
		err := fmt.Errorf("component %q has no execution capability", name)
		c.metrics.RecordDecisionError(name, "not_executable")
		return c.resolveFallback(ctx, span, name, req, err, domain.TriggerError, tier)
	}

	decision, elapsed, execErr := c.execute(ctx, name, rec.Component.Timeout, executor, req)
	c.health.ReportOutcome(name, execErr == nil)
	if err := c.registry.UpdatePerformance(name, elapsed, execErr == nil); err != nil {
		c.logger.Debug().Err(err).Str("name", name).Msg("performance update skipped")
	}

	if execErr != nil {
		trigger := domain.TriggerError
		outcome := telemetry.OutcomeError
		errType := "execution"
		if errors.Is(execErr, domain.ErrTimeout) {
			trigger = domain.TriggerTimeout
			outcome = telemetry.OutcomeTimeout
			errType = "timeout"
		}
		c.metrics.RecordDecision(name, "error", elapsed)
		c.metrics.RecordDecisionError(name, errType)
		telemetry.RecordExecution(ctx, telemetry.ExecutionMetrics{
			Component: name, Tier: tier, Outcome: outcome, Duration: elapsed,
		})
		return c.resolveFallback(ctx, span, name, req, execErr, trigger, tier)
	}

	c.metrics.RecordDecision(name, "success", elapsed)
	telemetry.RecordExecution(ctx, telemetry.ExecutionMetrics{
		Component: name, Tier: tier, Outcome: telemetry.OutcomeSuccess, Duration: elapsed,
	})
	c.storeResponse(ctx, req, name, decision)
	c.reportProviderUsage(name, rec.Component.Provider)

	return Result{Decision: decision, Component: name, Elapsed: elapsed}, nil
}

// execute runs the component under its timeout, shortened by the request
// deadline when one is set.
func (c *Core) execute(ctx context.Context, name string, timeout time.Duration, executor domain.Executor, req domain.DecisionRequest) (domain.Decision, time.Duration, error) {
	if !req.Deadline.IsZero() {
		if remaining := time.Until(req.Deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return domain.Decision{}, 0, &domain.TimeoutError{Component: name, Op: "execution", Budget: 0}
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
		return domain.Decision{}, time.Since(start), &domain.TimeoutError{Component: name, Op: "execution", Budget: timeout}
	case o := <-done:
		return o.resp.Decision, time.Since(start), o.err
	}
}

func (c *Core) resolveFallback(ctx context.Context, span trace.Span, name string, req domain.DecisionRequest, cause error, trigger domain.FallbackTrigger, tier int) (Result, error) {
	fb, err := c.fallback.HandleFailure(ctx, name, req, cause, trigger)
	if err != nil {
		return Result{}, err
	}

	path := "substitute"
	switch {
	case fb.FromCache:
		path = "cache"
	case fb.FallbackComponent == "" && fb.QualityDegradation >= 1.0:
		path = "absolute"
	case fb.FallbackComponent == "":
		path = "emergency"
	}
	c.metrics.RecordFallback(string(trigger), path, int(fb.Tier), fb.Depth, fb.QualityDegradation)
	telemetry.RecordExecution(ctx, telemetry.ExecutionMetrics{
		Component:          name,
		Tier:               tier,
		Outcome:            telemetry.OutcomeFallback,
		Duration:           fb.Elapsed,
		FallbackDepth:      fb.Depth,
		QualityDegradation: fb.QualityDegradation,
	})
	telemetry.RecordFallbackEvent(span, name, fb.FallbackComponent, fb.Depth, fb.QualityDegradation)

	return Result{
		Decision:  fb.Decision,
		Component: fb.FallbackComponent,
		Elapsed:   fb.Elapsed,
		Fallback:  &fb,
	}, nil
}

// requirementsFor derives resource requirements from the component's
// declaration. CPU falls back to a flat per-execution share.
func requirementsFor(comp domain.Component) domain.ResourceRequirements {
	return domain.ResourceRequirements{
		CPUPercent: defaultExecutionCPUPercent,
		MemoryMB:   comp.MemoryLimitMB,
		Priority:   comp.Priority,
	}
}

func (c *Core) storeResponse(ctx context.Context, req domain.DecisionRequest, name string, decision domain.Decision) {
	if c.cache == nil {
		return
	}
	_ = c.cache.Put(ctx, fallback.RequestSignature(req), storage.CachedResponse{
		Decision:  decision,
		Component: name,
		StoredAt:  time.Now(),
	})
}

// reportProviderUsage pulls actual consumption from the provider's optional
// metrics capability into the resource accounting.
func (c *Core) reportProviderUsage(name string, provider domain.StrategyProvider) {
	reporter, ok := provider.(domain.MetricsReporter)
	if !ok {
		return
	}
	for key, value := range reporter.Metrics() {
		switch domain.ResourceType(key) {
		case domain.ResourceCPU, domain.ResourceMemory, domain.ResourceGPU:
			if err := c.resources.ReportUsed(name, domain.ResourceType(key), value); err != nil {
				return
			}
		}
	}
}

// OnAlert implements health.AlertSink, mirroring breaker opens into the
// Prometheus counters.
func (c *Core) OnAlert(alert health.Alert) {
	if alert.Type == health.AlertCircuitOpen {
		c.metrics.RecordBreakerOpen(alert.Component)
	}
}

// OnResourceEvent implements resources.EventSink.
func (c *Core) OnResourceEvent(ev resources.Event) {
	c.logger.Warn().
		Str("kind", string(ev.Kind)).
		Str("dimension", string(ev.Dimension)).
		Float64("value", ev.Value).
		Msg("resource event")
}

// pruneLoop expires cached responses off the request path.
func (c *Core) pruneLoop(ctx context.Context) {
	c.mu.Lock()
	ttl := c.cfg.Fallback.CacheTTL
	c.mu.Unlock()
	if c.cache == nil || ttl <= 0 {
		return
	}

	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.fallback.PruneCache(ctx); removed > 0 {
				c.logger.Debug().Int("removed", removed).Msg("pruned response cache")
			}
		}
	}
}

// gaugeLoop refreshes the Prometheus gauges from subsystem snapshots.
func (c *Core) gaugeLoop(ctx context.Context) {
	c.mu.Lock()
	interval := c.cfg.Resources.SamplingInterval
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshGauges()
		}
	}
}

func (c *Core) refreshGauges() {
	snapshot := c.registry.Snapshot()
	c.metrics.SetComponentsRegistered(len(snapshot))
	for name, rec := range snapshot {
		c.metrics.SetComponentHealth(name, rec.HealthScore)
	}

	for rt, pool := range c.resources.Pools() {
		c.metrics.SetResourceUsage(string(rt), pool.Total-pool.Available)
	}
	c.metrics.SetActiveComponents(c.resources.ActiveComponents())
}

// Status is an aggregate view of the core for the admin API.
type Status struct {
	Components map[string]registry.ComponentRecord `json:"components"`
	Health     map[string]health.Record            `json:"health"`
	Pools      map[domain.ResourceType]resources.Pool `json:"pools"`
	Forecast   resources.Forecast                  `json:"forecast"`
	Fallback   fallback.MetricsSnapshot            `json:"fallback"`
	RateLimits map[string]governance.RateLimitStats `json:"rateLimits"`
}

// Status returns the aggregate view of all subsystems.
func (c *Core) Status() Status {
	return Status{
		Components: c.registry.Snapshot(),
		Health:     c.health.Snapshot(),
		Pools:      c.resources.Pools(),
		Forecast:   c.resources.ForecastUsage(time.Hour),
		Fallback:   c.fallback.Metrics(),
		RateLimits: c.limiter.Stats(),
	}
}
