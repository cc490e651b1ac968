package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiternet/arbiter-oss/pkg/config"
	"github.com/arbiternet/arbiter-oss/pkg/domain"
)

// scriptedProvider is an executable component whose behavior can be changed
// mid-test.
type scriptedProvider struct {
	mu    sync.Mutex
	move  string
	err   error
	delay time.Duration
}

func (p *scriptedProvider) set(move string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.move = move
	p.err = err
}

func (p *scriptedProvider) HealthCheck(context.Context) (domain.HealthReport, error) {
	return domain.HealthReport{Score: 1.0, LastCheck: time.Now()}, nil
}

func (p *scriptedProvider) Execute(ctx context.Context, _ domain.DecisionRequest) (domain.DecisionResponse, error) {
	p.mu.Lock()
	move, err, delay := p.move, p.err, p.delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return domain.DecisionResponse{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return domain.DecisionResponse{}, err
	}
	return domain.DecisionResponse{Decision: domain.Decision{Move: move, Confidence: 0.9}}, nil
}

type probeOnlyProvider struct{}

func (probeOnlyProvider) HealthCheck(context.Context) (domain.HealthReport, error) {
	return domain.HealthReport{Score: 1.0, LastCheck: time.Now()}, nil
}

func testCoreConfig() *config.Config {
	cfg := config.Default()
	cfg.Fallback.AttemptTimeout = 200 * time.Millisecond
	cfg.Health.ProbeTimeout = 100 * time.Millisecond
	cfg.Health.ProbeRetry.MaxRetries = 0
	cfg.Health.Breaker = config.BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 2,
	}
	return cfg
}

func newTestCore(t *testing.T, cfg *config.Config) *Core {
	t.Helper()
	if cfg == nil {
		cfg = testCoreConfig()
	}
	return New(cfg, zerolog.Nop())
}

func registerExec(t *testing.T, c *Core, name string, tier domain.Tier, priority int, p domain.StrategyProvider) {
	t.Helper()
	err := c.RegisterComponent(context.Background(), domain.Component{
		Name:          name,
		Type:          domain.TypeHeuristic,
		Tier:          tier,
		Priority:      priority,
		Timeout:       500 * time.Millisecond,
		MemoryLimitMB: 10,
		Dependencies:  []string{},
		Provider:      p,
	})
	require.NoError(t, err)
}

func decisionRequest(position string) domain.DecisionRequest {
	return domain.DecisionRequest{
		Position:   position,
		ValidMoves: []string{"c3", "a1", "b2"},
		Difficulty: 5,
	}
}

func TestDecideExecutesSelectedComponent(t *testing.T) {
	c := newTestCore(t, nil)
	registerExec(t, c, "main", domain.TierStandard, 1, &scriptedProvider{move: "b2"})

	result, err := c.Decide(context.Background(), decisionRequest("p1"))
	require.NoError(t, err)

	assert.Equal(t, "b2", result.Decision.Move)
	assert.Equal(t, "main", result.Component)
	assert.Nil(t, result.Fallback)
	assert.Equal(t, 0, c.Resources().ActiveComponents())
}

func TestDecideSkipsNonExecutableCandidates(t *testing.T) {
	c := newTestCore(t, nil)
	// The probe-only component outranks on priority but cannot execute.
	registerExec(t, c, "watcher", domain.TierStandard, 10, probeOnlyProvider{})
	registerExec(t, c, "worker", domain.TierStandard, 1, &scriptedProvider{move: "a1"})

	result, err := c.Decide(context.Background(), decisionRequest("p2"))
	require.NoError(t, err)
	assert.Equal(t, "worker", result.Component)
}

func TestDecideWithNoComponentsUsesEmergencyFallback(t *testing.T) {
	c := newTestCore(t, nil)

	result, err := c.Decide(context.Background(), decisionRequest("p3"))
	require.NoError(t, err)

	require.NotNil(t, result.Fallback)
	assert.Empty(t, result.Component)
	assert.NotEmpty(t, result.Decision.Move)
	assert.Equal(t, 0.85, result.Fallback.QualityDegradation)
}

func TestExecuteWithUnknownComponent(t *testing.T) {
	c := newTestCore(t, nil)

	_, err := c.ExecuteWith(context.Background(), "ghost", decisionRequest("p4"))
	var notFound *domain.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestExecuteWithFailureSubstitutesPeer(t *testing.T) {
	c := newTestCore(t, nil)
	registerExec(t, c, "flaky", domain.TierAdvanced, 1, &scriptedProvider{err: errors.New("boom")})
	registerExec(t, c, "peer", domain.TierAdvanced, 1, &scriptedProvider{move: "c3"})

	result, err := c.ExecuteWith(context.Background(), "flaky", decisionRequest("p5"))
	require.NoError(t, err)

	require.NotNil(t, result.Fallback)
	assert.Equal(t, "peer", result.Component)
	assert.Equal(t, domain.TriggerError, result.Fallback.Trigger)
	assert.Equal(t, "flaky", result.Fallback.OriginalComponent)
	assert.Equal(t, 0, c.Resources().ActiveComponents())
}

func TestExecuteWithTimeoutClassifiedAsTimeoutTrigger(t *testing.T) {
	cfg := testCoreConfig()
	c := newTestCore(t, cfg)
	slow := &scriptedProvider{move: "a1", delay: 400 * time.Millisecond}
	err := c.RegisterComponent(context.Background(), domain.Component{
		Name:          "slow",
		Type:          domain.TypeSearch,
		Tier:          domain.TierAdvanced,
		Priority:      1,
		Timeout:       50 * time.Millisecond,
		MemoryLimitMB: 10,
		Dependencies:  []string{},
		Provider:      slow,
	})
	require.NoError(t, err)

	result, err := c.ExecuteWith(context.Background(), "slow", decisionRequest("p6"))
	require.NoError(t, err)

	require.NotNil(t, result.Fallback)
	assert.Equal(t, domain.TriggerTimeout, result.Fallback.Trigger)
}

func TestExecuteWithRequestDeadlineShortensTimeout(t *testing.T) {
	c := newTestCore(t, nil)
	registerExec(t, c, "slow", domain.TierStandard, 1, &scriptedProvider{move: "a1", delay: 300 * time.Millisecond})

	req := decisionRequest("p7")
	req.Deadline = time.Now().Add(30 * time.Millisecond)

	start := time.Now()
	result, err := c.ExecuteWith(context.Background(), "slow", req)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	require.NotNil(t, result.Fallback)
	assert.Equal(t, domain.TriggerTimeout, result.Fallback.Trigger)
}

func TestResourceRejectionRoutesThroughFallback(t *testing.T) {
	cfg := testCoreConfig()
	cfg.Resources.MaxMemoryMB = 100
	c := newTestCore(t, cfg)

	err := c.RegisterComponent(context.Background(), domain.Component{
		Name:          "hungry",
		Type:          domain.TypeLearned,
		Tier:          domain.TierAdvanced,
		Priority:      1,
		Timeout:       500 * time.Millisecond,
		MemoryLimitMB: 200,
		Dependencies:  []string{},
		Provider:      &scriptedProvider{move: "a1"},
	})
	require.NoError(t, err)

	result, err := c.ExecuteWith(context.Background(), "hungry", decisionRequest("p8"))
	require.NoError(t, err)

	require.NotNil(t, result.Fallback)
	assert.Equal(t, domain.TriggerResourceLimit, result.Fallback.Trigger)
	assert.Equal(t, 0, c.Resources().ActiveComponents())
}

func TestRateLimitedExecutionFallsBack(t *testing.T) {
	cfg := testCoreConfig()
	cfg.RateLimit = map[string]config.RateLimitConfig{
		"limited": {RequestsPerSecond: 1, BurstSize: 1},
	}
	c := newTestCore(t, cfg)
	registerExec(t, c, "limited", domain.TierStandard, 1, &scriptedProvider{move: "b2"})

	first, err := c.ExecuteWith(context.Background(), "limited", decisionRequest("p9"))
	require.NoError(t, err)
	assert.Nil(t, first.Fallback)

	second, err := c.ExecuteWith(context.Background(), "limited", decisionRequest("p9"))
	require.NoError(t, err)
	require.NotNil(t, second.Fallback)
	assert.Equal(t, domain.TriggerResourceLimit, second.Fallback.Trigger)
	// The first success primed the response cache for the identical request.
	assert.True(t, second.Fallback.FromCache)
	assert.Equal(t, "b2", second.Decision.Move)
}

func TestOpenBreakerBlocksExecution(t *testing.T) {
	c := newTestCore(t, nil)
	registerExec(t, c, "tripped", domain.TierAdvanced, 1, &scriptedProvider{move: "a1"})

	for i := 0; i < 3; i++ {
		c.Health().ReportOutcome("tripped", false)
	}

	result, err := c.ExecuteWith(context.Background(), "tripped", decisionRequest("p10"))
	require.NoError(t, err)
	require.NotNil(t, result.Fallback)
	assert.Equal(t, domain.TriggerError, result.Fallback.Trigger)
}

func TestCachedDecisionServedWhenComponentTurnsBad(t *testing.T) {
	c := newTestCore(t, nil)
	p := &scriptedProvider{move: "c3"}
	registerExec(t, c, "solo", domain.TierStandard, 1, p)

	req := decisionRequest("p11")
	first, err := c.ExecuteWith(context.Background(), "solo", req)
	require.NoError(t, err)
	require.Nil(t, first.Fallback)

	p.set("", errors.New("model corrupted"))
	second, err := c.ExecuteWith(context.Background(), "solo", req)
	require.NoError(t, err)

	require.NotNil(t, second.Fallback)
	assert.True(t, second.Fallback.FromCache)
	assert.Equal(t, "c3", second.Decision.Move)
}

func TestStopRejectsNewWork(t *testing.T) {
	c := newTestCore(t, nil)
	registerExec(t, c, "main", domain.TierStandard, 1, &scriptedProvider{move: "a1"})
	c.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))

	_, err := c.Decide(context.Background(), decisionRequest("p12"))
	assert.ErrorIs(t, err, domain.ErrShuttingDown)

	_, err = c.ExecuteWith(context.Background(), "main", decisionRequest("p12"))
	assert.ErrorIs(t, err, domain.ErrShuttingDown)

	err = c.RegisterComponent(context.Background(), domain.Component{Name: "late"})
	assert.ErrorIs(t, err, domain.ErrShuttingDown)
}

func TestStartIsIdempotent(t *testing.T) {
	c := newTestCore(t, nil)
	c.Start()
	c.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, c.Stop(ctx))
}

func TestApplyConfigUpdatesResourceLimits(t *testing.T) {
	c := newTestCore(t, nil)

	cfg := testCoreConfig()
	cfg.Resources.MaxCPUPercent = 40
	cfg.Resources.MaxMemoryMB = 512
	c.ApplyConfig(cfg)

	pools := c.Resources().Pools()
	assert.Equal(t, 40.0, pools[domain.ResourceCPU].Total)
	assert.Equal(t, 512.0, pools[domain.ResourceMemory].Total)
}

func TestUnregisterComponentDropsAllState(t *testing.T) {
	c := newTestCore(t, nil)
	registerExec(t, c, "gone", domain.TierStandard, 1, &scriptedProvider{move: "a1"})

	require.NoError(t, c.UnregisterComponent(context.Background(), "gone"))

	_, err := c.Registry().Get("gone")
	assert.Error(t, err)
	assert.NotContains(t, c.Health().Snapshot(), "gone")
}

func TestStatusAggregatesSubsystems(t *testing.T) {
	c := newTestCore(t, nil)
	registerExec(t, c, "main", domain.TierStandard, 1, &scriptedProvider{move: "a1"})

	status := c.Status()
	assert.Len(t, status.Components, 1)
	assert.Len(t, status.Pools, 3)
	assert.Contains(t, status.Components, "main")
	assert.Equal(t, int64(0), status.Fallback.Total)
}
