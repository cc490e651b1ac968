// Package health probes each component's self-reported health on a schedule,
// drives a circuit breaker per component, computes health trends and
// predictions, and raises alerts on significant transitions.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arbiternet/arbiter-oss/internal/breaker"
	"github.com/arbiternet/arbiter-oss/internal/governance"
	"github.com/arbiternet/arbiter-oss/pkg/config"
	"github.com/arbiternet/arbiter-oss/pkg/domain"
	"github.com/arbiternet/arbiter-oss/pkg/registry"
)

// ProbeResult is one health-check outcome.
type ProbeResult struct {
	Time    time.Time
	Score   float64
	Success bool
	Error   string
}

// Record is the monitor's view of one component.
type Record struct {
	Score     float64
	Status    domain.HealthStatus
	LastCheck time.Time
	History   []ProbeResult
	Trend     Trend
	// NextHour and NextDay extrapolate the current score by the trend
	// velocity scaled to each horizon, clamped to [0,1].
	NextHour float64
	NextDay  float64
	Breaker  breaker.Stats
	Restarts int
}

// Monitor owns per-component health state. It never lets a slow component
// block probing of the others: checks run in bounded batches and every probe
// carries its own timeout.
type Monitor struct {
	cfg      config.HealthConfig
	logger   zerolog.Logger
	registry *registry.Registry
	breakers *breaker.Manager
	retry    *governance.RetryPolicy

	mu       sync.Mutex
	records  map[string]*record
	restarts map[string]int

	sinkMu sync.RWMutex
	sinks  []AlertSink
}

type record struct {
	score     float64
	status    domain.HealthStatus
	lastCheck time.Time
	history   []ProbeResult
	trend     Trend
	nextHour  float64
	nextDay   float64
}

// NewMonitor creates a health monitor bound to the registry.
func NewMonitor(cfg config.HealthConfig, reg *registry.Registry, logger zerolog.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		logger:   logger.With().Str("component", "health").Logger(),
		registry: reg,
		breakers: breaker.NewManager(breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
		}),
		retry: governance.NewRetryPolicy(governance.RetryConfig{
			MaxRetries:        cfg.ProbeRetry.MaxRetries,
			InitialBackoff:    cfg.ProbeRetry.InitialBackoff,
			MaxBackoff:        cfg.ProbeRetry.MaxBackoff,
			BackoffMultiplier: cfg.ProbeRetry.BackoffMultiplier,
			Jitter:            true,
		}),
		records:  make(map[string]*record),
		restarts: make(map[string]int),
	}
}

// StatusFor derives a health status from a score via the configured
// thresholds.
func (m *Monitor) StatusFor(score float64) domain.HealthStatus {
	t := m.cfg.Thresholds
	switch {
	case score >= t.Healthy:
		return domain.HealthHealthy
	case score >= t.Degraded:
		return domain.HealthDegraded
	case score >= t.Unhealthy:
		return domain.HealthUnhealthy
	default:
		return domain.HealthOffline
	}
}

// Run probes all components on the configured interval until the context is
// canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every registered component in bounded batches so one slow
// component cannot delay the rest of its batch's successors.
func (m *Monitor) CheckAll(ctx context.Context) {
	names := m.registry.Names()
	batch := m.cfg.BatchSize

	for start := 0; start < len(names); start += batch {
		end := start + batch
		if end > len(names) {
			end = len(names)
		}

		var wg sync.WaitGroup
		for _, name := range names[start:end] {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				m.CheckComponent(ctx, name)
			}(name)
		}
		wg.Wait()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// CheckComponent performs one health check of a component under the probe
// timeout and retry budget. Probing is skipped entirely while the
// component's breaker is open (fail-fast).
func (m *Monitor) CheckComponent(ctx context.Context, name string) {
	rec, err := m.registry.Get(name)
	if err != nil {
		return
	}

	br := m.breakers.Get(name)
	if br.State() == breaker.StateOpen {
		if allowed, _ := br.Allow(); !allowed {
			return
		}
		// Recovery timeout elapsed: Allow moved the breaker to half-open
		// and this probe is the trial request.
	}

	var report domain.HealthReport
	probeErr := m.retry.Execute(ctx, func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()

		type probe struct {
			report domain.HealthReport
			err    error
		}
		done := make(chan probe, 1)
		go func() {
			r, err := rec.Component.Provider.HealthCheck(probeCtx)
			done <- probe{report: r, err: err}
		}()

		select {
		case <-probeCtx.Done():
			// The abandoned probe finishes into the buffered channel and is
			// discarded; only an attempt that returns in time may set report.
			return &domain.TimeoutError{Component: name, Op: "health check", Budget: m.cfg.ProbeTimeout}
		case p := <-done:
			if p.err == nil {
				report = p.report
			}
			return p.err
		}
	})

	m.recordOutcome(name, report, probeErr)
}

// ReportOutcome feeds an execution result into the component's breaker.
// The orchestrator calls this for every execution so that request failures
// trip the breaker even between scheduled probes.
func (m *Monitor) ReportOutcome(name string, success bool) {
	br := m.breakers.Get(name)
	before := br.State()
	br.Record(success)
	after := br.State()

	if before != breaker.StateOpen && after == breaker.StateOpen {
		m.raiseBreakerAlert(name)
	}
}

// AllowExecution consults the component's breaker before an execution.
// It returns a CircuitOpenError when the request must be skipped.
func (m *Monitor) AllowExecution(name string) error {
	br := m.breakers.Get(name)
	if allowed, nextAttempt := br.Allow(); !allowed {
		return &domain.CircuitOpenError{Component: name, NextAttempt: nextAttempt}
	}
	return nil
}

// BreakerState exposes the component's current breaker state.
func (m *Monitor) BreakerState(name string) breaker.State {
	return m.breakers.Get(name).State()
}

// Forget drops monitor state for an unregistered component.
func (m *Monitor) Forget(name string) {
	m.mu.Lock()
	delete(m.records, name)
	delete(m.restarts, name)
	m.mu.Unlock()
	m.breakers.Remove(name)
}

// GetHealth returns the monitor's record for the component.
func (m *Monitor) GetHealth(name string) (Record, error) {
	if _, err := m.registry.Get(name); err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exportLocked(name), nil
}

// Snapshot returns records for all components the monitor has probed.
func (m *Monitor) Snapshot() map[string]Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Record, len(m.records))
	for name := range m.records {
		out[name] = m.exportLocked(name)
	}
	return out
}

func (m *Monitor) exportLocked(name string) Record {
	rec := m.records[name]
	if rec == nil {
		return Record{
			Status:  domain.HealthUnknown,
			Breaker: m.breakers.Get(name).Stats(),
		}
	}
	history := make([]ProbeResult, len(rec.history))
	copy(history, rec.history)
	return Record{
		Score:     rec.score,
		Status:    rec.status,
		LastCheck: rec.lastCheck,
		History:   history,
		Trend:     rec.trend,
		NextHour:  rec.nextHour,
		NextDay:   rec.nextDay,
		Breaker:   m.breakers.Get(name).Stats(),
		Restarts:  m.restarts[name],
	}
}

func (m *Monitor) recordOutcome(name string, report domain.HealthReport, probeErr error) {
	br := m.breakers.Get(name)
	beforeState := br.State()

	score := 0.0
	success := probeErr == nil
	if success {
		score = clamp01(report.Score)
	}
	br.Record(success)
	afterState := br.State()

	m.mu.Lock()
	rec := m.records[name]
	if rec == nil {
		rec = &record{status: domain.HealthUnknown}
		m.records[name] = rec
	}

	prevScore := rec.score
	prevStatus := rec.status

	result := ProbeResult{Time: time.Now(), Score: score, Success: success}
	if probeErr != nil {
		result.Error = probeErr.Error()
	}
	rec.history = append(rec.history, result)
	if len(rec.history) > m.cfg.HistorySize {
		rec.history = rec.history[len(rec.history)-m.cfg.HistorySize:]
	}

	rec.score = score
	rec.status = m.StatusFor(score)
	rec.lastCheck = result.Time

	rec.trend = computeTrend(rec.history, m.cfg.TrendWindow)
	stepsPerHour := float64(time.Hour) / float64(m.cfg.CheckInterval)
	rec.nextHour = clamp01(score + rec.trend.Velocity*stepsPerHour)
	rec.nextDay = clamp01(score + rec.trend.Velocity*stepsPerHour*24)

	status := rec.status
	m.mu.Unlock()

	if err := m.registry.UpdateHealth(name, score, status); err != nil {
		m.logger.Debug().Err(err).Str("name", name).Msg("health update skipped")
	}

	m.emitTransitionAlerts(name, prevScore, prevStatus, score, status)
	if beforeState != breaker.StateOpen && afterState == breaker.StateOpen {
		m.raiseBreakerAlert(name)
	}

	if probeErr != nil {
		m.logger.Warn().Err(probeErr).Str("name", name).Msg("health check failed")
	}
}

// RunRecovery periodically forces the breakers of unhealthy or offline
// components into half-open and re-probes them, bounded by the max-restart
// cap per component.
func (m *Monitor) RunRecovery(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Recovery.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.recoverOnce(ctx)
		}
	}
}

func (m *Monitor) recoverOnce(ctx context.Context) {
	m.mu.Lock()
	var candidates []string
	for name, rec := range m.records {
		if rec.status != domain.HealthUnhealthy && rec.status != domain.HealthOffline {
			continue
		}
		if m.restarts[name] >= m.cfg.Recovery.MaxRestarts {
			continue
		}
		candidates = append(candidates, name)
	}
	m.mu.Unlock()

	for _, name := range candidates {
		br := m.breakers.Get(name)
		if br.State() != breaker.StateOpen {
			continue
		}

		m.mu.Lock()
		m.restarts[name]++
		attempts := m.restarts[name]
		m.mu.Unlock()

		br.ForceHalfOpen()
		m.logger.Info().Str("name", name).Int("attempt", attempts).Msg("forcing recovery probe")
		m.CheckComponent(ctx, name)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
