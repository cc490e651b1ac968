// Package breaker implements the per-component circuit breaker used by the
// health monitor. A breaker fails fast after repeated errors and probes for
// recovery after a cooldown.
package breaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State string

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed State = "closed"
	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen State = "open"
	// StateHalfOpen indicates the circuit is testing if the component has recovered.
	StateHalfOpen State = "half_open"
)

// Config defines thresholds for circuit breaking.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit from closed.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a transition
	// to half-open is permitted.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in half-open
	// that closes the circuit.
	SuccessThreshold int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 3,
	}
}

// Breaker is a circuit breaker for a single component. State transitions are
// evaluated atomically with the success/failure report that triggers them.
type Breaker struct {
	mu     sync.RWMutex
	state  State
	config Config

	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailure          time.Time
	openedAt             time.Time
	nextAttempt          time.Time
	lastStateChange      time.Time
}

// New creates a circuit breaker with the provided configuration.
func New(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}

	return &Breaker{
		state:           StateClosed,
		config:          config,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether a request may proceed. An open breaker whose recovery
// timeout has elapsed transitions to half-open and allows the request. When
// the request is rejected, the second return value carries the earliest time
// a retry will be permitted.
func (b *Breaker) Allow() (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true, time.Time{}
	case StateOpen:
		if !now.Before(b.nextAttempt) {
			b.transitionLocked(StateHalfOpen, now)
			return true, time.Time{}
		}
		return false, b.nextAttempt
	default:
		return false, b.nextAttempt
	}
}

// Record reports the outcome of a request and applies any resulting state
// transition in the same critical section, so concurrent reporters cannot
// lose updates.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	if success {
		b.consecutiveSuccesses++
		b.consecutiveFailures = 0
	} else {
		b.consecutiveFailures++
		b.consecutiveSuccesses = 0
		b.lastFailure = now
	}

	switch b.state {
	case StateHalfOpen:
		if !success {
			// Any failure while half-open reopens the circuit and resets
			// the recovery timer.
			b.transitionLocked(StateOpen, now)
			return
		}
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.transitionLocked(StateClosed, now)
		}
	case StateClosed:
		if !success && b.consecutiveFailures >= b.config.FailureThreshold {
			b.transitionLocked(StateOpen, now)
		}
	}
}

// ForceHalfOpen moves an open breaker to half-open immediately. The recovery
// loop uses this to re-probe unhealthy components ahead of the timer.
func (b *Breaker) ForceHalfOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		b.transitionLocked(StateHalfOpen, time.Now())
	}
}

// Reset manually resets the circuit breaker to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionLocked(StateClosed, time.Now())
	b.lastFailure = time.Time{}
}

func (b *Breaker) transitionLocked(newState State, now time.Time) {
	if b.state == newState {
		return
	}

	b.state = newState
	b.lastStateChange = now
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0

	switch newState {
	case StateOpen:
		b.openedAt = now
		b.nextAttempt = now.Add(b.config.RecoveryTimeout)
	case StateHalfOpen, StateClosed:
		b.nextAttempt = time.Time{}
	}
}

// State returns the current state of the circuit breaker.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stats exposes circuit breaker status information.
type Stats struct {
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutiveFailures"`
	ConsecutiveSuccesses int       `json:"consecutiveSuccesses"`
	LastFailure          time.Time `json:"lastFailure"`
	OpenedAt             time.Time `json:"openedAt"`
	NextAttempt          time.Time `json:"nextAttempt"`
	LastStateChange      time.Time `json:"lastStateChange"`
	FailureThreshold     int       `json:"failureThreshold"`
	SuccessThreshold     int       `json:"successThreshold"`
	RecoveryTimeout      string    `json:"recoveryTimeout"`
}

// Stats returns current circuit breaker statistics.
func (b *Breaker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Stats{
		State:                string(b.state),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastFailure:          b.lastFailure,
		OpenedAt:             b.openedAt,
		NextAttempt:          b.nextAttempt,
		LastStateChange:      b.lastStateChange,
		FailureThreshold:     b.config.FailureThreshold,
		SuccessThreshold:     b.config.SuccessThreshold,
		RecoveryTimeout:      b.config.RecoveryTimeout.String(),
	}
}

// Manager manages circuit breakers for multiple components.
type Manager struct {
	mu       sync.RWMutex
	defaults Config
	breakers map[string]*Breaker
}

// NewManager creates a new circuit breaker manager. Breakers created on
// demand use the supplied defaults.
func NewManager(defaults Config) *Manager {
	return &Manager{
		defaults: defaults,
		breakers: make(map[string]*Breaker),
	}
}

// Get retrieves the circuit breaker for a component, creating one if needed.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, exists := m.breakers[name]
	m.mu.RUnlock()

	if exists {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, exists := m.breakers[name]; exists {
		return b
	}

	b = New(m.defaults)
	m.breakers[name] = b
	return b
}

// Remove drops the breaker for a component, if any.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, name)
}

// Stats returns statistics for all circuit breakers.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats, len(m.breakers))
	for name, b := range m.breakers {
		stats[name] = b.Stats()
	}
	return stats
}

// ResetAll resets all circuit breakers to closed state.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range m.breakers {
		b.Reset()
	}
}
