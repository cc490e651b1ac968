package health

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arbiternet/arbiter-oss/pkg/domain"
)

// AlertType classifies health alerts.
type AlertType string

const (
	// AlertFailure fires on a transition into unhealthy or offline.
	AlertFailure AlertType = "failure"
	// AlertRecovery fires on a transition out of unhealthy/offline into healthy.
	AlertRecovery AlertType = "recovery"
	// AlertDegradation fires on a single-step score drop past the
	// configured degradation delta.
	AlertDegradation AlertType = "degradation"
	// AlertCircuitOpen fires when a component's breaker opens.
	AlertCircuitOpen AlertType = "circuit_open"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Alert is one health notification.
type Alert struct {
	ID        string
	Component string
	Type      AlertType
	Severity  Severity
	Score     float64
	Message   string
	Time      time.Time
}

// AlertSink receives health alerts. Delivery is synchronous and at-least-once:
// a sink may see the same transition again after a monitor restart.
type AlertSink interface {
	OnAlert(Alert)
}

// Subscribe registers an alert sink.
func (m *Monitor) Subscribe(sink AlertSink) {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// severityFor grades an alert by the absolute score against the same
// thresholds used for status.
func (m *Monitor) severityFor(score float64) Severity {
	t := m.cfg.Thresholds
	switch {
	case score >= t.Healthy:
		return SeverityInfo
	case score >= t.Degraded:
		return SeverityWarning
	case score >= t.Unhealthy:
		return SeverityError
	default:
		return SeverityCritical
	}
}

func (m *Monitor) emitTransitionAlerts(name string, prevScore float64, prevStatus domain.HealthStatus, score float64, status domain.HealthStatus) {
	wasBad := prevStatus == domain.HealthUnhealthy || prevStatus == domain.HealthOffline
	isBad := status == domain.HealthUnhealthy || status == domain.HealthOffline

	switch {
	case !wasBad && isBad:
		m.raise(Alert{
			Component: name,
			Type:      AlertFailure,
			Severity:  m.severityFor(score),
			Score:     score,
			Message:   fmt.Sprintf("component became %s (score %.2f)", status, score),
		})
	case wasBad && status == domain.HealthHealthy:
		m.raise(Alert{
			Component: name,
			Type:      AlertRecovery,
			Severity:  SeverityInfo,
			Score:     score,
			Message:   fmt.Sprintf("component recovered (score %.2f)", score),
		})
	}

	if prevStatus != domain.HealthUnknown && prevScore-score > m.cfg.DegradationAlertDelta {
		m.raise(Alert{
			Component: name,
			Type:      AlertDegradation,
			Severity:  m.severityFor(score),
			Score:     score,
			Message:   fmt.Sprintf("score dropped %.2f → %.2f", prevScore, score),
		})
	}
}

func (m *Monitor) raiseBreakerAlert(name string) {
	m.mu.Lock()
	score := 0.0
	if rec := m.records[name]; rec != nil {
		score = rec.score
	}
	m.mu.Unlock()

	m.raise(Alert{
		Component: name,
		Type:      AlertCircuitOpen,
		Severity:  m.severityFor(score),
		Score:     score,
		Message:   "circuit breaker opened",
	})
}

func (m *Monitor) raise(alert Alert) {
	alert.ID = uuid.NewString()
	alert.Time = time.Now()

	m.logger.Warn().
		Str("alert", string(alert.Type)).
		Str("name", alert.Component).
		Str("severity", string(alert.Severity)).
		Float64("score", alert.Score).
		Msg(alert.Message)

	m.sinkMu.RLock()
	sinks := make([]AlertSink, len(m.sinks))
	copy(sinks, m.sinks)
	m.sinkMu.RUnlock()

	for _, sink := range sinks {
		sink.OnAlert(alert)
	}
}
