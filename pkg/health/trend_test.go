package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func probes(scores ...float64) []ProbeResult {
	out := make([]ProbeResult, len(scores))
	for i, s := range scores {
		out[i] = ProbeResult{Score: s, Success: true}
	}
	return out
}

func TestComputeTrendStableOnShortHistory(t *testing.T) {
	assert.Equal(t, TrendStable, computeTrend(nil, 10).Direction)
	assert.Equal(t, TrendStable, computeTrend(probes(0.5), 10).Direction)
}

func TestComputeTrendDegrading(t *testing.T) {
	trend := computeTrend(probes(1.0, 0.9, 0.8, 0.7, 0.6), 10)
	assert.Equal(t, TrendDegrading, trend.Direction)
	assert.InDelta(t, -0.1, trend.Velocity, 0.001)
	assert.Equal(t, 1.0, trend.Confidence)
}

func TestComputeTrendImproving(t *testing.T) {
	trend := computeTrend(probes(0.2, 0.4, 0.6, 0.8), 10)
	assert.Equal(t, TrendImproving, trend.Direction)
	assert.InDelta(t, 0.2, trend.Velocity, 0.001)
}

func TestComputeTrendStableOnFlatScores(t *testing.T) {
	trend := computeTrend(probes(0.8, 0.8, 0.8, 0.8, 0.8), 10)
	assert.Equal(t, TrendStable, trend.Direction)
	assert.InDelta(t, 0.0, trend.Velocity, 0.001)
	assert.Equal(t, 0.0, trend.Confidence)
}

func TestComputeTrendUsesWindowOnly(t *testing.T) {
	// Long decline followed by a recovery; a window of 3 sees only the
	// recovery.
	history := probes(1.0, 0.8, 0.6, 0.4, 0.2, 0.3, 0.4, 0.5)
	trend := computeTrend(history, 3)
	assert.Equal(t, TrendImproving, trend.Direction)
}

func TestComputeTrendNoisySmallSlopeIsStable(t *testing.T) {
	trend := computeTrend(probes(0.800, 0.801, 0.799, 0.802, 0.800), 10)
	assert.Equal(t, TrendStable, trend.Direction)
}

func TestConfidenceScalesWithSlope(t *testing.T) {
	weak := computeTrend(probes(0.80, 0.79, 0.78), 10)
	strong := computeTrend(probes(0.9, 0.6, 0.3), 10)
	assert.Less(t, weak.Confidence, strong.Confidence)
	assert.LessOrEqual(t, strong.Confidence, 1.0)
}
