package health

// TrendDirection classifies the movement of a component's health score.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendStable    TrendDirection = "stable"
	TrendDegrading TrendDirection = "degrading"
)

// stableSlope is the slope magnitude below which the trend is considered
// stable (score units per probe).
const stableSlope = 0.005

// Trend summarizes the recent movement of a health score.
type Trend struct {
	Direction TrendDirection
	// Velocity is the least-squares slope of the score over the trend
	// window, in score units per probe.
	Velocity float64
	// Confidence grows with the velocity magnitude, clamped to [0,1].
	Confidence float64
}

// computeTrend fits a least-squares line through the last k probe scores.
func computeTrend(history []ProbeResult, k int) Trend {
	if k > len(history) {
		k = len(history)
	}
	if k < 2 {
		return Trend{Direction: TrendStable}
	}

	window := history[len(history)-k:]

	// Least squares slope with x = 0..k-1.
	var sumX, sumY, sumXY, sumXX float64
	for i, p := range window {
		x := float64(i)
		sumX += x
		sumY += p.Score
		sumXY += x * p.Score
		sumXX += x * x
	}
	n := float64(k)
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return Trend{Direction: TrendStable}
	}
	slope := (n*sumXY - sumX*sumY) / denom

	t := Trend{Velocity: slope}
	switch {
	case slope > stableSlope:
		t.Direction = TrendImproving
	case slope < -stableSlope:
		t.Direction = TrendDegrading
	default:
		t.Direction = TrendStable
	}

	t.Confidence = clamp01(abs(slope) * 20)
	return t
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
