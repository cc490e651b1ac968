package resources

import (
	"time"
)

// forecastWindow is how many recent samples the extrapolation averages over.
const forecastWindow = 5

// Forecast projects aggregate usage at the given horizon.
type Forecast struct {
	Horizon          time.Duration
	CPUPercent       float64
	MemoryMB         float64
	GPUPercent       float64
	ActiveComponents int
	// Samples is how many history points the projection was built from.
	Samples int
}

// ForecastUsage extrapolates linearly: the average per-step delta over the
// last five samples is projected forward horizon/samplingInterval steps.
// Percentage metrics are clamped to [0,100]. With fewer than two samples the
// current usage is returned flat.
func (m *Manager) ForecastUsage(horizon time.Duration) Forecast {
	m.mu.Lock()
	window := m.history.last(forecastWindow)
	interval := m.cfg.SamplingInterval
	m.mu.Unlock()

	f := Forecast{Horizon: horizon, Samples: len(window)}
	if len(window) == 0 {
		return f
	}

	last := window[len(window)-1]
	f.CPUPercent = last.CPUPercent
	f.MemoryMB = last.MemoryMB
	f.GPUPercent = last.GPUPercent
	f.ActiveComponents = last.ActiveComponents

	if len(window) < 2 || interval <= 0 {
		return f
	}

	steps := float64(horizon) / float64(interval)
	n := float64(len(window) - 1)

	first := window[0]
	cpuDelta := (last.CPUPercent - first.CPUPercent) / n
	memDelta := (last.MemoryMB - first.MemoryMB) / n
	gpuDelta := (last.GPUPercent - first.GPUPercent) / n

	f.CPUPercent = clampPercent(last.CPUPercent + cpuDelta*steps)
	f.GPUPercent = clampPercent(last.GPUPercent + gpuDelta*steps)
	f.MemoryMB = last.MemoryMB + memDelta*steps
	if f.MemoryMB < 0 {
		f.MemoryMB = 0
	}

	return f
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
