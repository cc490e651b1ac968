package resources

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/arbiternet/arbiter-oss/pkg/config"
	"github.com/arbiternet/arbiter-oss/pkg/domain"
)

func testResourcesConfig() config.ResourcesConfig {
	cfg := config.Default().Resources
	cfg.MaxCPUPercent = 80
	cfg.MaxMemoryMB = 1000
	cfg.MaxGPUPercent = 90
	cfg.MaxActiveComponents = 4
	return cfg
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(testResourcesConfig(), zerolog.Nop())
}

func TestAllocateWithinLimits(t *testing.T) {
	m := testManager(t)

	err := m.Allocate("a", domain.ResourceRequirements{CPUPercent: 50, MemoryMB: 400})
	require.NoError(t, err)

	pools := m.Pools()
	assert.Equal(t, 30.0, pools[domain.ResourceCPU].Available)
	assert.Equal(t, 600.0, pools[domain.ResourceMemory].Available)
	assert.Equal(t, 1, m.ActiveComponents())
}

func TestAllocateRejectsOverLimitWithoutPartialState(t *testing.T) {
	m := testManager(t)

	require.NoError(t, m.Allocate("a", domain.ResourceRequirements{CPUPercent: 50}))

	// 40 more CPU would exceed the 80 limit. Memory alone would fit, but the
	// whole request must be refused with no partial allocation left behind.
	err := m.Allocate("b", domain.ResourceRequirements{CPUPercent: 40, MemoryMB: 100})
	var exhausted *domain.ResourceExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "b", exhausted.Component)
	assert.NotEmpty(t, exhausted.Reasons)

	assert.Nil(t, m.Allocations("b"))
	pools := m.Pools()
	assert.Equal(t, 30.0, pools[domain.ResourceCPU].Available)
	assert.Equal(t, 1000.0, pools[domain.ResourceMemory].Available)
	assert.Equal(t, 1, m.ActiveComponents())
}

func TestAllocateDuplicateTypeRejected(t *testing.T) {
	m := testManager(t)

	require.NoError(t, m.Allocate("a", domain.ResourceRequirements{CPUPercent: 10}))
	err := m.Allocate("a", domain.ResourceRequirements{CPUPercent: 10})
	var exhausted *domain.ResourceExhaustedError
	require.ErrorAs(t, err, &exhausted)

	// The original allocation is intact.
	assert.Len(t, m.Allocations("a"), 1)
	assert.Equal(t, 70.0, m.Pools()[domain.ResourceCPU].Available)
}

func TestActiveComponentLimit(t *testing.T) {
	m := testManager(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, m.Allocate(fmt.Sprintf("c%d", i), domain.ResourceRequirements{CPUPercent: 5}))
	}

	err := m.Allocate("one-too-many", domain.ResourceRequirements{CPUPercent: 5})
	var exhausted *domain.ResourceExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Contains(t, exhausted.Reasons[0], "active components")
}

func TestDeallocateIdempotent(t *testing.T) {
	m := testManager(t)

	require.NoError(t, m.Allocate("a", domain.ResourceRequirements{CPUPercent: 20, MemoryMB: 100}))
	m.Deallocate("a")

	pools := m.Pools()
	assert.Equal(t, 80.0, pools[domain.ResourceCPU].Available)
	assert.Equal(t, 1000.0, pools[domain.ResourceMemory].Available)
	assert.Equal(t, 0, m.ActiveComponents())

	// Releasing again, or releasing an unknown component, is a no-op.
	m.Deallocate("a")
	m.Deallocate("ghost")
	assert.Equal(t, 80.0, m.Pools()[domain.ResourceCPU].Available)
	assert.Equal(t, 0, m.ActiveComponents())
}

func TestCheckAvailabilityItemizesReasons(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Allocate("a", domain.ResourceRequirements{CPUPercent: 70, MemoryMB: 900}))

	avail := m.CheckAvailability(domain.ResourceRequirements{CPUPercent: 20, MemoryMB: 200})
	assert.False(t, avail.OK)
	assert.Len(t, avail.Reasons, 2)

	ok := m.CheckAvailability(domain.ResourceRequirements{CPUPercent: 5, MemoryMB: 50})
	assert.True(t, ok.OK)
	assert.Empty(t, ok.Reasons)
}

func TestObserveModeAdmitsOverLimit(t *testing.T) {
	cfg := testResourcesConfig()
	cfg.EnforcementMode = "observe"
	m := NewManager(cfg, zerolog.Nop())

	require.NoError(t, m.Allocate("a", domain.ResourceRequirements{CPUPercent: 60}))
	require.NoError(t, m.Allocate("b", domain.ResourceRequirements{CPUPercent: 60}))

	// Availability goes negative instead of rejecting.
	assert.Equal(t, -40.0, m.Pools()[domain.ResourceCPU].Available)
}

func TestReportUsedAndEfficiency(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Allocate("a", domain.ResourceRequirements{CPUPercent: 40}))

	// Until real usage is reported, efficiency defaults to 1.0.
	assert.Equal(t, 1.0, m.Efficiency())

	require.NoError(t, m.ReportUsed("a", domain.ResourceCPU, 10))
	assert.InDelta(t, 0.25, m.Efficiency(), 0.001)

	allocs := m.Allocations("a")
	require.Len(t, allocs, 1)
	assert.True(t, allocs[0].UsedMeasured)
	assert.Equal(t, 10.0, allocs[0].Used)

	assert.Error(t, m.ReportUsed("ghost", domain.ResourceCPU, 1))
	assert.Error(t, m.ReportUsed("a", domain.ResourceMemory, 1))
}

func TestSetLimitsRecomputesAvailability(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Allocate("a", domain.ResourceRequirements{CPUPercent: 50}))

	cfg := testResourcesConfig()
	cfg.MaxCPUPercent = 40
	m.SetLimits(cfg)

	// Shrinking below live usage leaves availability negative; admission
	// rejects new work until allocations drain.
	pool := m.Pools()[domain.ResourceCPU]
	assert.Equal(t, 40.0, pool.Total)
	assert.Equal(t, -10.0, pool.Available)

	err := m.Allocate("b", domain.ResourceRequirements{CPUPercent: 1})
	assert.Error(t, err)

	m.Deallocate("a")
	assert.Equal(t, 40.0, m.Pools()[domain.ResourceCPU].Available)
}

func TestGPUPoolMarkedUnmeasured(t *testing.T) {
	m := testManager(t)
	assert.True(t, m.Pools()[domain.ResourceGPU].Unmeasured)
	assert.False(t, m.Pools()[domain.ResourceCPU].Unmeasured)
}

// TestPoolInvariantProperty drives random allocate/deallocate sequences and
// checks that available capacity always equals total minus the sum of live
// allocations, for every pool.
func TestPoolInvariantProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewManager(testResourcesConfig(), zerolog.Nop())
		names := []string{"a", "b", "c", "d", "e", "f"}

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			name := rapid.SampledFrom(names).Draw(t, "name")
			if rapid.Bool().Draw(t, "allocate") {
				req := domain.ResourceRequirements{
					CPUPercent: float64(rapid.IntRange(0, 40).Draw(t, "cpu")),
					MemoryMB:   float64(rapid.IntRange(0, 500).Draw(t, "mem")),
					GPUPercent: float64(rapid.IntRange(0, 45).Draw(t, "gpu")),
				}
				// Rejection is fine; the invariant must hold either way.
				_ = m.Allocate(name, req)
			} else {
				m.Deallocate(name)
			}

			pools := m.Pools()
			allocated := map[domain.ResourceType]float64{}
			active := 0
			for _, n := range names {
				allocs := m.Allocations(n)
				if len(allocs) > 0 {
					active++
				}
				for _, a := range allocs {
					allocated[a.Type] += a.Allocated
				}
			}

			for rt, pool := range pools {
				if got, want := pool.Available, pool.Total-allocated[rt]; !approxEqual(got, want) {
					t.Fatalf("pool %s: available %.3f, want %.3f", rt, got, want)
				}
			}
			if m.ActiveComponents() != active {
				t.Fatalf("active %d, want %d", m.ActiveComponents(), active)
			}
		}
	})
}

func approxEqual(a, b float64) bool {
	d := a - b
	return d < 1e-6 && d > -1e-6
}
