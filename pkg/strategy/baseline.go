// Package strategy ships the built-in baseline providers: a deterministic
// first-move strategy for the critical tier and a seeded-random heuristic for
// the standard tier. They exist so a freshly booted core can always serve
// decisions before any external component registers.
package strategy

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/arbiternet/arbiter-oss/pkg/domain"
)

// FirstMove always picks the lexicographically first valid move. It is the
// fastest possible strategy and never degrades.
type FirstMove struct{}

// NewFirstMove creates the deterministic baseline provider.
func NewFirstMove() *FirstMove { return &FirstMove{} }

// HealthCheck implements domain.StrategyProvider. The strategy has no
// dependencies and is always healthy.
func (s *FirstMove) HealthCheck(context.Context) (domain.HealthReport, error) {
	return domain.HealthReport{
		Score:     1.0,
		Status:    domain.HealthHealthy,
		LastCheck: time.Now(),
	}, nil
}

// Execute implements domain.Executor.
func (s *FirstMove) Execute(_ context.Context, req domain.DecisionRequest) (domain.DecisionResponse, error) {
	start := time.Now()
	if len(req.ValidMoves) == 0 {
		return domain.DecisionResponse{}, fmt.Errorf("no valid moves")
	}

	moves := make([]string, len(req.ValidMoves))
	copy(moves, req.ValidMoves)
	sort.Strings(moves)

	return domain.DecisionResponse{
		Decision: domain.Decision{
			Move:       moves[0],
			Confidence: 0.3,
			Reasoning:  "first valid move",
		},
		ExecutionTime: time.Since(start),
	}, nil
}

// Component returns a ready-to-register descriptor for the provider.
func (s *FirstMove) Component() domain.Component {
	return domain.Component{
		Name:          "baseline-first-move",
		Type:          domain.TypeHeuristic,
		Tier:          domain.TierCritical,
		Priority:      1,
		Timeout:       50 * time.Millisecond,
		MemoryLimitMB: 1,
		Dependencies:  []string{},
		Provider:      s,
	}
}

// SeededRandom picks a pseudo-random valid move, seeded from the position so
// the same request always yields the same answer.
type SeededRandom struct{}

// NewSeededRandom creates the seeded-random baseline provider.
func NewSeededRandom() *SeededRandom { return &SeededRandom{} }

// HealthCheck implements domain.StrategyProvider.
func (s *SeededRandom) HealthCheck(context.Context) (domain.HealthReport, error) {
	return domain.HealthReport{
		Score:     1.0,
		Status:    domain.HealthHealthy,
		LastCheck: time.Now(),
	}, nil
}

// Execute implements domain.Executor. The position hash keeps the choice
// stable across repeated requests for the same state.
func (s *SeededRandom) Execute(_ context.Context, req domain.DecisionRequest) (domain.DecisionResponse, error) {
	start := time.Now()
	if len(req.ValidMoves) == 0 {
		return domain.DecisionResponse{}, fmt.Errorf("no valid moves")
	}

	moves := make([]string, len(req.ValidMoves))
	copy(moves, req.ValidMoves)
	sort.Strings(moves)

	h := fnv.New64a()
	_, _ = h.Write([]byte(req.Position))
	idx := int(h.Sum64() % uint64(len(moves))) //nolint:gosec // Not security sensitive.

	return domain.DecisionResponse{
		Decision: domain.Decision{
			Move:       moves[idx],
			Confidence: 0.4,
			Reasoning:  "position-seeded pick",
		},
		ExecutionTime: time.Since(start),
	}, nil
}

// Component returns a ready-to-register descriptor for the provider.
func (s *SeededRandom) Component() domain.Component {
	return domain.Component{
		Name:          "baseline-seeded-random",
		Type:          domain.TypeHeuristic,
		Tier:          domain.TierStandard,
		Priority:      1,
		Timeout:       100 * time.Millisecond,
		MemoryLimitMB: 1,
		Dependencies:  []string{},
		Provider:      s,
	}
}
