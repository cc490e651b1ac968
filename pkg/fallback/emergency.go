package fallback

import (
	"fmt"
	"sort"

	"github.com/arbiternet/arbiter-oss/pkg/domain"
)

// emergencyHeuristic produces a decision without any registered component.
// It picks the middle of the sorted valid moves, which is deterministic for
// a given request and avoids degenerate edge choices.
func emergencyHeuristic(req domain.DecisionRequest) (domain.Decision, error) {
	if len(req.ValidMoves) == 0 {
		return domain.Decision{}, fmt.Errorf("no valid moves")
	}

	moves := make([]string, len(req.ValidMoves))
	copy(moves, req.ValidMoves)
	sort.Strings(moves)

	return domain.Decision{
		Move:       moves[len(moves)/2],
		Confidence: 0.2,
		Reasoning:  "emergency heuristic: deterministic pick from valid moves",
	}, nil
}

// absoluteEmergencyDecision is the terminal path of the ladder. It depends on
// nothing in the request and cannot fail or panic.
func absoluteEmergencyDecision() (d domain.Decision) {
	defer func() {
		if r := recover(); r != nil {
			d = domain.Decision{Move: "pass", Confidence: 0, Reasoning: "absolute emergency"}
		}
	}()

	return domain.Decision{
		Move:       "pass",
		Confidence: 0,
		Reasoning:  "absolute emergency: no component or heuristic available",
	}
}
