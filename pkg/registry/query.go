package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/arbiternet/arbiter-oss/pkg/domain"
)

// Ranking weights. Performance is derived from average response time (lower
// is better), reliability from the success rate, suitability from a tier/type
// heuristic, availability from lifecycle readiness.
const (
	weightHealth       = 0.30
	weightPerformance  = 0.25
	weightReliability  = 0.25
	weightSuitability  = 0.15
	weightAvailability = 0.05
)

// Filter selects candidate components. Zero values mean "no constraint".
type Filter struct {
	Type           domain.ComponentType
	Tier           domain.Tier
	State          domain.LifecycleState
	MinHealth      float64
	MaxResponseMs  float64
	AvailableOnly  bool
	MinSuccessRate float64
	MaxErrorRate   float64
	Exclude        []string
	// Difficulty of the request (1-10), used by the suitability heuristic.
	Difficulty int
}

func (f Filter) signature() string {
	excl := append([]string(nil), f.Exclude...)
	sort.Strings(excl)
	return fmt.Sprintf("t=%s|tier=%d|st=%s|mh=%.4f|mr=%.1f|av=%t|msr=%.4f|mer=%.4f|ex=%s|d=%d",
		f.Type, f.Tier, f.State, f.MinHealth, f.MaxResponseMs, f.AvailableOnly,
		f.MinSuccessRate, f.MaxErrorRate, strings.Join(excl, ","), f.Difficulty)
}

// RankedComponent pairs a record with its ranking score.
type RankedComponent struct {
	Record ComponentRecord
	Score  float64
}

// Query returns the components matching the filter, ranked best-first.
// Results are cached by filter signature until the next registration, health,
// or performance update.
func (r *Registry) Query(filter Filter) []RankedComponent {
	var sig string
	if r.cfg.QueryCacheEnabled {
		sig = filter.signature()
		r.cacheMu.Lock()
		gen := r.generation
		if entry, ok := r.cache[sig]; ok && entry.generation == gen {
			// Hand out a copy: callers may reorder their slice without
			// corrupting the cached ranking.
			results := make([]RankedComponent, len(entry.results))
			copy(results, entry.results)
			r.cacheMu.Unlock()
			return results
		}
		r.cacheMu.Unlock()
	}

	excluded := make(map[string]struct{}, len(filter.Exclude))
	for _, name := range filter.Exclude {
		excluded[name] = struct{}{}
	}

	r.mu.RLock()
	matches := make([]RankedComponent, 0, len(r.records))
	for name, rec := range r.records {
		if _, skip := excluded[name]; skip {
			continue
		}
		if !matchesFilter(rec, filter) {
			continue
		}
		matches = append(matches, RankedComponent{
			Record: *rec,
			Score:  rank(rec, filter),
		})
	}
	r.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		// Stable ordering on equal scores: higher priority, then name.
		pi := matches[i].Record.Component.Priority
		pj := matches[j].Record.Component.Priority
		if pi != pj {
			return pi > pj
		}
		return matches[i].Record.Component.Name < matches[j].Record.Component.Name
	})

	if r.cfg.QueryCacheEnabled {
		cached := make([]RankedComponent, len(matches))
		copy(cached, matches)
		r.cacheMu.Lock()
		r.cache[sig] = cachedQuery{generation: r.generation, results: cached}
		r.cacheMu.Unlock()
	}

	return matches
}

func matchesFilter(rec *ComponentRecord, f Filter) bool {
	if f.Type != "" && rec.Component.Type != f.Type {
		return false
	}
	if f.Tier != 0 && rec.Component.Tier != f.Tier {
		return false
	}
	if f.State != "" && rec.State != f.State {
		return false
	}
	if f.AvailableOnly && rec.State != domain.StateReady {
		return false
	}
	if f.MinHealth > 0 && rec.HealthScore < f.MinHealth {
		return false
	}
	if f.MaxResponseMs > 0 && rec.Stats.AvgResponseMs > f.MaxResponseMs {
		return false
	}
	if f.MinSuccessRate > 0 && rec.Stats.SuccessRate < f.MinSuccessRate {
		return false
	}
	if f.MaxErrorRate > 0 && (1-rec.Stats.SuccessRate) > f.MaxErrorRate {
		return false
	}
	return true
}

func rank(rec *ComponentRecord, f Filter) float64 {
	health := clamp01(rec.HealthScore)

	// 0ms → 1.0, 500ms → 0.5, monotone decreasing.
	performance := 1.0 / (1.0 + rec.Stats.AvgResponseMs/500.0)

	reliability := clamp01(rec.Stats.SuccessRate)

	availability := 0.0
	if rec.State == domain.StateReady {
		availability = 1.0
	}

	return weightHealth*health +
		weightPerformance*performance +
		weightReliability*reliability +
		weightSuitability*suitability(rec, f) +
		weightAvailability*availability
}

// suitability estimates how well the component's tier and type fit the
// request. Harder positions favor higher (more capable) tiers; each tier of
// distance from the preferred tier costs a quarter of the score.
func suitability(rec *ComponentRecord, f Filter) float64 {
	if f.Difficulty <= 0 {
		return 0.5
	}

	preferred := domain.Tier((f.Difficulty + 1) / 2)
	if preferred < domain.MinTier {
		preferred = domain.MinTier
	}
	if preferred > domain.MaxTier {
		preferred = domain.MaxTier
	}

	distance := int(rec.Component.Tier) - int(preferred)
	if distance < 0 {
		distance = -distance
	}
	score := 1.0 - float64(distance)*0.25

	// Learned components tend to generalize better on hard positions.
	if f.Difficulty >= 7 && rec.Component.Type == domain.TypeLearned {
		score += 0.1
	}

	return clamp01(score)
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
