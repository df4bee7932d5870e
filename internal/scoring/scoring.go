// Package scoring ranks candidate backends for a request. Rank is a pure
// function: no I/O, no side effects, and a deterministic order for identical
// inputs including tie-breaks.
package scoring

import (
	"sort"

	"github.com/oropendola/modelgate/internal/registry"
	"github.com/oropendola/modelgate/pkg/entitlement"
)

// Weights are the process-wide scoring knobs. They are configuration, not
// per-request values, and may be hot-swapped between requests.
type Weights struct {
	Latency  float64 `yaml:"latency"`
	Capacity float64 `yaml:"capacity"`
	Cost     float64 `yaml:"cost"`
	Priority float64 `yaml:"priority"`
}

// DefaultWeights mirrors the production tuning.
func DefaultWeights() Weights {
	return Weights{
		Latency:  1.0,
		Capacity: 0.5,
		Cost:     1.5,
		Priority: 2.0,
	}
}

// degradedPenalty pushes degraded-health candidates to the back of the
// ranking without excluding them outright.
const degradedPenalty = 10.0

// Request carries the capability requirements relevant to ranking.
type Request struct {
	// MinContextWindow excludes candidates with a smaller context window.
	// Zero means no requirement.
	MinContextWindow int
}

// Score computes the routing score for one candidate.
func Score(w Weights, c *registry.Candidate, acct *entitlement.AccountContext) float64 {
	latencyMs := c.AvgLatencyMs()
	if latencyMs < 1 {
		latencyMs = 1
	}

	score := w.Latency*(1.0/latencyMs) +
		w.Capacity*(c.CapacityScore/100.0) -
		w.Cost*c.CostPerUnit +
		w.Priority*(acct.PriorityWeight/100.0)

	if c.Health() == registry.HealthDegraded {
		score -= degradedPenalty
	}
	return score
}

// Rank orders the candidates best-first. Candidates at their concurrency
// ceiling or below the required context window are excluded entirely.
// Ties break on lower latency, then lexicographically smaller id.
func Rank(w Weights, candidates []*registry.Candidate, acct *entitlement.AccountContext, req Request) []*registry.Candidate {
	type scored struct {
		c       *registry.Candidate
		score   float64
		latency float64
	}

	eligible := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if c.AtCapacity() {
			continue
		}
		if req.MinContextWindow > 0 && c.ContextWindow < req.MinContextWindow {
			continue
		}
		eligible = append(eligible, scored{
			c:       c,
			score:   Score(w, c, acct),
			latency: c.AvgLatencyMs(),
		})
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].score != eligible[j].score {
			return eligible[i].score > eligible[j].score
		}
		if eligible[i].latency != eligible[j].latency {
			return eligible[i].latency < eligible[j].latency
		}
		return eligible[i].c.ID < eligible[j].c.ID
	})

	out := make([]*registry.Candidate, len(eligible))
	for i, s := range eligible {
		out[i] = s.c
	}
	return out
}
