// Package balancer implements the four load-balancing strategies that pick
// which server a pool acquisition should target: round-robin, random,
// least-connections, and health-weighted.
package balancer

import (
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/zmcp/mcprt/internal/health"
)

// Candidate is everything a strategy needs to know about one server (or,
// when the pool is choosing among a single server's idle slots, one slot)
// to score it, supplied by the caller at selection time.
type Candidate struct {
	Name          string
	InFlight      int32
	HealthStatus  health.Status
	LatencyEWMANs int64
	LastUsed      time.Time
}

// Strategy picks one candidate from the slice, or returns "" if none are
// eligible (caller should fail the acquisition with a pool-exhaustion
// error in that case).
type Strategy interface {
	Pick(candidates []Candidate) string
}

// healthy filters out Unhealthy candidates. Every strategy below applies
// this first: Unhealthy is never handed out, matching spec.md §4.6's
// "skip unhealthy" / "uniform over healthy" / "unhealthy slots have
// weight 0" — three ways of saying the same thing.
func healthy(candidates []Candidate) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.HealthStatus == health.Unhealthy {
			continue
		}
		out = append(out, c)
	}
	return out
}

// RoundRobin cycles through the healthy candidates in the order given.
// Safe for concurrent use.
type RoundRobin struct {
	counter atomic.Uint64
}

func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (r *RoundRobin) Pick(candidates []Candidate) string {
	candidates = healthy(candidates)
	if len(candidates) == 0 {
		return ""
	}
	n := r.counter.Add(1)
	return candidates[(n-1)%uint64(len(candidates))].Name
}

// Random picks uniformly at random among the healthy candidates.
type Random struct{}

func NewRandom() *Random { return &Random{} }

func (r *Random) Pick(candidates []Candidate) string {
	candidates = healthy(candidates)
	if len(candidates) == 0 {
		return ""
	}
	return candidates[rand.Intn(len(candidates))].Name
}

// LeastConnections picks the healthy candidate with the fewest in-flight
// requests, breaking ties by least recent use.
type LeastConnections struct{}

func NewLeastConnections() *LeastConnections { return &LeastConnections{} }

func (l *LeastConnections) Pick(candidates []Candidate) string {
	candidates = healthy(candidates)
	if len(candidates) == 0 {
		return ""
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.InFlight < best.InFlight {
			best = c
			continue
		}
		if c.InFlight == best.InFlight && c.LastUsed.Before(best.LastUsed) {
			best = c
		}
	}
	return best.Name
}

// HealthWeighted favors low-latency candidates, weighted random among the
// healthy set. Weight for each candidate is 1/(1+penalty), where penalty
// grows with observed latency.
type HealthWeighted struct{}

func NewHealthWeighted() *HealthWeighted { return &HealthWeighted{} }

func (h *HealthWeighted) Pick(candidates []Candidate) string {
	candidates = healthy(candidates)
	if len(candidates) == 0 {
		return ""
	}
	weights := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		weights[i] = weight(c)
		total += weights[i]
	}
	if total <= 0 {
		return candidates[0].Name
	}
	r := rand.Float64() * total
	var cum float64
	for i, w := range weights {
		cum += w
		if r <= cum {
			return candidates[i].Name
		}
	}
	return candidates[len(candidates)-1].Name
}

func weight(c Candidate) float64 {
	return 1.0 / (1.0 + latencyPenalty(c))
}

// latencyPenalty grows with EWMA latency in milliseconds, so a slow but
// technically-healthy candidate is still deprioritized relative to a fast
// one.
func latencyPenalty(c Candidate) float64 {
	ms := float64(c.LatencyEWMANs) / float64(1_000_000)
	if ms <= 0 {
		return 0
	}
	return ms / 100.0
}
