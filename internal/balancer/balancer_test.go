package balancer

import (
	"testing"

	"github.com/zmcp/mcprt/internal/health"
)

func candidates(names ...string) []Candidate {
	cs := make([]Candidate, len(names))
	for i, n := range names {
		cs[i] = Candidate{Name: n, HealthStatus: health.Healthy}
	}
	return cs
}

func TestRoundRobinCyclesInOrder(t *testing.T) {
	rr := NewRoundRobin()
	cs := candidates("a", "b", "c")

	got := make([]string, 6)
	for i := range got {
		got[i] = rr.Pick(cs)
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pick %d = %q, want %q (sequence %v)", i, got[i], want[i], got)
		}
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	rr := NewRoundRobin()
	if got := rr.Pick(nil); got != "" {
		t.Fatalf("Pick(nil) = %q, want empty", got)
	}
}

func TestLeastConnectionsPicksFewest(t *testing.T) {
	lc := NewLeastConnections()
	cs := []Candidate{
		{Name: "busy", InFlight: 5, HealthStatus: health.Healthy},
		{Name: "idle", InFlight: 0, HealthStatus: health.Healthy},
		{Name: "medium", InFlight: 2, HealthStatus: health.Healthy},
	}
	if got := lc.Pick(cs); got != "idle" {
		t.Fatalf("Pick() = %q, want %q", got, "idle")
	}
}

func TestHealthWeightedFavorsHealthy(t *testing.T) {
	hw := NewHealthWeighted()
	cs := []Candidate{
		{Name: "sick", HealthStatus: health.Unhealthy, LatencyEWMANs: 0},
		{Name: "well", HealthStatus: health.Healthy, LatencyEWMANs: 0},
	}

	wellCount := 0
	const trials = 200
	for i := 0; i < trials; i++ {
		if hw.Pick(cs) == "well" {
			wellCount++
		}
	}
	// sick is Unhealthy and so excluded outright (weight 0); well should
	// win every pick
	if wellCount < trials*9/10 {
		t.Fatalf("healthy server picked %d/%d times, want at least 90%%", wellCount, trials)
	}
}

func TestRandomPicksFromCandidates(t *testing.T) {
	r := NewRandom()
	cs := candidates("only")
	if got := r.Pick(cs); got != "only" {
		t.Fatalf("Pick() = %q, want %q", got, "only")
	}
	if got := r.Pick(nil); got != "" {
		t.Fatalf("Pick(nil) = %q, want empty", got)
	}
}
