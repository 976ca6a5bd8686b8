// Package metrics implements the one legitimate piece of process-wide
// state named in spec.md §9: plain sync/atomic counters and a small
// latency histogram, keyed per server, constructed once at pool startup.
// No external exporter is built here — see DESIGN.md for why
// prometheus/client_golang doesn't fit; anything wanting to expose these
// numbers (logs, a future admin endpoint) reads Registry.Snapshot.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// latencyBucketsMs are the upper bound (inclusive) of each histogram
// bucket in milliseconds; a final overflow bucket catches anything above
// the highest bound.
var latencyBucketsMs = [...]float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// Histogram is a fixed-bucket latency histogram. Counts only, no sum —
// nothing in this runtime needs an average, only a shape.
type Histogram struct {
	counts [len(latencyBucketsMs) + 1]atomic.Int64
}

func (h *Histogram) Observe(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	for i, bound := range latencyBucketsMs {
		if ms <= bound {
			h.counts[i].Add(1)
			return
		}
	}
	h.counts[len(latencyBucketsMs)].Add(1)
}

// Counts returns a snapshot of each bucket's count, in ascending bound
// order with the overflow bucket last.
func (h *Histogram) Counts() []int64 {
	out := make([]int64, len(h.counts))
	for i := range h.counts {
		out[i] = h.counts[i].Load()
	}
	return out
}

// ServerMetrics is the counter set tracked for one backing server.
type ServerMetrics struct {
	Acquires        atomic.Int64
	AcquireTimeouts atomic.Int64
	DialFailures    atomic.Int64
	ProbeFailures   atomic.Int64
	Latency         Histogram
}

// Snapshot is a point-in-time read of one server's counters.
type Snapshot struct {
	Acquires        int64
	AcquireTimeouts int64
	DialFailures    int64
	ProbeFailures   int64
	LatencyBuckets  []int64
}

// Registry holds one ServerMetrics per server name, created on first
// access. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*ServerMetrics
}

func NewRegistry() *Registry {
	return &Registry{servers: make(map[string]*ServerMetrics)}
}

// Server returns the counter set for name, creating it on first use.
func (r *Registry) Server(name string) *ServerMetrics {
	r.mu.RLock()
	m, ok := r.servers[name]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.servers[name]; ok {
		return m
	}
	m = &ServerMetrics{}
	r.servers[name] = m
	return m
}

// Snapshot reads every registered server's counters at once.
func (r *Registry) Snapshot() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.servers))
	for name, m := range r.servers {
		out[name] = Snapshot{
			Acquires:        m.Acquires.Load(),
			AcquireTimeouts: m.AcquireTimeouts.Load(),
			DialFailures:    m.DialFailures.Load(),
			ProbeFailures:   m.ProbeFailures.Load(),
			LatencyBuckets:  m.Latency.Counts(),
		}
	}
	return out
}
