// Package health implements the background health monitor: periodic
// liveness probing per server, hysteresis on consecutive failures/successes
// before flipping status, and an exponentially-weighted moving average of
// observed latency used by the health-weighted load-balancer strategy.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zmcp/mcprt/internal/metrics"
)

// Status is the externally visible health of one server.
type Status int32

const (
	Unknown Status = iota
	Healthy
	Unhealthy
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

const (
	unhealthyAfterFailures = 3
	healthyAfterSuccesses  = 2
	ewmaAlpha              = 0.3
)

// Prober performs one liveness check and reports the round-trip latency.
// The caller registering a server supplies it; cmd/mcprt's prober sends a
// protocol-level ping over a freshly dialed connection for every kind.
type Prober func(ctx context.Context) (time.Duration, error)

// Monitor tracks health for a set of named servers.
type Monitor struct {
	log      *zap.Logger
	interval time.Duration
	timeout  time.Duration
	metrics  *metrics.Registry

	mu      sync.RWMutex
	entries map[string]*entry

	stop chan struct{}
	wg   sync.WaitGroup
}

// SetMetrics attaches a metrics registry every probe records into: probe
// latency into the per-server histogram, probe failures into a counter.
// Optional — a nil registry (the default) disables recording.
func (m *Monitor) SetMetrics(reg *metrics.Registry) {
	m.metrics = reg
}

type entry struct {
	mu              sync.Mutex
	status          Status
	consecutiveFail int
	consecutiveOK   int
	latencyEWMA     time.Duration
	lastProbe       time.Time
	prober          Prober
}

func NewMonitor(log *zap.Logger, interval, timeout time.Duration) *Monitor {
	return &Monitor{
		log:      log,
		interval: interval,
		timeout:  timeout,
		entries:  make(map[string]*entry),
		stop:     make(chan struct{}),
	}
}

// Register adds a server to the monitor and starts probing it. Calling
// Register for a name already registered replaces its prober.
func (m *Monitor) Register(name string, prober Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[name] = &entry{status: Unknown, prober: prober}
}

// Unregister stops tracking a server.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, name)
}

// Start launches the background probing loop. Cancel ctx or call Stop to
// end it.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.probeAll(ctx)
			}
		}
	}()
}

func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Monitor) probeAll(ctx context.Context) {
	m.mu.RLock()
	targets := make(map[string]*entry, len(m.entries))
	for k, v := range m.entries {
		targets[k] = v
	}
	m.mu.RUnlock()

	for name, e := range targets {
		name, e := name, e
		go m.probeOne(ctx, name, e)
	}
}

func (m *Monitor) probeOne(ctx context.Context, name string, e *entry) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	latency, err := e.prober(probeCtx)
	if err != nil {
		latency = time.Since(start)
	}

	if m.metrics != nil {
		m.metrics.Server(name).Latency.Observe(latency)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastProbe = time.Now()

	if e.latencyEWMA == 0 {
		e.latencyEWMA = latency
	} else {
		e.latencyEWMA = time.Duration(ewmaAlpha*float64(latency) + (1-ewmaAlpha)*float64(e.latencyEWMA))
	}

	if err != nil {
		if m.metrics != nil {
			m.metrics.Server(name).ProbeFailures.Add(1)
		}
		e.consecutiveFail++
		e.consecutiveOK = 0
		if e.consecutiveFail >= unhealthyAfterFailures && e.status != Unhealthy {
			e.status = Unhealthy
			if m.log != nil {
				m.log.Warn("server marked unhealthy", zap.String("server", name), zap.Error(err))
			}
		}
		return
	}

	e.consecutiveOK++
	e.consecutiveFail = 0
	if e.consecutiveOK >= healthyAfterSuccesses && e.status != Healthy {
		e.status = Healthy
		if m.log != nil {
			m.log.Info("server marked healthy", zap.String("server", name))
		}
	}
	if e.status == Unknown && e.consecutiveOK > 0 {
		e.status = Healthy
	}
}

// Snapshot is a point-in-time read of one server's health.
type Snapshot struct {
	Status      Status
	LatencyEWMA time.Duration
	LastProbe   time.Time
}

func (m *Monitor) Get(name string) (Snapshot, bool) {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{Status: e.status, LatencyEWMA: e.latencyEWMA, LastProbe: e.lastProbe}, true
}
