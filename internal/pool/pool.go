// Package pool implements the connection pool: per-server slot lifecycle
// (acquire/release/evict/force-reconnect), FIFO-fair waiters bounded by
// max_connections_per_server, and integration with the circuit breaker,
// health monitor, and load-balancer strategy that decide which slot an
// acquisition should target.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zmcp/mcprt/internal/balancer"
	"github.com/zmcp/mcprt/internal/breaker"
	"github.com/zmcp/mcprt/internal/health"
	"github.com/zmcp/mcprt/internal/mcpclient"
	"github.com/zmcp/mcprt/internal/metrics"
	"github.com/zmcp/mcprt/internal/protocol"
	"github.com/zmcp/mcprt/internal/retry"
	"github.com/zmcp/mcprt/internal/transport"
)

var (
	ErrNoHealthyServer = errors.New("pool: no healthy server available")
	ErrPoolClosed      = errors.New("pool: closed")
)

// Factory dials a fresh Transport for one server. The pool calls it under
// retry.Do, so it need not retry internally.
type Factory func(ctx context.Context) (transport.Transport, error)

// ServerConfig is everything the pool needs to know about one backing MCP
// server, mirroring the per-server knobs in spec.md §6.
type ServerConfig struct {
	Name                string
	Kind                transport.Kind
	MaxConnections      int
	IdleTimeout         time.Duration
	AcquireTimeout      time.Duration
	BreakerConfig       breaker.Config
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	RetryPolicy         retry.Policy
	ClientName          string
	ClientVersion       string
}

func DefaultServerConfig(name string, kind transport.Kind) ServerConfig {
	return ServerConfig{
		Name:                name,
		Kind:                kind,
		MaxConnections:      4,
		IdleTimeout:         2 * time.Minute,
		AcquireTimeout:      5 * time.Second,
		BreakerConfig:       breaker.DefaultConfig(),
		HealthCheckInterval: 15 * time.Second,
		HealthCheckTimeout:  3 * time.Second,
		RetryPolicy:         retry.DefaultPolicy(),
	}
}

// slot is one ConnectionSlot: a transport, the initialized client driving
// it, and the accounting the pool/balancer/reaper read and write —
// creation time, last-used time, an in-flight counter, and the cached
// health/latency the pool copies in from the health monitor on every
// acquisition (see refreshSlotHealth).
type slot struct {
	id        string
	conn      transport.Transport
	client    *mcpclient.Client
	createdAt time.Time
	lastUsed  time.Time
	inUse     bool
	inFlight  int32

	health      health.Status
	latencyEWMA time.Duration
}

func (s *slot) close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return s.conn.Close()
}

// serverPool is the per-server state: its slot table, a FIFO semaphore
// bounding concurrent acquisitions to MaxConnections, and its breaker.
type serverPool struct {
	cfg     ServerConfig
	factory Factory
	br      *breaker.Breaker
	slotSeq atomic.Int64

	mu      sync.Mutex
	slots   []*slot
	waiters chan struct{} // buffered to MaxConnections; FIFO via channel send order
}

func newServerPool(cfg ServerConfig, factory Factory) *serverPool {
	return &serverPool{
		cfg:     cfg,
		factory: factory,
		br:      breaker.New(cfg.BreakerConfig),
		waiters: make(chan struct{}, cfg.MaxConnections),
	}
}

// Pool owns every registered server's sub-pool plus the shared health
// monitor, metrics registry, and load-balancer strategy used to pick among
// them and their slots.
type Pool struct {
	log      *zap.Logger
	strategy balancer.Strategy
	monitor  *health.Monitor
	metrics  *metrics.Registry

	mu      sync.RWMutex
	servers map[string]*serverPool

	closed      bool
	evictCancel context.CancelFunc
	evictWG     sync.WaitGroup
}

// Conn is a leased connection handle. Callers must call Release exactly
// once when finished, whether the call succeeded or failed.
type Conn struct {
	Server    string
	Transport transport.Transport
	Client    *mcpclient.Client

	pool *Pool
	sp   *serverPool
	sl   *slot
}

func New(log *zap.Logger, strategy balancer.Strategy, monitor *health.Monitor) *Pool {
	return &Pool{
		log:      log,
		strategy: strategy,
		monitor:  monitor,
		metrics:  metrics.NewRegistry(),
		servers:  make(map[string]*serverPool),
	}
}

// Metrics returns the pool's metrics registry, constructed once at pool
// startup per spec.md §9's process-wide metrics registry. Callers
// typically hand it to a health.Monitor via SetMetrics so probe latency
// and acquisition counters land in one place.
func (p *Pool) Metrics() *metrics.Registry {
	return p.metrics
}

// Register adds a server to the pool and registers the caller-supplied
// prober for it with the health monitor (if both are non-nil).
func (p *Pool) Register(cfg ServerConfig, factory Factory, prober health.Prober) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.servers[cfg.Name] = newServerPool(cfg, factory)
	if p.monitor != nil && prober != nil {
		p.monitor.Register(cfg.Name, prober)
	}
}

// Unregister removes a server and closes all of its idle/in-use slots.
func (p *Pool) Unregister(name string) error {
	p.mu.Lock()
	sp, ok := p.servers[name]
	if ok {
		delete(p.servers, name)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if p.monitor != nil {
		p.monitor.Unregister(name)
	}
	return sp.closeAll()
}

func (sp *serverPool) closeAll() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	var firstErr error
	for _, s := range sp.slots {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	sp.slots = nil
	return firstErr
}

// StartEviction launches the background idle-slot reaper.
func (p *Pool) StartEviction(ctx context.Context, interval time.Duration) {
	evictCtx, cancel := context.WithCancel(ctx)
	p.evictCancel = cancel
	p.evictWG.Add(1)
	go func() {
		defer p.evictWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-evictCtx.Done():
				return
			case <-ticker.C:
				p.evictIdle()
			}
		}
	}()
}

// evictIdle removes slots that have sat idle past IdleTimeout or that the
// health monitor has classified Unhealthy, per spec.md §4.7. A slot
// currently in use is never yanked out from under its caller; an
// unhealthy in-use slot is picked up on the next sweep after Release.
func (p *Pool) evictIdle() {
	p.mu.RLock()
	pools := make([]*serverPool, 0, len(p.servers))
	for _, sp := range p.servers {
		pools = append(pools, sp)
	}
	p.mu.RUnlock()

	for _, sp := range pools {
		p.refreshSlotHealth(sp)

		sp.mu.Lock()
		kept := sp.slots[:0]
		for _, s := range sp.slots {
			idle := !s.inUse && time.Since(s.lastUsed) > sp.cfg.IdleTimeout
			unhealthy := !s.inUse && s.health == health.Unhealthy
			if idle || unhealthy {
				if err := s.close(); err != nil && p.log != nil {
					p.log.Warn("error closing evicted connection", zap.String("server", sp.cfg.Name), zap.Error(err))
				}
				continue
			}
			kept = append(kept, s)
		}
		sp.slots = kept
		sp.mu.Unlock()
	}
}

// refreshSlotHealth copies the health monitor's current classification for
// a server onto every one of its slots. The monitor probes one
// representative connection per server rather than every pooled slot
// individually (see DESIGN.md), so every slot of a server shares that
// server's observed health/latency at any given moment — that's still
// enough for the balancer and reaper to reason at slot granularity, since
// all slots of one server share the same backend's liveness.
func (p *Pool) refreshSlotHealth(sp *serverPool) {
	if p.monitor == nil {
		return
	}
	snap, ok := p.monitor.Get(sp.cfg.Name)
	if !ok {
		return
	}
	sp.mu.Lock()
	for _, s := range sp.slots {
		s.health = snap.Status
		s.latencyEWMA = snap.LatencyEWMA
	}
	sp.mu.Unlock()
}

// Acquire picks a server using the load-balancer strategy among the
// supplied candidate names (or every registered server if names is empty),
// then leases or opens a connection to it, retrying the dial per the
// server's retry policy and respecting the per-server circuit breaker.
func (p *Pool) Acquire(ctx context.Context, names ...string) (*Conn, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	candidates := p.buildCandidates(names)
	p.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, ErrNoHealthyServer
	}

	name := p.strategy.Pick(candidates)
	if name == "" {
		return nil, ErrNoHealthyServer
	}

	p.mu.RLock()
	sp, ok := p.servers[name]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pool: server %q not registered", name)
	}

	if !sp.br.Allow() {
		return nil, protocol.NewCircuitOpen(name)
	}

	return p.acquireFrom(ctx, sp)
}

func (p *Pool) buildCandidates(names []string) []balancer.Candidate {
	var targets []string
	if len(names) > 0 {
		targets = names
	} else {
		for n := range p.servers {
			targets = append(targets, n)
		}
	}

	candidates := make([]balancer.Candidate, 0, len(targets))
	for _, n := range targets {
		sp, ok := p.servers[n]
		if !ok {
			continue
		}
		c := balancer.Candidate{Name: n, InFlight: int32(len(sp.waiters))}
		if p.monitor != nil {
			if snap, ok := p.monitor.Get(n); ok {
				c.HealthStatus = snap.Status
				c.LatencyEWMANs = snap.LatencyEWMA.Nanoseconds()
			}
		}
		candidates = append(candidates, c)
	}
	return candidates
}

// acquireFrom enforces MaxConnections via a buffered-channel semaphore
// (FIFO since Go channel sends queue in arrival order). Once a slot has
// been secured, it asks the load balancer to choose among this server's
// idle slots (spec.md §4.6/§4.7 step 2); if none are eligible it dials a
// fresh one through the retry policy (step 3).
func (p *Pool) acquireFrom(ctx context.Context, sp *serverPool) (*Conn, error) {
	acquireCtx := ctx
	var cancel context.CancelFunc
	if sp.cfg.AcquireTimeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, sp.cfg.AcquireTimeout)
		defer cancel()
	}

	select {
	case sp.waiters <- struct{}{}:
	case <-acquireCtx.Done():
		p.metrics.Server(sp.cfg.Name).AcquireTimeouts.Add(1)
		return nil, protocol.NewAcquireTimeout(sp.cfg.Name)
	}

	p.refreshSlotHealth(sp)

	if conn := p.pickIdleSlot(sp); conn != nil {
		p.metrics.Server(sp.cfg.Name).Acquires.Add(1)
		return conn, nil
	}

	s, err := p.dialSlot(acquireCtx, sp)
	if err != nil {
		sp.br.RecordFailure()
		p.metrics.Server(sp.cfg.Name).DialFailures.Add(1)
		<-sp.waiters
		return nil, fmt.Errorf("pool: connect to %s: %w", sp.cfg.Name, err)
	}
	sp.br.RecordSuccess()

	sp.mu.Lock()
	sp.slots = append(sp.slots, s)
	sp.mu.Unlock()

	p.metrics.Server(sp.cfg.Name).Acquires.Add(1)
	return &Conn{Server: sp.cfg.Name, Transport: s.conn, Client: s.client, pool: p, sp: sp, sl: s}, nil
}

// pickIdleSlot asks the pool's load-balancer strategy to choose among this
// server's currently-idle slots, identifying candidates by slot id so the
// choice routes back to a concrete slot rather than merely a server name.
// Returns nil if no idle slot is eligible (caller should dial a new one).
func (p *Pool) pickIdleSlot(sp *serverPool) *Conn {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	byID := make(map[string]*slot, len(sp.slots))
	candidates := make([]balancer.Candidate, 0, len(sp.slots))
	for _, s := range sp.slots {
		if s.inUse {
			continue
		}
		byID[s.id] = s
		candidates = append(candidates, balancer.Candidate{
			Name:          s.id,
			InFlight:      atomic.LoadInt32(&s.inFlight),
			HealthStatus:  s.health,
			LatencyEWMANs: s.latencyEWMA.Nanoseconds(),
			LastUsed:      s.lastUsed,
		})
	}
	if len(candidates) == 0 {
		return nil
	}

	picked := p.strategy.Pick(candidates)
	s, ok := byID[picked]
	if !ok {
		return nil
	}
	s.inUse = true
	atomic.AddInt32(&s.inFlight, 1)
	return &Conn{Server: sp.cfg.Name, Transport: s.conn, Client: s.client, pool: p, sp: sp, sl: s}
}

// dialSlot builds a fresh slot: dial the transport, wrap it in an
// mcpclient.Client, connect, and run the initialize handshake — spec.md
// §4.7 step 3's "transport + client + initialize". A failure at any stage
// is retried as one unit per the server's retry policy.
func (p *Pool) dialSlot(ctx context.Context, sp *serverPool) (*slot, error) {
	var conn transport.Transport
	var client *mcpclient.Client

	err := retry.Do(ctx, sp.cfg.RetryPolicy, func(ctx context.Context) error {
		t, ferr := sp.factory(ctx)
		if ferr != nil {
			return ferr
		}
		c := mcpclient.New(mcpclient.Config{
			Transport:     t,
			Logger:        p.log,
			ClientName:    sp.cfg.ClientName,
			ClientVersion: sp.cfg.ClientVersion,
		})
		if cerr := c.Connect(ctx); cerr != nil {
			_ = t.Close()
			return cerr
		}
		if _, ierr := c.Initialize(ctx); ierr != nil {
			_ = c.Close()
			return ierr
		}
		conn = t
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	id := fmt.Sprintf("%s-%d", sp.cfg.Name, sp.slotSeq.Add(1))
	return &slot{
		id:        id,
		conn:      conn,
		client:    client,
		createdAt: now,
		lastUsed:  now,
		inUse:     true,
		inFlight:  1,
		health:    health.Healthy,
	}, nil
}

// Release returns a leased connection to its pool. If the caller observed
// a connection-level failure, pass healthy=false so the breaker records a
// failure and the slot is closed and dropped from the pool.
func (c *Conn) Release(healthy bool) {
	c.sp.mu.Lock()
	c.sl.inUse = false
	c.sl.lastUsed = time.Now()
	c.sp.mu.Unlock()
	atomic.AddInt32(&c.sl.inFlight, -1)

	if healthy {
		c.sp.br.RecordSuccess()
	} else {
		c.sp.br.RecordFailure()
		c.sp.mu.Lock()
		for i, s := range c.sp.slots {
			if s == c.sl {
				c.sp.slots = append(c.sp.slots[:i], c.sp.slots[i+1:]...)
				break
			}
		}
		c.sp.mu.Unlock()
		_ = c.sl.close()
	}

	select {
	case <-c.sp.waiters:
	default:
	}
}

// ForceReconnect closes every slot for a server immediately, so the next
// Acquire dials fresh. Used when a caller detects the connection is
// unusable beyond what Release(false) communicates (e.g. a WebSocket that
// stopped responding to heartbeats).
func (p *Pool) ForceReconnect(name string) error {
	p.mu.RLock()
	sp, ok := p.servers[name]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("pool: server %q not registered", name)
	}
	sp.br.RecordFailure()
	return sp.closeAll()
}

// Close shuts down the pool: stops eviction and closes every connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	servers := make([]*serverPool, 0, len(p.servers))
	for _, sp := range p.servers {
		servers = append(servers, sp)
	}
	p.mu.Unlock()

	if p.evictCancel != nil {
		p.evictCancel()
		p.evictWG.Wait()
	}

	var firstErr error
	for _, sp := range servers {
		if err := sp.closeAll(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
