// Package chain defines the polymorphic chain-client contract (C3) shared by
// the evm and cosmos client implementations, plus a chain-agnostic RPC
// endpoint pool with health tracking and failover.
package chain

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avs-mesh/wavsnode/internal/errors"
)

// Endpoint is one RPC endpoint with rolling health/latency stats.
type Endpoint struct {
	URL              string
	Priority         int
	Healthy          bool
	ConsecutiveFails int
	LastCheck        time.Time
	LastLatency      time.Duration
	AvgLatency       time.Duration
}

// PoolConfig configures an endpoint Pool.
type PoolConfig struct {
	Endpoints           []string
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	MaxConsecutiveFails int
	HTTPClient          *http.Client
	// Ping is called against each candidate endpoint during a health check.
	// It should perform the cheapest request the underlying chain protocol
	// supports (e.g. current block height) and return an error on failure.
	Ping func(ctx context.Context, client *http.Client, url string) error
}

// DefaultPoolConfig returns sensible defaults; Ping must still be set by the
// caller since the cheap health-check request differs between EVM and
// Cosmos RPC.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
		MaxConsecutiveFails: 3,
	}
}

// ParseEndpoints splits a comma-separated endpoint list, trimming whitespace
// and dropping empty entries.
func ParseEndpoints(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Pool manages multiple RPC endpoints for one configured chain, tracking
// health and latency and supporting round-robin failover. Read/write chain
// clients hold one Pool each and resolve the endpoint to dial per call via
// ExecuteWithFailover, rather than pinning a single URL for the chain's
// lifetime.
type Pool struct {
	mu        sync.RWMutex
	endpoints []*Endpoint
	current   int
	cfg       PoolConfig
	client    *http.Client
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewPool creates a Pool from configuration. Returns ParseEndpoint if no
// endpoints are configured.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New(errors.CodeParseEndpoint, "rpc pool: at least one endpoint required", 0)
	}
	if cfg.HealthCheckInterval == 0 {
		def := DefaultPoolConfig()
		cfg.HealthCheckInterval = def.HealthCheckInterval
		cfg.HealthCheckTimeout = def.HealthCheckTimeout
		cfg.MaxConsecutiveFails = def.MaxConsecutiveFails
	}

	endpoints := make([]*Endpoint, len(cfg.Endpoints))
	for i, url := range cfg.Endpoints {
		endpoints[i] = &Endpoint{URL: strings.TrimSpace(url), Priority: i, Healthy: true}
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.HealthCheckTimeout}
	}

	return &Pool{
		endpoints: endpoints,
		cfg:       cfg,
		client:    client,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start launches the periodic health-check loop in its own goroutine and
// returns at once; the loop runs until ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	go p.healthCheckLoop(ctx)
}

// Stop terminates the health-check loop.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Best returns the highest-priority healthy endpoint, ranked by lowest
// average latency then configured priority. Falls back to the first
// endpoint (with an error) if none are currently healthy.
func (p *Pool) Best() (*Endpoint, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	healthy := make([]*Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if ep.Healthy {
			healthy = append(healthy, ep)
		}
	}
	if len(healthy) == 0 {
		if len(p.endpoints) > 0 {
			return p.endpoints[0], errors.New(errors.CodeTransport, "no healthy endpoints, using fallback", 0)
		}
		return nil, errors.New(errors.CodeParseEndpoint, "no endpoints available", 0)
	}
	sort.Slice(healthy, func(i, j int) bool {
		if healthy[i].AvgLatency != healthy[j].AvgLatency {
			return healthy[i].AvgLatency < healthy[j].AvgLatency
		}
		return healthy[i].Priority < healthy[j].Priority
	})
	return healthy[0], nil
}

// Next returns the next healthy endpoint in round-robin order, used on
// failover from a failed attempt.
func (p *Pool) Next() *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := p.current
	for i := 0; i < len(p.endpoints); i++ {
		idx := (start + i + 1) % len(p.endpoints)
		if p.endpoints[idx].Healthy {
			p.current = idx
			return p.endpoints[idx]
		}
	}
	p.current = (p.current + 1) % len(p.endpoints)
	return p.endpoints[p.current]
}

// MarkUnhealthy records a failed call against url.
func (p *Pool) MarkUnhealthy(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		if ep.URL == url {
			ep.ConsecutiveFails++
			if ep.ConsecutiveFails >= p.cfg.MaxConsecutiveFails {
				ep.Healthy = false
			}
			return
		}
	}
}

// MarkHealthy records a successful call against url with its latency.
func (p *Pool) MarkHealthy(url string, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		if ep.URL == url {
			ep.Healthy = true
			ep.ConsecutiveFails = 0
			ep.LastLatency = latency
			if ep.AvgLatency == 0 {
				ep.AvgLatency = latency
			} else {
				ep.AvgLatency = (ep.AvgLatency*7 + latency*3) / 10
			}
			return
		}
	}
}

// Endpoints returns a snapshot of all endpoints and their health.
func (p *Pool) Endpoints() []Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Endpoint, len(p.endpoints))
	for i, ep := range p.endpoints {
		out[i] = *ep
	}
	return out
}

func (p *Pool) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	p.checkAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkAll(ctx)
		}
	}
}

func (p *Pool) checkAll(ctx context.Context) {
	if p.cfg.Ping == nil {
		return
	}
	var wg sync.WaitGroup
	for _, ep := range p.Endpoints() {
		ep := ep
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.check(ctx, ep.URL)
		}()
	}
	wg.Wait()
}

func (p *Pool) check(ctx context.Context, url string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.HealthCheckTimeout)
	defer cancel()
	if err := p.cfg.Ping(ctx, p.client, url); err != nil {
		p.MarkUnhealthy(url)
		return
	}
	p.MarkHealthy(url, time.Since(start))
}

// ExecuteWithFailover runs fn against the pool's best endpoint, retrying
// against the next healthy endpoint (round robin) up to maxRetries times.
func (p *Pool) ExecuteWithFailover(ctx context.Context, maxRetries int, fn func(url string) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		var ep *Endpoint
		var err error
		if attempt == 0 {
			ep, err = p.Best()
		} else {
			ep = p.Next()
		}
		if ep == nil {
			return errors.New(errors.CodeTransport, "no endpoints available", 0).WithContext("cause", err)
		}

		start := time.Now()
		err = fn(ep.URL)
		latency := time.Since(start)
		if err == nil {
			p.MarkHealthy(ep.URL, latency)
			return nil
		}
		lastErr = err
		p.MarkUnhealthy(ep.URL)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return errors.Wrap(errors.CodeTransport, "all rpc endpoints exhausted", 0, lastErr)
}
