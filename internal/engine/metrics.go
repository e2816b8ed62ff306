package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics mirrors the aggregator's pattern: a struct of collectors
// constructed once and registered against a caller-supplied registerer, so
// tests can use a private registry instead of the global default.
type metrics struct {
	executionDuration *prometheus.HistogramVec
	fuelConsumed      *prometheus.HistogramVec
	executionsTotal   *prometheus.CounterVec
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	m := &metrics{
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_execution_duration_seconds",
			Help:    "Wall-clock time of one component entry point invocation",
			Buckets: prometheus.DefBuckets,
		}, []string{"entry_point"}),
		fuelConsumed: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_fuel_consumed",
			Help:    "Host-call fuel consumed by one component entry point invocation",
			Buckets: prometheus.ExponentialBuckets(8, 4, 10),
		}, []string{"entry_point"}),
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_executions_total",
			Help: "Total component entry point invocations, by outcome",
		}, []string{"entry_point", "outcome"}),
	}
	if registerer != nil {
		registerer.MustRegister(m.executionDuration, m.fuelConsumed, m.executionsTotal)
	}
	return m
}

// EntryPointStats is a running summary of one entry point's executions,
// the shape surfaced on the admin config snapshot (the teacher's
// per-marble-service statistics() methods serve the same purpose).
type EntryPointStats struct {
	Count         uint64  `json:"count"`
	Failures      uint64  `json:"failures"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	AvgFuelUsed   float64 `json:"avg_fuel_used"`
	LastFuelUsed  int64   `json:"last_fuel_used"`
}

// statsTracker accumulates per-entry-point execution statistics in memory
// for cheap JSON exposure; the Prometheus histograms above serve scraping
// and alerting, this serves the admin snapshot.
type statsTracker struct {
	mu    sync.Mutex
	stats map[string]*EntryPointStats
	total map[string]time.Duration
	fuel  map[string]int64
}

func newStatsTracker() *statsTracker {
	return &statsTracker{
		stats: make(map[string]*EntryPointStats),
		total: make(map[string]time.Duration),
		fuel:  make(map[string]int64),
	}
}

func (t *statsTracker) record(entryPoint string, dur time.Duration, fuelUsed int64, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[entryPoint]
	if !ok {
		s = &EntryPointStats{}
		t.stats[entryPoint] = s
	}
	s.Count++
	if failed {
		s.Failures++
	}
	t.total[entryPoint] += dur
	t.fuel[entryPoint] += fuelUsed
	s.LastFuelUsed = fuelUsed
	s.AvgDurationMS = float64(t.total[entryPoint].Milliseconds()) / float64(s.Count)
	s.AvgFuelUsed = float64(t.fuel[entryPoint]) / float64(s.Count)
}

// Snapshot returns a copy of every entry point's accumulated statistics,
// keyed by entry point name, safe to marshal directly into JSON.
func (t *statsTracker) Snapshot() map[string]EntryPointStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]EntryPointStats, len(t.stats))
	for k, v := range t.stats {
		out[k] = *v
	}
	return out
}
