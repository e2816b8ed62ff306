// Package engine implements the component engine (C5): a wazero-based WASM
// runtime that compiles, caches, and sandboxes workflow components, and
// drives their four entry points (operator, aggregator, timer callback,
// submit callback).
//
// wazero has no native per-instruction fuel counter (unlike wasmtime); fuel
// is approximated by charging each host-function call against the
// workflow's fuel_limit (see capability.go's hostCallAccounting), combined
// with wazero's own WithCloseOnContextDone so a context deadline aborts an
// in-flight call promptly — together satisfying §4.5's "bounded-latency"
// sandbox contract without a true instruction-level fuel counter.
package engine

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/avs-mesh/wavsnode/internal/blobstore"
	"github.com/avs-mesh/wavsnode/internal/chain"
	"github.com/avs-mesh/wavsnode/internal/errors"
	"github.com/avs-mesh/wavsnode/internal/kvstore"
	"github.com/avs-mesh/wavsnode/internal/logging"
)

// DefaultModuleCacheSize is the bounded LRU module cache's default size.
const DefaultModuleCacheSize = 10

// DefaultFuelLimit is used for workflows that do not declare a fuel_limit.
const DefaultFuelLimit = 10_000_000

// Engine is the node's component engine. One Engine instance serves every
// service; per-service state (KV namespace, working directory, chain
// clients) is injected per execution rather than held by the Engine.
type Engine struct {
	runtime wazero.Runtime
	blobs   *blobstore.Store
	kv      *kvstore.Store
	chains  map[string]chain.Client
	log     *logging.Logger

	mu    sync.Mutex
	cache *moduleCache

	metrics *metrics
	stats   *statsTracker
}

// Config configures a new Engine.
type Config struct {
	Blobs          *blobstore.Store
	KV             *kvstore.Store
	Chains         map[string]chain.Client // keyed by ChainKey.String()
	Logger         *logging.Logger
	ModuleCacheCap int

	// Registerer receives the engine's execution-duration/fuel-consumed
	// collectors. Nil skips registration (tests typically pass a private
	// prometheus.NewRegistry() instead of the global default).
	Registerer prometheus.Registerer
}

// New constructs an Engine with a fresh wazero runtime and WASI support
// (components commonly link against wasi_snapshot_preview1 for clocks and
// random, even when file/network access is denied by capability gating).
func New(ctx context.Context, cfg Config) (*Engine, error) {
	cap := cfg.ModuleCacheCap
	if cap <= 0 {
		cap = DefaultModuleCacheSize
	}

	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, errors.Wrap(errors.CodeLinkerMismatch, "instantiate wasi", 0, err)
	}

	return &Engine{
		runtime: rt,
		blobs:   cfg.Blobs,
		kv:      cfg.KV,
		chains:  cfg.Chains,
		log:     cfg.Logger,
		cache:   newModuleCache(cap),
		metrics: newMetrics(cfg.Registerer),
		stats:   newStatsTracker(),
	}, nil
}

// Stats returns a snapshot of every entry point's accumulated execution
// statistics, keyed by entry point name (e.g. "run_operator"). Intended
// for the admin config endpoint's NodeConfig callback.
func (e *Engine) Stats() map[string]EntryPointStats {
	return e.stats.Snapshot()
}

// Close tears down the wazero runtime, invalidating every cached module.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}
