package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/avs-mesh/wavsnode/internal/chain"
	"github.com/avs-mesh/wavsnode/internal/envelope"
	"github.com/avs-mesh/wavsnode/internal/errors"
	"github.com/avs-mesh/wavsnode/internal/registry"
)

// Guest components export four entry points, one per invocation kind, plus
// an "alloc" export used to hand the host a guest-owned buffer to write
// input into. Each entry point takes (ptr, len uint32) and returns a single
// i64 with the output's (ptr<<32 | len) packed in, the common wazero
// convention for passing variable-length bytes across the host/guest
// boundary without a shared allocator.
const (
	exportAlloc          = "alloc"
	exportRunOperator     = "run_operator"
	exportRunAggregator   = "run_aggregator"
	exportRunTimer        = "run_timer_callback"
	exportRunSubmitResult = "run_submit_callback"
)

// StoreComponentBytes persists raw WASM bytes and returns their content
// digest, used by the admin API's component-upload route.
func (e *Engine) StoreComponentBytes(wasmBytes []byte) (envelope.ComponentDigest, error) {
	hash, err := e.blobs.Put(wasmBytes)
	if err != nil {
		return envelope.ComponentDigest{}, err
	}
	return envelope.ParseComponentDigest(hash)
}

// LoadComponent compiles (or returns from cache) the module stored under
// digest.
func (e *Engine) LoadComponent(ctx context.Context, digest envelope.ComponentDigest) (wazero.CompiledModule, error) {
	e.mu.Lock()
	if compiled, ok := e.cache.get(digest); ok {
		e.mu.Unlock()
		return compiled, nil
	}
	e.mu.Unlock()

	wasmBytes, err := e.blobs.Get(digest.String())
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnknownDigest, "load component bytes", 0, err)
	}
	compiled, err := e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, errors.Wrap(errors.CodeComponentTrap, "compile component", 0, err)
	}

	e.mu.Lock()
	e.cache.put(ctx, digest, compiled)
	e.mu.Unlock()
	return compiled, nil
}

// LoadComponentFromSource resolves a workflow's declared ComponentSource to
// a concrete digest, fetching and storing the bytes first if the source is
// a download or registry reference rather than an already-stored digest.
func (e *Engine) LoadComponentFromSource(ctx context.Context, source registry.ComponentSource) (envelope.ComponentDigest, error) {
	switch source.Kind {
	case registry.SourceDigest:
		if source.Digest == nil {
			return envelope.ComponentDigest{}, errors.New(errors.CodeMissingField, "component source missing digest", 0)
		}
		if has, err := e.blobs.Has(source.Digest.String()); err != nil {
			return envelope.ComponentDigest{}, err
		} else if !has {
			return envelope.ComponentDigest{}, errors.New(errors.CodeUnknownDigest,
				fmt.Sprintf("component digest %s not found in blob store", source.Digest), 0)
		}
		return *source.Digest, nil

	case registry.SourceDownload:
		return e.fetchAndStore(ctx, source.URL)

	case registry.SourceRegistry:
		return e.fetchAndStore(ctx, source.Registry)

	default:
		return envelope.ComponentDigest{}, errors.New(errors.CodeMissingField,
			fmt.Sprintf("unknown component source kind %q", source.Kind), 0)
	}
}

func (e *Engine) fetchAndStore(ctx context.Context, url string) (envelope.ComponentDigest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return envelope.ComponentDigest{}, errors.Wrap(errors.CodeTransport, "build component fetch request", 0, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return envelope.ComponentDigest{}, errors.Wrap(errors.CodeTransport, "fetch component", 0, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return envelope.ComponentDigest{}, errors.Wrap(errors.CodeTransport, "read component body", 0, err)
	}
	hash, err := e.blobs.Put(body)
	if err != nil {
		return envelope.ComponentDigest{}, err
	}
	return envelope.ParseComponentDigest(hash)
}

// run compiles/loads wf's component, instantiates a fresh sandboxed module
// instance scoped to one execution, invokes entryPoint with input, and
// returns its raw output bytes. Every execution gets its own module
// instance (compiled modules are cached and reused; instances are not) so
// concurrent executions of the same component never share linear memory.
func (e *Engine) run(ctx context.Context, svc registry.Service, wf registry.Workflow, entryPoint string, input []byte) (out []byte, runErr error) {
	start := time.Now()
	var execCtx *execContext
	var fuelAtStart int64
	defer func() {
		dur := time.Since(start)
		var fuelUsed int64
		if execCtx != nil {
			fuelUsed = fuelAtStart - execCtx.fuelRemaining
		}
		outcome := "success"
		if runErr != nil {
			outcome = "failure"
		}
		e.metrics.executionDuration.WithLabelValues(entryPoint).Observe(dur.Seconds())
		e.metrics.fuelConsumed.WithLabelValues(entryPoint).Observe(float64(fuelUsed))
		e.metrics.executionsTotal.WithLabelValues(entryPoint, outcome).Inc()
		e.stats.record(entryPoint, dur, fuelUsed, runErr != nil)
	}()

	digest, err := e.LoadComponentFromSource(ctx, wf.Component)
	if err != nil {
		return nil, err
	}
	compiled, err := e.LoadComponent(ctx, digest)
	if err != nil {
		return nil, err
	}

	fuel := wf.FuelLimit
	if fuel == 0 {
		fuel = DefaultFuelLimit
	}
	fuelAtStart = int64(fuel)

	bucket, err := e.kv.Namespace(svc.Id.String()).Open(string(wf.Id))
	if err != nil {
		return nil, errors.Wrap(errors.CodeStorageIO, "open workflow kv bucket", 0, err)
	}

	execCtx = &execContext{
		permissions:   wf.Permissions,
		kvBucket:      bucket,
		httpClient:    newHTTPClient(wf.Permissions),
		log:           e.log,
		fuelRemaining: int64(fuel),
	}

	deadlineCtx, cancel := withDeadline(ctx, wf.TimeLimitSecond)
	defer cancel()

	hostCloser, err := instantiateHostModule(deadlineCtx, e.runtime, execCtx)
	if err != nil {
		return nil, errors.Wrap(errors.CodeLinkerMismatch, "instantiate host module", 0, err)
	}
	defer hostCloser.Close(deadlineCtx)

	modCfg, err := buildModuleConfig(wf.Permissions, "")
	if err != nil {
		return nil, err
	}
	modCfg = modCfg.WithName(fmt.Sprintf("%s/%s", svc.Id, wf.Id))

	mod, err := e.runtime.InstantiateModule(deadlineCtx, compiled, modCfg)
	if err != nil {
		return nil, errors.Wrap(errors.CodeComponentTrap, "instantiate component", 0, err)
	}
	defer mod.Close(deadlineCtx)

	out, err = callEntryPoint(deadlineCtx, mod, entryPoint, input)
	if err != nil {
		if deadlineCtx.Err() != nil {
			return nil, errors.Wrap(errors.CodeDeadlineExceeded, fmt.Sprintf("%s exceeded its time limit", entryPoint), 0, err)
		}
		return nil, errors.Wrap(errors.CodeComponentTrap, fmt.Sprintf("invoke %s", entryPoint), 0, err)
	}
	return out, nil
}

// callEntryPoint hands input to the guest via its alloc export, invokes
// name, and reads back the packed (ptr<<32 | len) result.
func callEntryPoint(ctx context.Context, mod api.Module, name string, input []byte) ([]byte, error) {
	allocFn := mod.ExportedFunction(exportAlloc)
	if allocFn == nil {
		return nil, fmt.Errorf("component does not export %q", exportAlloc)
	}
	entryFn := mod.ExportedFunction(name)
	if entryFn == nil {
		return nil, fmt.Errorf("component does not export %q", name)
	}

	allocRes, err := allocFn.Call(ctx, uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("alloc: %w", err)
	}
	inPtr := uint32(allocRes[0])
	if len(input) > 0 && !mod.Memory().Write(inPtr, input) {
		return nil, fmt.Errorf("write input to guest memory: out of bounds at %d", inPtr)
	}

	packed, err := entryFn.Call(ctx, uint64(inPtr), uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	outPtr := uint32(packed[0] >> 32)
	outLen := uint32(packed[0])
	if outLen == 0 {
		return nil, nil
	}
	out, ok := mod.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("read output from guest memory: out of bounds at %d len %d", outPtr, outLen)
	}
	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

// operatorInput is what run_operator receives.
type operatorInput struct {
	Trigger envelope.TriggerAction `json:"trigger"`
}

// ExecuteOperator runs a workflow's operator entry point against a fired
// trigger action and wraps its response in a signable Envelope.
func (e *Engine) ExecuteOperator(ctx context.Context, svc registry.Service, wf registry.Workflow, action envelope.TriggerAction) (envelope.Envelope, error) {
	in, err := json.Marshal(operatorInput{Trigger: action})
	if err != nil {
		return envelope.Envelope{}, err
	}
	out, err := e.run(ctx, svc, wf, exportRunOperator, in)
	if err != nil {
		return envelope.Envelope{}, err
	}
	var resp envelope.OperatorResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return envelope.Envelope{}, errors.Wrap(errors.CodeComponentTrap, "decode operator response", 0, err)
	}
	var ordering uint64
	if resp.Ordering != nil {
		ordering = *resp.Ordering
	}
	return envelope.NewEnvelope(svc.Id, action, ordering, resp.Payload)
}

// AggregatorDecisionKind tags what the aggregator callback asked the node
// to do next, mirroring the three outcomes of the aggregator's WASM
// callback protocol.
type AggregatorDecisionKind string

const (
	AggregatorDecisionSubmit AggregatorDecisionKind = "submit"
	AggregatorDecisionTimer  AggregatorDecisionKind = "timer"
	AggregatorDecisionNoop   AggregatorDecisionKind = "noop"
)

// AggregatorOutput is the decoded return value of run_aggregator and
// run_timer_callback.
type AggregatorOutput struct {
	Decision          AggregatorDecisionKind `json:"decision"`
	TimerDelaySeconds uint32                 `json:"timer_delay_seconds,omitempty"`
}

type aggregatorInput struct {
	Envelope   envelope.Envelope      `json:"envelope"`
	Signatures envelope.SignatureData `json:"signatures"`
}

// ExecuteAggregator runs the aggregator component's main callback against
// the currently-accumulated signature set for one envelope.
func (e *Engine) ExecuteAggregator(ctx context.Context, svc registry.Service, wf registry.Workflow, env envelope.Envelope, sig envelope.SignatureData) (AggregatorOutput, error) {
	in, err := json.Marshal(aggregatorInput{Envelope: env, Signatures: sig})
	if err != nil {
		return AggregatorOutput{}, err
	}
	out, err := e.run(ctx, svc, wf, exportRunAggregator, in)
	if err != nil {
		return AggregatorOutput{}, err
	}
	var result AggregatorOutput
	if err := json.Unmarshal(out, &result); err != nil {
		return AggregatorOutput{}, errors.Wrap(errors.CodeComponentTrap, "decode aggregator decision", 0, err)
	}
	return result, nil
}

type timerCallbackInput struct {
	Envelope envelope.Envelope `json:"envelope"`
}

// ExecuteTimerCallback re-enters the aggregator component when a previously
// requested timer fires, giving it another chance to submit or re-arm.
func (e *Engine) ExecuteTimerCallback(ctx context.Context, svc registry.Service, wf registry.Workflow, env envelope.Envelope) (AggregatorOutput, error) {
	in, err := json.Marshal(timerCallbackInput{Envelope: env})
	if err != nil {
		return AggregatorOutput{}, err
	}
	out, err := e.run(ctx, svc, wf, exportRunTimer, in)
	if err != nil {
		return AggregatorOutput{}, err
	}
	var result AggregatorOutput
	if err := json.Unmarshal(out, &result); err != nil {
		return AggregatorOutput{}, errors.Wrap(errors.CodeComponentTrap, "decode timer callback decision", 0, err)
	}
	return result, nil
}

type submitCallbackInput struct {
	Envelope envelope.Envelope `json:"envelope"`
	TxHash   string            `json:"tx_hash"`
	Success  bool              `json:"success"`
}

// ExecuteSubmitCallback notifies a workflow's component of the outcome of
// an on-chain submission, letting it update its own state (e.g. record a
// completed round) before the next trigger fires.
func (e *Engine) ExecuteSubmitCallback(ctx context.Context, svc registry.Service, wf registry.Workflow, env envelope.Envelope, result chain.SendResult, success bool) error {
	in, err := json.Marshal(submitCallbackInput{Envelope: env, TxHash: result.TxHash, Success: success})
	if err != nil {
		return err
	}
	_, err = e.run(ctx, svc, wf, exportRunSubmitResult, in)
	return err
}
