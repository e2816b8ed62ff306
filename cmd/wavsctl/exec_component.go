package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/avs-mesh/wavsnode/internal/blobstore"
	"github.com/avs-mesh/wavsnode/internal/chain"
	"github.com/avs-mesh/wavsnode/internal/engine"
	"github.com/avs-mesh/wavsnode/internal/envelope"
	"github.com/avs-mesh/wavsnode/internal/kvstore"
	"github.com/avs-mesh/wavsnode/internal/registry"
)

type execComponentResult struct {
	Payload  []byte
	FuelUsed int64
	Elapsed  time.Duration
}

func (r execComponentResult) String() string {
	s := fmt.Sprintf("Fuel used: \n%d\n\nTime elapsed: \n%s", r.FuelUsed, r.Elapsed)
	s += fmt.Sprintf("\n\nResult (hex encoded): \n%s", hex.EncodeToString(r.Payload))
	if isPrintableUTF8(r.Payload) {
		s += fmt.Sprintf("\n\nResult (utf8): \n%s", r.Payload)
	}
	return s
}

// execComponent runs one WASM component directly against a fresh engine
// instance rooted at --data, bypassing the registry and the running node
// entirely: the operator entry point's local test-execution path, mirrored
// from the reference CLI's exec-component.
func (c *cliContext) execComponent(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("exec-component", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	componentPath := fs.String("component", "", "path to the WASM component to run (required)")
	input := fs.String("input", "", "trigger input: literal string, 0x-hex, or @file")
	fuelLimit := fs.Uint64("fuel-limit", 0, "fuel limit (0 = engine default)")
	timeLimit := fs.Uint("time-limit", 0, "time limit in seconds (0 = engine default)")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if *componentPath == "" {
		return usageError(errors.New("--component is required"))
	}

	wasmBytes, err := os.ReadFile(*componentPath)
	if err != nil {
		return fmt.Errorf("read component %q: %w", *componentPath, err)
	}
	inputBytes, err := decodeInput(*input)
	if err != nil {
		return err
	}

	eng, closeFn, err := c.openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	digest, err := eng.StoreComponentBytes(wasmBytes)
	if err != nil {
		return fmt.Errorf("store component: %w", err)
	}

	svc, wf := execHarness(digest, *fuelLimit, uint32(*timeLimit))

	action := envelope.TriggerAction{
		Config: envelope.TriggerConfig{
			ServiceId:  svc.Id,
			WorkflowId: wf.Id,
			Trigger:    wf.Trigger,
		},
		Data: envelope.TriggerData{Kind: envelope.TriggerDataRaw, Raw: inputBytes},
	}

	start := time.Now()
	env, err := eng.ExecuteOperator(ctx, svc, wf, action)
	elapsed := time.Since(start)
	if err != nil {
		return fmt.Errorf("execute component: %w", err)
	}

	stats := eng.Stats()["run_operator"]
	c.report(execComponentResult{Payload: env.Payload, FuelUsed: stats.LastFuelUsed, Elapsed: elapsed})
	return nil
}

// execHarness builds the ephemeral single-workflow service every exec-*
// command runs its component against: a manual trigger, no submission
// target, outbound HTTP to any host and no file_system grant (the engine
// mounts no working directory, so a file_system grant would fail every
// run). This is a local test run, not a deployed service subject to the
// capability-gating invariants.
func execHarness(digest envelope.ComponentDigest, fuelLimit uint64, timeLimitSeconds uint32) (registry.Service, registry.Workflow) {
	wf := registry.Workflow{
		Id:      envelope.DefaultWorkflowId,
		Trigger: envelope.Trigger{Kind: envelope.TriggerManual},
		Component: registry.ComponentSource{
			Kind:   registry.SourceDigest,
			Digest: &digest,
		},
		Permissions: registry.Permissions{
			AllowedHTTPHosts: []string{"*"},
		},
		SubmitKind:      envelope.SignatureKind{Algorithm: envelope.AlgorithmSecp256k1, Prefix: envelope.PrefixEip191},
		FuelLimit:       fuelLimit,
		TimeLimitSecond: timeLimitSeconds,
	}
	svc := registry.Service{
		Name:   "exec-service",
		Active: true,
		Manager: envelope.ServiceManagerRef{
			Chain:   envelope.ChainKey{Namespace: "evm", Reference: "exec"},
			Address: "0x0000000000000000000000000000000000000000",
		},
		Workflows: map[envelope.WorkflowId]registry.Workflow{wf.Id: wf},
	}
	return svc, wf
}

// openEngine builds a standalone Engine rooted at --data, with no chain
// clients and no metrics registerer: exec-* commands are one-shot local
// runs, not a long-lived node process.
func (c *cliContext) openEngine(ctx context.Context) (*engine.Engine, func(), error) {
	if err := os.MkdirAll(c.dataDir, 0o755); err != nil {
		return nil, nil, err
	}
	blobs, err := blobstore.Open(filepath.Join(c.dataDir, "blobs.db"))
	if err != nil {
		return nil, nil, err
	}
	kv, err := kvstore.Open(filepath.Join(c.dataDir, "kv.db"))
	if err != nil {
		blobs.Close()
		return nil, nil, err
	}
	eng, err := engine.New(ctx, engine.Config{Blobs: blobs, KV: kv, Chains: map[string]chain.Client{}})
	if err != nil {
		kv.Close()
		blobs.Close()
		return nil, nil, err
	}
	closeFn := func() {
		eng.Close(ctx)
		kv.Close()
		blobs.Close()
	}
	return eng, closeFn, nil
}

func isPrintableUTF8(b []byte) bool {
	return utf8.Valid(b)
}
