package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/avs-mesh/wavsnode/internal/envelope"
)

type execAggregatorResult struct {
	Decision string
	Timer    uint32
}

func (r execAggregatorResult) String() string {
	s := fmt.Sprintf("Decision: \n%s", r.Decision)
	if r.Timer > 0 {
		s += fmt.Sprintf("\n\nTimer delay (seconds): \n%d", r.Timer)
	}
	return s
}

// packetFile is the on-disk shape --packet reads: an envelope plus the
// signer/signature set accumulated so far, the same pair ExecuteAggregator
// takes, serialized standalone (a full envelope.Packet also carries origin
// tx/service fields this command has no use for).
type packetFile struct {
	Envelope   envelope.Envelope      `json:"envelope"`
	Signatures envelope.SignatureData `json:"signatures"`
}

// execAggregator runs a workflow's WASM aggregator component locally
// against one envelope+signature-set snapshot, the local test-execution
// path for aggregator logic mirrored from the reference CLI's
// exec-aggregator.
func (c *cliContext) execAggregator(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("exec-aggregator", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	componentPath := fs.String("component", "", "path to the WASM aggregator component to run (required)")
	packetPath := fs.String("packet", "", "path to a JSON file with {envelope, signatures} (required)")
	fuelLimit := fs.Uint64("fuel-limit", 0, "fuel limit (0 = engine default)")
	timeLimit := fs.Uint("time-limit", 0, "time limit in seconds (0 = engine default)")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if *componentPath == "" || *packetPath == "" {
		return usageError(errors.New("--component and --packet are required"))
	}

	wasmBytes, err := os.ReadFile(*componentPath)
	if err != nil {
		return fmt.Errorf("read component %q: %w", *componentPath, err)
	}
	packetJSON, err := os.ReadFile(*packetPath)
	if err != nil {
		return fmt.Errorf("read packet %q: %w", *packetPath, err)
	}
	var pkt packetFile
	if err := json.Unmarshal(packetJSON, &pkt); err != nil {
		return fmt.Errorf("decode packet %q: %w", *packetPath, err)
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

	out, err := eng.ExecuteAggregator(ctx, svc, wf, pkt.Envelope, pkt.Signatures)
	if err != nil {
		return fmt.Errorf("execute aggregator: %w", err)
	}

	c.report(execAggregatorResult{Decision: string(out.Decision), Timer: out.TimerDelaySeconds})
	return nil
}
