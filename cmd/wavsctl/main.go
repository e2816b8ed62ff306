// Command wavsctl is the node operator's CLI: upload components, deploy and
// register services, fire test triggers, and run components locally without
// a node, against the same on-disk stores and engine the daemon uses.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	root := flag.NewFlagSet("wavsctl", flag.ContinueOnError)
	root.SetOutput(io.Discard)

	home := root.String("home", getenv("WAVS_HOME", "."), "base directory for the deployment file and default --data")
	dataDir := root.String("data", "", "node data directory (defaults to <home>/data)")
	addr := root.String("addr", getenv("WAVS_NODE_ADDR", "http://localhost:8000"), "node admin API base URL")
	jsonOut := root.Bool("json", false, "print raw JSON instead of a human summary")
	quietResults := root.Bool("quiet-results", false, "suppress the human-readable result summary")
	saveDeployment := root.Bool("save-deployment", true, "persist service ids/addresses to the deployment file")
	timeout := root.Duration("timeout", 30*time.Second, "HTTP request timeout")

	if err := root.Parse(args); err != nil {
		return usageError(err)
	}
	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}
	if *dataDir == "" {
		*dataDir = filepath.Join(*home, "data")
	}

	cli := &cliContext{
		client:         newAPIClient(*addr, *timeout),
		home:           *home,
		dataDir:        *dataDir,
		jsonOut:        *jsonOut,
		quietResults:   *quietResults,
		saveDeployment: *saveDeployment,
	}

	switch remaining[0] {
	case "upload":
		return cli.upload(ctx, remaining[1:])
	case "deploy-service":
		return cli.deployService(ctx, remaining[1:])
	case "add-task":
		return cli.addTask(ctx, remaining[1:])
	case "exec-component":
		return cli.execComponent(ctx, remaining[1:])
	case "exec-aggregator":
		return cli.execAggregator(ctx, remaining[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

// cliContext carries the flags every subcommand needs: where to read/write
// the local deployment record, how to reach a running node, and how noisy
// to be about results.
type cliContext struct {
	client         *apiClient
	home           string
	dataDir        string
	jsonOut        bool
	quietResults   bool
	saveDeployment bool
}

func (c *cliContext) report(result fmt.Stringer) {
	if c.quietResults {
		return
	}
	fmt.Println(result.String())
}

func usageError(err error) error {
	printRootUsage()
	return err
}

func printRootUsage() {
	fmt.Println(`wavsctl - AVS node operator CLI

Usage:
  wavsctl [global flags] <command> [flags]

Global Flags:
  --home            base directory for the deployment file (env WAVS_HOME, default .)
  --data            node data directory (default <home>/data)
  --addr            node admin API base URL (env WAVS_NODE_ADDR, default http://localhost:8000)
  --json            print raw JSON instead of a human summary
  --quiet-results   suppress the human-readable result summary
  --save-deployment persist service ids/addresses to the deployment file (default true)
  --timeout         HTTP request timeout (default 30s)

Commands:
  upload            upload a WASM component, print its digest
  deploy-service     register a service JSON file with a running node
  add-task          fire a manual test trigger against a deployed service's component
  exec-component    run a WASM component locally against the engine, no node required
  exec-aggregator   run a WASM aggregator component locally against an envelope+signatures
  help              show this message`)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
