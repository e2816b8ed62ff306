package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
)

type uploadResult struct {
	Digest string
}

func (r uploadResult) String() string {
	return fmt.Sprintf("Digest: %s", r.Digest)
}

func (c *cliContext) upload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	componentPath := fs.String("component", "", "path to the WASM component to upload (required)")
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

	data, err := c.client.requestRaw(ctx, http.MethodPost, "/upload", bytes.NewReader(wasmBytes), "application/octet-stream")
	if err != nil {
		return err
	}

	if c.jsonOut {
		prettyPrint(data)
		return nil
	}
	var payload struct {
		Digest string `json:"digest"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode upload response: %w", err)
	}
	c.report(uploadResult{Digest: payload.Digest})
	return nil
}
