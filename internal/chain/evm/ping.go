package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Ping is the cheapest EVM JSON-RPC health check: eth_blockNumber, ignoring
// the result beyond "did the node answer with no error field". It satisfies
// chain.PoolConfig.Ping for an EVM-backed Pool.
func Ping(ctx context.Context, client *http.Client, url string) error {
	body, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "eth_blockNumber",
		"params":  []interface{}{},
		"id":      1,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("evm ping %s: unexpected status %d", url, resp.StatusCode)
	}
	var decoded struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return err
	}
	if decoded.Error != nil {
		return fmt.Errorf("evm ping %s: %s", url, decoded.Error.Message)
	}
	return nil
}
