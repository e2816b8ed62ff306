package cosmos

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Ping is the cheapest CometBFT RPC health check: GET /status, ignoring the
// body beyond a 200 response. It satisfies chain.PoolConfig.Ping for a
// Cosmos-backed Pool.
func Ping(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(url, "/")+"/status", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cosmos ping %s: unexpected status %d", url, resp.StatusCode)
	}
	return nil
}
