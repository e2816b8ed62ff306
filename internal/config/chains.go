package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/avs-mesh/wavsnode/internal/envelope"
)

// ChainKind selects which chain.Client implementation a ChainEntry dials.
type ChainKind string

const (
	ChainKindEVM    ChainKind = "evm"
	ChainKindCosmos ChainKind = "cosmos"
)

// ChainEntry describes one configured chain: its client kind, one or more
// RPC endpoints (fed to a chain.Pool when there is more than one), and the
// re-org confirmation depth the aggregator (C8) requires before counting a
// packet toward quorum.
type ChainEntry struct {
	Name              string    `yaml:"name"`
	Kind              ChainKind `yaml:"kind"`
	RPCEndpoints      []string  `yaml:"rpc_endpoints"`
	WSURL             string    `yaml:"ws_url"`
	ConfirmationDepth uint64    `yaml:"confirmation_depth"`
}

// ChainKey builds the envelope.ChainKey this entry is addressed by:
// `<kind>:<name>`, e.g. "evm:1" or "cosmos:layer".
func (e ChainEntry) ChainKey() (envelope.ChainKey, error) {
	return envelope.ParseChainKey(string(e.Kind) + ":" + e.Name)
}

// ChainsFile is the parsed form of chains.yaml, the chain registry
// supplemented from original_source's config loading: every chain the node
// talks to, its RPC endpoint(s), and its confirmation policy, loaded once at
// startup the way the teacher loads infrastructure/config/services.go.
type ChainsFile struct {
	Chains []ChainEntry `yaml:"chains"`
}

// LoadChains reads and validates a chains.yaml file.
func LoadChains(path string) (*ChainsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chains file %q: %w", path, err)
	}
	var cf ChainsFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse chains file %q: %w", path, err)
	}
	if len(cf.Chains) == 0 {
		return nil, fmt.Errorf("chains file %q: no chains configured", path)
	}
	seen := make(map[string]bool, len(cf.Chains))
	for i, entry := range cf.Chains {
		if entry.Kind != ChainKindEVM && entry.Kind != ChainKindCosmos {
			return nil, fmt.Errorf("chains file %q: entry %d: kind must be %q or %q, got %q", path, i, ChainKindEVM, ChainKindCosmos, entry.Kind)
		}
		if len(entry.RPCEndpoints) == 0 {
			return nil, fmt.Errorf("chains file %q: entry %d (%s): at least one rpc endpoint required", path, i, entry.Name)
		}
		key, err := entry.ChainKey()
		if err != nil {
			return nil, fmt.Errorf("chains file %q: entry %d: %w", path, i, err)
		}
		if seen[key.String()] {
			return nil, fmt.Errorf("chains file %q: duplicate chain %q", path, key.String())
		}
		seen[key.String()] = true
	}
	return &cf, nil
}

// WSURLs reduces the chains file to the ChainKey.String() -> ws_url map the
// trigger manager (C6) uses to probe liveness before a costly resubscribe;
// chains with no configured ws_url are omitted, letting the trigger manager
// skip the probe and redial unconditionally for them.
func (cf *ChainsFile) WSURLs() map[string]string {
	out := make(map[string]string, len(cf.Chains))
	for _, entry := range cf.Chains {
		if entry.WSURL == "" {
			continue
		}
		key, err := entry.ChainKey()
		if err != nil {
			continue
		}
		out[key.String()] = entry.WSURL
	}
	return out
}

// ConfirmationDepths reduces the chains file to the
// ChainKey.String() -> ConfirmationDepth map the aggregator (C8) expects,
// defaulting absent/zero entries to 1 (the reference implementation's
// default finality policy).
func (cf *ChainsFile) ConfirmationDepths() map[string]uint64 {
	out := make(map[string]uint64, len(cf.Chains))
	for _, entry := range cf.Chains {
		key, err := entry.ChainKey()
		if err != nil {
			continue
		}
		depth := entry.ConfirmationDepth
		if depth == 0 {
			depth = 1
		}
		out[key.String()] = depth
	}
	return out
}
