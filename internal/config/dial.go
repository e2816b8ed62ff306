package config

import (
	"context"
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/avs-mesh/wavsnode/internal/chain"
	"github.com/avs-mesh/wavsnode/internal/chain/cosmos"
	"github.com/avs-mesh/wavsnode/internal/chain/evm"
)

// ChainSigner supplies the relayer identity a chain client uses to sign and
// pay for its own submission transactions — distinct from the per-service
// operator signature the submission manager (C7) embeds inside the
// envelope's calldata.
type ChainSigner struct {
	EVMAddress    ethcommon.Address
	CosmosAddress string
	SignFn        func(digest [32]byte) ([]byte, error)
}

// DialClients dials a chain.Client for every chains.yaml entry. An entry
// with more than one rpc_endpoints entry gets a chain.Pool with
// protocol-appropriate health checking (evm.Ping / cosmos.Ping) so reads and
// submissions fail over across endpoints rather than pinning the first one
// for the client's lifetime (the rpc-pool supplemented feature). signers,
// keyed by ChainKey.String(), supplies this node's transaction-signing
// identity per chain; a chain absent from signers dials read-only.
func DialClients(ctx context.Context, cf *ChainsFile, signers map[string]ChainSigner) (map[string]chain.Client, error) {
	clients := make(map[string]chain.Client, len(cf.Chains))
	for _, entry := range cf.Chains {
		key, err := entry.ChainKey()
		if err != nil {
			return nil, err
		}
		signer := signers[key.String()]

		var pool *chain.Pool
		if len(entry.RPCEndpoints) > 1 {
			pcfg := chain.DefaultPoolConfig()
			pcfg.Endpoints = entry.RPCEndpoints
			switch entry.Kind {
			case ChainKindEVM:
				pcfg.Ping = evm.Ping
			case ChainKindCosmos:
				pcfg.Ping = cosmos.Ping
			}
			pool, err = chain.NewPool(pcfg)
			if err != nil {
				return nil, fmt.Errorf("chain %s: build rpc pool: %w", key.String(), err)
			}
			pool.Start(ctx)
		}

		switch entry.Kind {
		case ChainKindEVM:
			cl, err := evm.Dial(ctx, evm.Config{
				ChainKey: key,
				RPCURL:   entry.RPCEndpoints[0],
				Pool:     pool,
				Address:  signer.EVMAddress,
				SignFn:   signer.SignFn,
			})
			if err != nil {
				return nil, fmt.Errorf("chain %s: %w", key.String(), err)
			}
			clients[key.String()] = cl
		case ChainKindCosmos:
			cl, err := cosmos.Dial(cosmos.Config{
				ChainKey: key,
				RPCURL:   entry.RPCEndpoints[0],
				Pool:     pool,
				Address:  signer.CosmosAddress,
				SignFn:   signer.SignFn,
			})
			if err != nil {
				return nil, fmt.Errorf("chain %s: %w", key.String(), err)
			}
			clients[key.String()] = cl
		default:
			return nil, fmt.Errorf("chain %s: unknown kind %q", key.String(), entry.Kind)
		}
	}
	return clients, nil
}
