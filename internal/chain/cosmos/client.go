// Package cosmos implements the Cosmos variant of the chain client (C3)
// over cometbft's RPC HTTP client: block/event queries, tx broadcast, and
// ABCI queries against a service manager module.
package cosmos

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	coretypes "github.com/cometbft/cometbft/rpc/core/types"
	comettypes "github.com/cometbft/cometbft/types"

	"github.com/avs-mesh/wavsnode/internal/chain"
	"github.com/avs-mesh/wavsnode/internal/envelope"
	"github.com/avs-mesh/wavsnode/internal/errors"
)

// poolMaxRetries bounds how many alternate endpoints ExecuteWithFailover
// tries for a single call before giving up.
const poolMaxRetries = 2

// Client is the Cosmos chain client for one configured chain.
type Client struct {
	chainKey envelope.ChainKey
	rpc      *rpchttp.HTTP // primary connection; backs subscriptions and the no-pool path
	pool     *chain.Pool   // optional; when set, call-level RPC ops resolve per-call via failover
	dialed   sync.Map      // url string -> *rpchttp.HTTP, lazily dialed/cached for pool endpoints
	signer   *txSigner
}

type txSigner struct {
	address string
	signFn  func(digest [32]byte) ([]byte, error)
}

// Config configures a Cosmos Client. Pool, when set, takes over read/write
// RPC calls (everything except live subscriptions): each call resolves its
// endpoint fresh via the pool's health-tracked failover rather than pinning
// RPCURL for the client's lifetime.
type Config struct {
	ChainKey envelope.ChainKey
	RPCURL   string
	Pool     *chain.Pool
	Address  string
	SignFn   func(digest [32]byte) ([]byte, error)
}

// Dial connects to a CometBFT RPC endpoint.
func Dial(cfg Config) (*Client, error) {
	primaryURL := cfg.RPCURL
	if cfg.Pool != nil {
		if ep, err := cfg.Pool.Best(); err == nil && ep != nil {
			primaryURL = ep.URL
		}
	}
	rpc, err := rpchttp.New(primaryURL, "/websocket")
	if err != nil {
		return nil, errors.Wrap(errors.CodeParseEndpoint, "dial cosmos rpc", 0, err)
	}
	c := &Client{chainKey: cfg.ChainKey, rpc: rpc, pool: cfg.Pool}
	if primaryURL != "" {
		c.dialed.Store(primaryURL, rpc)
	}
	if cfg.SignFn != nil {
		c.signer = &txSigner{address: cfg.Address, signFn: cfg.SignFn}
	}
	return c, nil
}

func (c *Client) Chain() envelope.ChainKey { return c.chainKey }

// rpcClientFor lazily dials (and caches) an rpchttp.HTTP for a pool endpoint
// URL, so repeated calls to the same endpoint reuse one connection.
func (c *Client) rpcClientFor(url string) (*rpchttp.HTTP, error) {
	if v, ok := c.dialed.Load(url); ok {
		return v.(*rpchttp.HTTP), nil
	}
	cl, err := rpchttp.New(url, "/websocket")
	if err != nil {
		return nil, errors.Wrap(errors.CodeTransport, "dial cosmos rpc endpoint", 0, err)
	}
	c.dialed.Store(url, cl)
	return cl, nil
}

// withRPC runs fn against the pool's best/failover endpoint when a Pool is
// configured, or directly against the single pinned connection otherwise.
func (c *Client) withRPC(ctx context.Context, fn func(*rpchttp.HTTP) error) error {
	if c.pool == nil {
		return fn(c.rpc)
	}
	return c.pool.ExecuteWithFailover(ctx, poolMaxRetries, func(url string) error {
		cl, err := c.rpcClientFor(url)
		if err != nil {
			return err
		}
		return fn(cl)
	})
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var status *coretypes.ResultStatus
	err := c.withRPC(ctx, func(rpc *rpchttp.HTTP) error {
		var err error
		status, err = rpc.Status(ctx)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(errors.CodeTransport, "cosmos status", 0, err)
	}
	return uint64(status.SyncInfo.LatestBlockHeight), nil
}

func (c *Client) CodeAt(ctx context.Context, address string) ([]byte, error) {
	var resp *coretypes.ResultABCIQuery
	err := c.withRPC(ctx, func(rpc *rpchttp.HTTP) error {
		var err error
		resp, err = rpc.ABCIQuery(ctx, "/store/wasm/key", []byte(address))
		return err
	})
	if err != nil {
		return nil, errors.Wrap(errors.CodeTransport, "cosmos abci query code", 0, err)
	}
	if resp.Response.Code != 0 {
		return nil, errors.New(errors.CodeNotFound, fmt.Sprintf("contract %s not found: %s", address, resp.Response.Log), 0)
	}
	return resp.Response.Value, nil
}

func (c *Client) SubscribeLogs(ctx context.Context, query chain.LogQuery) (<-chan chain.Log, <-chan error, error) {
	filter := fmt.Sprintf("wasm.contract_address='%s'", query.Address)
	eventCh, err := c.rpc.Subscribe(ctx, "wavsnode", filter)
	if err != nil {
		return nil, nil, errors.Wrap(errors.CodeTransport, "subscribe cosmos events", 0, err)
	}

	out := make(chan chain.Log)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer c.rpc.Unsubscribe(context.Background(), "wavsnode", filter) //nolint:errcheck
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-eventCh:
				if !ok {
					return
				}
				log, convErr := toChainLog(ev)
				if convErr != nil {
					errs <- convErr
					continue
				}
				out <- log
			}
		}
	}()
	return out, errs, nil
}

func toChainLog(ev coretypes.ResultEvent) (chain.Log, error) {
	attrs := make(map[string]string, len(ev.Events))
	for key, values := range ev.Events {
		if len(values) > 0 {
			attrs[key] = values[0]
		}
	}
	return chain.Log{
		Address: attrs["wasm.contract_address"],
		Data:    []byte(attrs["wasm.event_type"]),
	}, nil
}

func (c *Client) SubscribeBlocks(ctx context.Context) (<-chan envelope.BlockData, <-chan error, error) {
	eventCh, err := c.rpc.Subscribe(ctx, "wavsnode", "tm.event='NewBlock'")
	if err != nil {
		return nil, nil, errors.Wrap(errors.CodeTransport, "subscribe cosmos blocks", 0, err)
	}
	out := make(chan envelope.BlockData)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer c.rpc.Unsubscribe(context.Background(), "wavsnode", "tm.event='NewBlock'") //nolint:errcheck
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-eventCh:
				if !ok {
					return
				}
				nb, ok := ev.Data.(comettypes.EventDataNewBlock)
				if !ok {
					continue
				}
				out <- envelope.BlockData{
					Height: uint64(nb.Block.Height),
					Time:   nb.Block.Time.Unix(),
				}
			}
		}
	}()
	return out, errs, nil
}

// Status codes in the validate query response's leading byte, mirroring the
// original WavsValidateResult/WavsValidateError enum's variant order.
const (
	cosmosValidateOk                     = 0
	cosmosValidateInvalidSignatureLength = 1
	cosmosValidateInvalidSignatureBlock  = 2
	cosmosValidateInvalidSignatureOrder  = 3
	cosmosValidateInvalidSignature       = 4
	cosmosValidateInsufficientQuorum     = 5
	cosmosValidateInvalidQuorumParams    = 6
)

func cosmosOutcomeFor(status byte) chain.ValidateOutcome {
	switch status {
	case cosmosValidateOk:
		return chain.ValidateOk
	case cosmosValidateInvalidSignatureLength:
		return chain.ValidateInvalidSignatureLength
	case cosmosValidateInvalidSignatureBlock:
		return chain.ValidateInvalidSignatureBlock
	case cosmosValidateInvalidSignatureOrder:
		return chain.ValidateInvalidSignatureOrder
	case cosmosValidateInsufficientQuorum:
		return chain.ValidateInsufficientQuorum
	case cosmosValidateInvalidQuorumParams:
		return chain.ValidateInvalidQuorumParams
	default:
		return chain.ValidateInvalidSignature
	}
}

// Validate queries the service manager contract's quorum-check entry point
// via ABCI query, smart-contract-agnostic at this layer: the query path and
// payload shape are determined by managerAddress's registered module. The
// response is a status byte followed, for InsufficientQuorum only, by three
// big-endian uint64 quorum weights (signer, threshold, total).
func (c *Client) Validate(ctx context.Context, managerAddress string, env envelope.Envelope, sig envelope.SignatureData, referenceBlock uint64) (chain.ValidateResult, error) {
	encoded, err := env.Encode()
	if err != nil {
		return chain.ValidateResult{}, errors.Wrap(errors.CodeEncodeEnvelope, "encode envelope", 0, err)
	}
	var resp *coretypes.ResultABCIQuery
	queryErr := c.withRPC(ctx, func(rpc *rpchttp.HTTP) error {
		var err error
		resp, err = rpc.ABCIQuery(ctx, fmt.Sprintf("/custom/%s/validate", managerAddress), encoded)
		return err
	})
	if queryErr != nil {
		return chain.ValidateResult{}, errors.Wrap(errors.CodeTransport, "cosmos validate query", 0, queryErr)
	}
	if resp.Response.Code != 0 || len(resp.Response.Value) < 1 {
		return chain.ValidateResult{}, errors.New(errors.CodeTransport, fmt.Sprintf("validate query rejected: %s", resp.Response.Log), 0)
	}

	value := resp.Response.Value
	vr := chain.ValidateResult{Outcome: cosmosOutcomeFor(value[0])}
	if vr.Outcome == chain.ValidateInsufficientQuorum && len(value) >= 25 {
		vr.Quorum = chain.QuorumWeights{
			SignerWeight:    binary.BigEndian.Uint64(value[1:9]),
			ThresholdWeight: binary.BigEndian.Uint64(value[9:17]),
			TotalWeight:     binary.BigEndian.Uint64(value[17:25]),
		}
	}
	return vr, nil
}

// ServiceURI queries the service manager contract's published service-JSON
// location, the CosmWasm mirror of IWavsServiceManager's URI getter
// (WavsServiceUri).
func (c *Client) ServiceURI(ctx context.Context, managerAddress string) (string, error) {
	var resp *coretypes.ResultABCIQuery
	err := c.withRPC(ctx, func(rpc *rpchttp.HTTP) error {
		var err error
		resp, err = rpc.ABCIQuery(ctx, fmt.Sprintf("/custom/%s/service_uri", managerAddress), nil)
		return err
	})
	if err != nil {
		return "", errors.Wrap(errors.CodeTransport, "cosmos service_uri query", 0, err)
	}
	if resp.Response.Code != 0 {
		return "", errors.New(errors.CodeTransport, fmt.Sprintf("service_uri query rejected: %s", resp.Response.Log), 0)
	}
	return string(resp.Response.Value), nil
}

// Submit signs envelopeDigest (SHA-256 of the ABI-encoded envelope) with
// signer.signFn and broadcasts the encoded envelope followed by that raw
// signature as one transaction. The operators' SignatureData is not
// included in the broadcast bytes.
func (c *Client) Submit(ctx context.Context, managerAddress string, env envelope.Envelope, sig envelope.SignatureData) (chain.SendResult, error) {
	if c.signer == nil {
		return chain.SendResult{}, errors.New(errors.CodeMissingSigner, "cosmos client has no signer configured", 0)
	}
	encoded, err := env.Encode()
	if err != nil {
		return chain.SendResult{}, errors.Wrap(errors.CodeEncodeEnvelope, "encode envelope", 0, err)
	}
	digest := envelopeDigest(encoded)
	rawSig, err := c.signer.signFn(digest)
	if err != nil {
		return chain.SendResult{}, errors.Wrap(errors.CodeSignFailed, "sign cosmos submit tx", 0, err)
	}
	txBytes := append(append([]byte{}, encoded...), rawSig...)

	var result *coretypes.ResultBroadcastTx
	broadcastErr := c.withRPC(ctx, func(rpc *rpchttp.HTTP) error {
		var err error
		result, err = rpc.BroadcastTxSync(ctx, comettypes.Tx(txBytes))
		return err
	})
	if broadcastErr != nil {
		return chain.SendResult{}, errors.Wrap(errors.CodeTransport, "broadcast tx", 0, broadcastErr)
	}
	if result.Code != 0 {
		return chain.SendResult{}, errors.New(errors.CodeAggregatorPost, fmt.Sprintf("broadcast rejected: %s", result.Log), 0)
	}
	return chain.SendResult{TxHash: hex.EncodeToString(result.Hash)}, nil
}

func (c *Client) WatchInclusion(ctx context.Context, txHash string) (uint64, error) {
	hashBytes, err := hex.DecodeString(txHash)
	if err != nil {
		return 0, errors.New(errors.CodeTransport, "invalid tx hash", 0)
	}
	for {
		var result *coretypes.ResultTx
		err := c.withRPC(ctx, func(rpc *rpchttp.HTTP) error {
			var err error
			result, err = rpc.Tx(ctx, hashBytes, false)
			return err
		})
		if err == nil {
			return uint64(result.Height), nil
		}
		select {
		case <-ctx.Done():
			return 0, errors.Wrap(errors.CodeTransport, "watch inclusion: context done", 0, ctx.Err())
		case <-time.After(watchPollInterval):
		}
	}
}

const watchPollInterval = 2 * time.Second

// envelopeDigest is the SHA-256 digest of the ABI-encoded envelope, the
// payload Cosmos module signers actually sign over.
func envelopeDigest(encoded []byte) [32]byte {
	return sha256.Sum256(encoded)
}
