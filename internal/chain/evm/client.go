// Package evm implements the EVM variant of the chain client (C3): reads
// over JSON-RPC/websocket via go-ethereum's ethclient, transaction signing
// via go-ethereum/core/types + go-ethereum/crypto, and nonce discipline
// pinned to a (provider, address) pair.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	ethaccounts "github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/avs-mesh/wavsnode/internal/chain"
	"github.com/avs-mesh/wavsnode/internal/envelope"
	"github.com/avs-mesh/wavsnode/internal/errors"
)

// poolMaxRetries bounds how many alternate endpoints ExecuteWithFailover
// tries for a single call before giving up.
const poolMaxRetries = 2

// Client is the EVM chain client for one configured chain.
type Client struct {
	chainKey envelope.ChainKey
	rpc      *ethclient.Client // primary connection; backs subscriptions and the no-pool path
	pool     *chain.Pool       // optional; when set, call-level RPC ops resolve per-call via failover
	dialed   sync.Map          // url string -> *ethclient.Client, lazily dialed/cached for pool endpoints
	signer   *txSigner

	// nonce is the locally-tracked, atomically incremented nonce for the
	// pinned signing account; populated lazily from the on-chain nonce on
	// first use (§4.3's nonce discipline). -1 means "not yet fetched".
	nonce atomic.Int64
}

// txSigner pairs the pinned signing address with a callback that produces a
// 65-byte [R || S || V] signature over an arbitrary 32-byte digest. Keeping
// the private key out of this package lets the submission manager's
// HD-derived signer (C7) own key material exclusively.
type txSigner struct {
	address ethcommon.Address
	signFn  func(digest [32]byte) ([]byte, error)
}

// Config configures an EVM Client. Pool, when set, takes over read/write RPC
// calls (everything except live subscriptions): each call resolves its
// endpoint fresh via the pool's health-tracked failover rather than pinning
// RPCURL for the client's lifetime. RPCURL still seeds the single connection
// subscriptions run over, and is used directly when Pool is nil.
type Config struct {
	ChainKey envelope.ChainKey
	RPCURL   string
	Pool     *chain.Pool
	Address  ethcommon.Address
	SignFn   func(digest [32]byte) ([]byte, error)
}

// Dial connects to an EVM JSON-RPC endpoint (http:// or ws://).
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	primaryURL := cfg.RPCURL
	if cfg.Pool != nil {
		if ep, err := cfg.Pool.Best(); err == nil && ep != nil {
			primaryURL = ep.URL
		}
	}
	rpc, err := ethclient.DialContext(ctx, primaryURL)
	if err != nil {
		return nil, errors.Wrap(errors.CodeParseEndpoint, "dial evm rpc", 0, err)
	}
	c := &Client{chainKey: cfg.ChainKey, rpc: rpc, pool: cfg.Pool}
	if primaryURL != "" {
		c.dialed.Store(primaryURL, rpc)
	}
	if cfg.SignFn != nil {
		c.signer = &txSigner{address: cfg.Address, signFn: cfg.SignFn}
	}
	c.nonce.Store(-1)
	return c, nil
}

func (c *Client) Chain() envelope.ChainKey { return c.chainKey }

// rpcClientFor lazily dials (and caches) an ethclient.Client for a pool
// endpoint URL, so repeated calls to the same endpoint reuse one connection.
func (c *Client) rpcClientFor(ctx context.Context, url string) (*ethclient.Client, error) {
	if v, ok := c.dialed.Load(url); ok {
		return v.(*ethclient.Client), nil
	}
	cl, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, errors.Wrap(errors.CodeTransport, "dial evm rpc endpoint", 0, err)
	}
	c.dialed.Store(url, cl)
	return cl, nil
}

// withRPC runs fn against the pool's best/failover endpoint when a Pool is
// configured, or directly against the single pinned connection otherwise.
func (c *Client) withRPC(ctx context.Context, fn func(*ethclient.Client) error) error {
	if c.pool == nil {
		return fn(c.rpc)
	}
	return c.pool.ExecuteWithFailover(ctx, poolMaxRetries, func(url string) error {
		cl, err := c.rpcClientFor(ctx, url)
		if err != nil {
			return err
		}
		return fn(cl)
	})
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.withRPC(ctx, func(rpc *ethclient.Client) error {
		var err error
		n, err = rpc.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(errors.CodeTransport, "evm block number", 0, err)
	}
	return n, nil
}

func (c *Client) CodeAt(ctx context.Context, address string) ([]byte, error) {
	var code []byte
	err := c.withRPC(ctx, func(rpc *ethclient.Client) error {
		var err error
		code, err = rpc.CodeAt(ctx, ethcommon.HexToAddress(address), nil)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(errors.CodeTransport, "evm code at", 0, err)
	}
	return code, nil
}

func (c *Client) SubscribeLogs(ctx context.Context, query chain.LogQuery) (<-chan chain.Log, <-chan error, error) {
	filterQuery := ethereum.FilterQuery{
		Addresses: []ethcommon.Address{ethcommon.HexToAddress(query.Address)},
		Topics:    [][]ethcommon.Hash{{ethcommon.Hash(query.EventTopic)}},
		FromBlock: new(big.Int).SetUint64(query.FromBlock),
	}
	raw := make(chan types.Log)
	sub, err := c.rpc.SubscribeFilterLogs(ctx, filterQuery, raw)
	if err != nil {
		return nil, nil, errors.Wrap(errors.CodeTransport, "subscribe evm logs", 0, err)
	}

	out := make(chan chain.Log)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				errs <- errors.Wrap(errors.CodeTransport, "evm log subscription", 0, err)
				return
			case l := <-raw:
				topics := make([][]byte, len(l.Topics))
				for i, t := range l.Topics {
					topics[i] = t.Bytes()
				}
				out <- chain.Log{
					Address:     l.Address.Hex(),
					Topics:      topics,
					Data:        l.Data,
					TxHash:      l.TxHash.Hex(),
					BlockHeight: l.BlockNumber,
					Index:       uint32(l.Index),
				}
			}
		}
	}()
	return out, errs, nil
}

func (c *Client) SubscribeBlocks(ctx context.Context) (<-chan envelope.BlockData, <-chan error, error) {
	raw := make(chan *types.Header)
	sub, err := c.rpc.SubscribeNewHead(ctx, raw)
	if err != nil {
		return nil, nil, errors.Wrap(errors.CodeTransport, "subscribe evm heads", 0, err)
	}
	out := make(chan envelope.BlockData)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				errs <- errors.Wrap(errors.CodeTransport, "evm head subscription", 0, err)
				return
			case h := <-raw:
				out <- envelope.BlockData{Height: h.Number.Uint64(), Time: int64(h.Time)}
			}
		}
	}()
	return out, errs, nil
}

// validateArgs mirrors the service manager's `validate(bytes20 eventId,
// bytes12 ordering, bytes payload, address[] signers, bytes[] signatures,
// uint256 referenceBlock) returns (uint8, uint256, uint256, uint256)` view
// function (see validateReturns).
var validateArgs = ethaccounts.Arguments{
	{Type: mustType("bytes20")},
	{Type: mustType("bytes12")},
	{Type: mustType("bytes")},
	{Type: mustType("address[]")},
	{Type: mustType("bytes[]")},
	{Type: mustType("uint256")},
}

// validateReturns decodes the service manager's quorum-predicate result
// (spec §4.8): a status code plus the three quorum weights, populated when
// the status is evmValidateInsufficientQuorum. Status codes mirror the
// original WavsValidateResult/WavsValidateError enum's variant order.
var validateReturns = ethaccounts.Arguments{
	{Type: mustType("uint8")},
	{Type: mustType("uint256")},
	{Type: mustType("uint256")},
	{Type: mustType("uint256")},
}

var validateSelector = ethcrypto.Keccak256(
	[]byte("validate(bytes20,bytes12,bytes,address[],bytes[],uint256)"),
)[:4]

// Status codes returned by validate()'s first (uint8) return value.
const (
	evmValidateOk                     = 0
	evmValidateInvalidSignatureLength = 1
	evmValidateInvalidSignatureBlock  = 2
	evmValidateInvalidSignatureOrder  = 3
	evmValidateInvalidSignature       = 4
	evmValidateInsufficientQuorum     = 5
	evmValidateInvalidQuorumParams    = 6
)

func evmOutcomeFor(status uint8) chain.ValidateOutcome {
	switch status {
	case evmValidateOk:
		return chain.ValidateOk
	case evmValidateInvalidSignatureLength:
		return chain.ValidateInvalidSignatureLength
	case evmValidateInvalidSignatureBlock:
		return chain.ValidateInvalidSignatureBlock
	case evmValidateInvalidSignatureOrder:
		return chain.ValidateInvalidSignatureOrder
	case evmValidateInsufficientQuorum:
		return chain.ValidateInsufficientQuorum
	case evmValidateInvalidQuorumParams:
		return chain.ValidateInvalidQuorumParams
	default:
		return chain.ValidateInvalidSignature
	}
}

var submitArgs = ethaccounts.Arguments{
	{Type: mustType("bytes20")},
	{Type: mustType("bytes12")},
	{Type: mustType("bytes")},
	{Type: mustType("address[]")},
	{Type: mustType("bytes[]")},
}

var submitSelector = ethcrypto.Keccak256([]byte("submit(bytes20,bytes12,bytes,address[],bytes[])"))[:4]

func mustType(name string) ethaccounts.Type {
	t, err := ethaccounts.NewType(name, "", nil)
	if err != nil {
		panic(fmt.Sprintf("evm client: bad abi type %q: %v", name, err))
	}
	return t
}

func (c *Client) Validate(ctx context.Context, managerAddress string, env envelope.Envelope, sig envelope.SignatureData, referenceBlock uint64) (chain.ValidateResult, error) {
	signers := make([]ethcommon.Address, len(sig.Signers))
	copy(signers, sig.Signers)

	packed, err := validateArgs.Pack(env.EventId, env.Ordering, env.Payload, signers, sig.Signatures, new(big.Int).SetUint64(referenceBlock))
	if err != nil {
		return chain.ValidateResult{}, errors.Wrap(errors.CodeEncodeEnvelope, "pack validate() call", 0, err)
	}
	calldata := append(append([]byte{}, validateSelector...), packed...)

	addr := ethcommon.HexToAddress(managerAddress)
	var result []byte
	callErr := c.withRPC(ctx, func(rpc *ethclient.Client) error {
		var err error
		result, err = rpc.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: calldata}, nil)
		return err
	})
	if callErr != nil {
		return chain.ValidateResult{}, errors.Wrap(errors.CodeTransport, "call validate()", 0, callErr)
	}
	values, err := validateReturns.Unpack(result)
	if err != nil || len(values) != 4 {
		return chain.ValidateResult{}, errors.Wrap(errors.CodeEncodeEnvelope, "unpack validate() result", 0, err)
	}
	status, _ := values[0].(uint8)
	signerWeight, _ := values[1].(*big.Int)
	thresholdWeight, _ := values[2].(*big.Int)
	totalWeight, _ := values[3].(*big.Int)

	vr := chain.ValidateResult{Outcome: evmOutcomeFor(status)}
	if vr.Outcome == chain.ValidateInsufficientQuorum {
		vr.Quorum = chain.QuorumWeights{
			SignerWeight:    weightUint64(signerWeight),
			ThresholdWeight: weightUint64(thresholdWeight),
			TotalWeight:     weightUint64(totalWeight),
		}
	}
	return vr, nil
}

func weightUint64(v *big.Int) uint64 {
	if v == nil {
		return 0
	}
	return v.Uint64()
}

var serviceURIReturns = ethaccounts.Arguments{{Type: mustType("string")}}

var serviceURISelector = ethcrypto.Keccak256([]byte("serviceURI()"))[:4]

// ServiceURI reads the service manager's published service-JSON location.
func (c *Client) ServiceURI(ctx context.Context, managerAddress string) (string, error) {
	addr := ethcommon.HexToAddress(managerAddress)
	var result []byte
	callErr := c.withRPC(ctx, func(rpc *ethclient.Client) error {
		var err error
		result, err = rpc.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: serviceURISelector}, nil)
		return err
	})
	if callErr != nil {
		return "", errors.Wrap(errors.CodeTransport, "call serviceURI()", 0, callErr)
	}
	values, err := serviceURIReturns.Unpack(result)
	if err != nil || len(values) != 1 {
		return "", errors.Wrap(errors.CodeEncodeEnvelope, "unpack serviceURI() result", 0, err)
	}
	uri, _ := values[0].(string)
	return uri, nil
}

func (c *Client) Submit(ctx context.Context, managerAddress string, env envelope.Envelope, sig envelope.SignatureData) (chain.SendResult, error) {
	if c.signer == nil {
		return chain.SendResult{}, errors.New(errors.CodeMissingSigner, "evm client has no signer configured", 0)
	}

	nonce, err := c.nextNonce(ctx)
	if err != nil {
		return chain.SendResult{}, err
	}

	packed, err := submitArgs.Pack(env.EventId, env.Ordering, env.Payload, sig.Signers, sig.Signatures)
	if err != nil {
		return chain.SendResult{}, errors.Wrap(errors.CodeEncodeEnvelope, "pack submit() call", 0, err)
	}
	calldata := append(append([]byte{}, submitSelector...), packed...)

	var chainID *big.Int
	var gasPrice *big.Int
	var gasLimit uint64
	addr := ethcommon.HexToAddress(managerAddress)
	err = c.withRPC(ctx, func(rpc *ethclient.Client) error {
		var err error
		if chainID, err = rpc.NetworkID(ctx); err != nil {
			return err
		}
		if gasPrice, err = rpc.SuggestGasPrice(ctx); err != nil {
			return err
		}
		gasLimit, err = rpc.EstimateGas(ctx, ethereum.CallMsg{From: c.signer.address, To: &addr, Data: calldata})
		return err
	})
	if err != nil {
		return chain.SendResult{}, errors.Wrap(errors.CodeTransport, "prepare submit tx", 0, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &addr,
		Value:    big.NewInt(0),
		Data:     calldata,
	})

	evmSigner := types.LatestSignerForChainID(chainID)
	digest := evmSigner.Hash(tx)
	sig65, err := c.signer.signFn(digest)
	if err != nil {
		return chain.SendResult{}, errors.Wrap(errors.CodeSignFailed, "sign submit tx", 0, err)
	}
	signedTx, err := tx.WithSignature(evmSigner, sig65)
	if err != nil {
		return chain.SendResult{}, errors.Wrap(errors.CodeSignFailed, "attach signature", 0, err)
	}

	if err := c.withRPC(ctx, func(rpc *ethclient.Client) error {
		return rpc.SendTransaction(ctx, signedTx)
	}); err != nil {
		return chain.SendResult{}, errors.Wrap(errors.CodeTransport, "send raw transaction", 0, err)
	}
	return chain.SendResult{TxHash: signedTx.Hash().Hex()}, nil
}

// nextNonce implements §4.3's nonce discipline: fetch the on-chain nonce
// exactly once via compare-and-swap against the sentinel -1, then increment
// a local atomic counter for every subsequent call. Concurrent submissions
// from this process never re-read the nonce.
func (c *Client) nextNonce(ctx context.Context) (uint64, error) {
	if c.nonce.Load() == -1 {
		var pending uint64
		err := c.withRPC(ctx, func(rpc *ethclient.Client) error {
			var err error
			pending, err = rpc.PendingNonceAt(ctx, c.signer.address)
			return err
		})
		if err != nil {
			return 0, errors.Wrap(errors.CodeNonceMismatch, "fetch initial nonce", 0, err)
		}
		if c.nonce.CompareAndSwap(-1, int64(pending)) {
			return pending, nil
		}
		// Lost the race to another caller's initial fetch; fall through to
		// the atomic increment below so this call still gets a fresh nonce.
	}
	return uint64(c.nonce.Add(1)), nil
}

func (c *Client) WatchInclusion(ctx context.Context, txHash string) (uint64, error) {
	hash := ethcommon.HexToHash(txHash)
	for {
		var receipt *types.Receipt
		err := c.withRPC(ctx, func(rpc *ethclient.Client) error {
			var err error
			receipt, err = rpc.TransactionReceipt(ctx, hash)
			return err
		})
		if err == nil {
			return receipt.BlockNumber.Uint64(), nil
		}
		select {
		case <-ctx.Done():
			return 0, errors.Wrap(errors.CodeTransport, "watch inclusion: context done", 0, ctx.Err())
		case <-time.After(watchPollInterval):
		}
	}
}

const watchPollInterval = 2 * time.Second
