package chain

import (
	"context"

	"github.com/avs-mesh/wavsnode/internal/envelope"
	"github.com/avs-mesh/wavsnode/internal/errors"
)

// LogQuery describes a subscription filter for contract event logs.
type LogQuery struct {
	Address    string
	EventTopic [32]byte
	FromBlock  uint64
}

// Log is one matched on-chain log entry, chain-agnostic at this layer; the
// evm/cosmos clients populate envelope.EvmLogData/CosmosEventData from it.
type Log struct {
	Address     string
	Topics      [][]byte
	Data        []byte
	TxHash      string
	BlockHeight uint64
	Index       uint32
}

// SendResult is the outcome of submitting a signed transaction.
type SendResult struct {
	TxHash string
}

// ValidateOutcome is the service manager's on-chain quorum predicate result
// (spec §4.8): Ok means the aggregator should submit; InsufficientQuorum
// means wait for more signatures; every other variant is a permanently
// fatal protocol failure the aggregator reports and abandons the group for.
type ValidateOutcome string

const (
	ValidateOk                     ValidateOutcome = "ok"
	ValidateInsufficientQuorum     ValidateOutcome = "insufficient_quorum"
	ValidateInvalidSignature       ValidateOutcome = "invalid_signature"
	ValidateInvalidSignatureOrder  ValidateOutcome = "invalid_signature_order"
	ValidateInvalidSignatureLength ValidateOutcome = "invalid_signature_length"
	ValidateInvalidSignatureBlock  ValidateOutcome = "invalid_signature_block"
	ValidateInvalidQuorumParams    ValidateOutcome = "invalid_quorum_parameters"
)

// QuorumWeights carries the signer/threshold/total weights the service
// manager reports alongside an InsufficientQuorum outcome.
type QuorumWeights struct {
	SignerWeight    uint64
	ThresholdWeight uint64
	TotalWeight     uint64
}

// ValidateResult is Client.Validate's typed result: the decoded outcome plus
// the quorum weights, populated only when Outcome is ValidateInsufficientQuorum.
type ValidateResult struct {
	Outcome ValidateOutcome
	Quorum  QuorumWeights
}

// Code maps a non-Ok ValidateResult to the §7 Protocol error code the
// aggregator should surface when it abandons the group.
func (r ValidateResult) Code() errors.Code {
	switch r.Outcome {
	case ValidateInsufficientQuorum:
		return errors.CodeInsufficientQuorum
	case ValidateInvalidSignature:
		return errors.CodeInvalidSignature
	case ValidateInvalidSignatureOrder:
		return errors.CodeInvalidSignatureOrder
	case ValidateInvalidSignatureLength:
		return errors.CodeInvalidSignatureLength
	case ValidateInvalidSignatureBlock:
		return errors.CodeInvalidSignatureBlock
	case ValidateInvalidQuorumParams:
		return errors.CodeInvalidQuorumParams
	default:
		return errors.CodeInvalidSignature
	}
}

// Client is the capability set the trigger manager, submission manager, and
// aggregator need from a configured chain, independent of whether it backs
// onto EVM or Cosmos (C3). Each variant's concrete client
// (chain/evm.Client, chain/cosmos.Client) implements this.
type Client interface {
	Chain() envelope.ChainKey

	// BlockNumber returns the current chain height.
	BlockNumber(ctx context.Context) (uint64, error)

	// CodeAt returns the bytecode deployed at address, used to confirm a
	// service manager contract actually exists before binding to it.
	CodeAt(ctx context.Context, address string) ([]byte, error)

	// SubscribeLogs streams logs matching query until ctx is done or the
	// returned channel is drained and closed on error.
	SubscribeLogs(ctx context.Context, query LogQuery) (<-chan Log, <-chan error, error)

	// SubscribeBlocks streams block heights/timestamps as they are produced.
	SubscribeBlocks(ctx context.Context) (<-chan envelope.BlockData, <-chan error, error)

	// Validate performs the on-chain quorum check (aggregator's C8 gate):
	// does signersData satisfy the service manager's quorum requirement for
	// this envelope, as of referenceBlock? The returned ValidateResult
	// distinguishes Ok / InsufficientQuorum / the non-quorum Protocol
	// failures listed in §4.8, so the caller can apply §7's differentiated
	// handling instead of collapsing the on-chain outcome to a bool. The
	// returned error is reserved for local/transport failures (encode,
	// RPC) unrelated to the decoded on-chain outcome.
	Validate(ctx context.Context, managerAddress string, env envelope.Envelope, sig envelope.SignatureData, referenceBlock uint64) (ValidateResult, error)

	// Submit signs and sends a transaction carrying the envelope and
	// signatures to the service manager contract, returning the tx hash
	// immediately; inclusion is not awaited here (see WatchInclusion).
	Submit(ctx context.Context, managerAddress string, env envelope.Envelope, sig envelope.SignatureData) (SendResult, error)

	// WatchInclusion blocks until txHash is included in a block (or ctx is
	// done), returning the including block height.
	WatchInclusion(ctx context.Context, txHash string) (uint64, error)

	// ServiceURI reads the service manager's published service-JSON
	// location (IWavsServiceManager.setServiceURI's corresponding getter),
	// used by the admin API's POST /app to fetch a service definition from
	// an on-chain reference rather than requiring the caller to paste it in.
	ServiceURI(ctx context.Context, managerAddress string) (string, error)
}
