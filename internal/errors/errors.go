// Package errors provides the node's unified error taxonomy (§7): a small
// set of Kinds (Validation, Resource, Sandbox, Protocol, Fatal), each with a
// stable Code, carried across subsystem/command-bus boundaries with enough
// context (service/workflow/event/chain) to be actionable in logs.
package errors

import (
	"errors"
	"fmt"
)

// Kind is one of §7's five error categories.
type Kind string

const (
	KindValidation Kind = "validation" // bad id, bad address, bad cron, missing field — never retried
	KindResource   Kind = "resource"   // storage i/o, network transport, nonce mismatch — retried with backoff
	KindSandbox    Kind = "sandbox"    // fuel/deadline/trap/unknown digest — logged, action abandoned
	KindProtocol   Kind = "protocol"   // insufficient quorum, invalid signature/ordering — locally expected
	KindFatal      Kind = "fatal"      // db corruption, disk full, missing signer seed — process may shut down
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	// Validation (3xxx-equivalent)
	CodeInvalidWorkflowId    Code = "VAL_INVALID_WORKFLOW_ID"
	CodeInvalidChainKey      Code = "VAL_INVALID_CHAIN_KEY"
	CodeInvalidAddress       Code = "VAL_INVALID_ADDRESS"
	CodeInvalidEventHash     Code = "VAL_INVALID_EVENT_HASH"
	CodeInvalidCron          Code = "VAL_INVALID_CRON"
	CodeInvalidBlockInterval Code = "VAL_INVALID_BLOCK_INTERVAL"
	CodeInvalidAggregatorURL Code = "VAL_INVALID_AGGREGATOR_URL"
	CodeInvalidEnvKey        Code = "VAL_INVALID_ENV_KEY"
	CodeMissingField         Code = "VAL_MISSING_FIELD"
	CodeDigestMismatch       Code = "VAL_DIGEST_MISMATCH"
	CodeParseEndpoint        Code = "VAL_PARSE_ENDPOINT"

	// Resource (5xxx-equivalent)
	CodeStorageIO      Code = "RES_STORAGE_IO"
	CodeTransport      Code = "RES_TRANSPORT"
	CodeNonceMismatch  Code = "RES_NONCE_MISMATCH"
	CodeNotFound       Code = "RES_NOT_FOUND"
	CodeAlreadyExists  Code = "RES_ALREADY_EXISTS"
	CodeCasConflict    Code = "RES_CAS_CONFLICT"
	CodeEncodeEnvelope Code = "RES_ENCODE_ENVELOPE"

	// Sandbox (6xxx-equivalent)
	CodeFuelExhausted    Code = "SBX_FUEL_EXHAUSTED"
	CodeDeadlineExceeded Code = "SBX_DEADLINE_EXCEEDED"
	CodeComponentTrap    Code = "SBX_COMPONENT_TRAP"
	CodeUnknownDigest    Code = "SBX_UNKNOWN_DIGEST"
	CodeLinkerMismatch   Code = "SBX_LINKER_MISMATCH"
	CodeCapabilityDenied Code = "SBX_CAPABILITY_DENIED"

	// Protocol (7xxx-equivalent)
	CodeInsufficientQuorum     Code = "PROTO_INSUFFICIENT_QUORUM"
	CodeInvalidSignature       Code = "PROTO_INVALID_SIGNATURE"
	CodeInvalidSignatureOrder  Code = "PROTO_INVALID_SIGNATURE_ORDER"
	CodeInvalidSignatureLength Code = "PROTO_INVALID_SIGNATURE_LENGTH"
	CodeInvalidSignatureBlock  Code = "PROTO_INVALID_SIGNATURE_BLOCK"
	CodeInvalidQuorumParams    Code = "PROTO_INVALID_QUORUM_PARAMETERS" // on-chain validate() decoded outcome only; local pack/unpack failures use CodeEncodeEnvelope
	CodeEndTimePassed          Code = "PROTO_END_TIME_PASSED"
	CodeMalformedPacket        Code = "PROTO_MALFORMED_PACKET"
	CodePayloadMismatch        Code = "PROTO_PAYLOAD_MISMATCH"
	CodeMissingSigner          Code = "PROTO_MISSING_SIGNER"
	CodeInvalidSubmitKind      Code = "PROTO_INVALID_SUBMIT_KIND"
	CodeSignFailed             Code = "PROTO_SIGN_FAILED"
	CodeAggregatorPost         Code = "PROTO_AGGREGATOR_POST"

	// Fatal (9xxx-equivalent)
	CodeDatabaseCorruption Code = "FATAL_DATABASE_CORRUPTION"
	CodeDiskFull           Code = "FATAL_DISK_FULL"
	CodeSignerSeedMissing  Code = "FATAL_SIGNER_SEED_MISSING"
)

var codeKind = map[Code]Kind{
	CodeInvalidWorkflowId:    KindValidation,
	CodeInvalidChainKey:      KindValidation,
	CodeInvalidAddress:       KindValidation,
	CodeInvalidEventHash:     KindValidation,
	CodeInvalidCron:          KindValidation,
	CodeInvalidBlockInterval: KindValidation,
	CodeInvalidAggregatorURL: KindValidation,
	CodeInvalidEnvKey:        KindValidation,
	CodeMissingField:         KindValidation,
	CodeDigestMismatch:       KindValidation,
	CodeParseEndpoint:        KindValidation,

	CodeStorageIO:      KindResource,
	CodeTransport:      KindResource,
	CodeNonceMismatch:  KindResource,
	CodeNotFound:       KindResource,
	CodeAlreadyExists:  KindResource,
	CodeCasConflict:    KindResource,
	CodeEncodeEnvelope: KindResource,

	CodeFuelExhausted:    KindSandbox,
	CodeDeadlineExceeded: KindSandbox,
	CodeComponentTrap:    KindSandbox,
	CodeUnknownDigest:    KindSandbox,
	CodeLinkerMismatch:   KindSandbox,
	CodeCapabilityDenied: KindSandbox,

	CodeInsufficientQuorum:     KindProtocol,
	CodeInvalidSignature:       KindProtocol,
	CodeInvalidSignatureOrder:  KindProtocol,
	CodeInvalidSignatureLength: KindProtocol,
	CodeInvalidSignatureBlock:  KindProtocol,
	CodeInvalidQuorumParams:    KindProtocol,
	CodeEndTimePassed:          KindProtocol,
	CodeMalformedPacket:        KindProtocol,
	CodePayloadMismatch:        KindProtocol,
	CodeMissingSigner:          KindProtocol,
	CodeInvalidSubmitKind:      KindProtocol,
	CodeSignFailed:             KindProtocol,
	CodeAggregatorPost:         KindProtocol,

	CodeDatabaseCorruption: KindFatal,
	CodeDiskFull:           KindFatal,
	CodeSignerSeedMissing:  KindFatal,
}

// NodeError is a structured error carrying a stable Code/Kind, a
// human-readable Message, actionable context fields, and an optional wrapped
// cause. The Message is meant to be stable and user-visible; the wrapped Err
// is logged at debug, never surfaced directly (§7 propagation policy).
type NodeError struct {
	Code    Code
	Kind    Kind
	Message string
	Context map[string]any
	Err     error
}

func (e *NodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *NodeError) Unwrap() error { return e.Err }

// WithContext attaches actionable context (service id, workflow id, event
// id, chain) to the error.
func (e *NodeError) WithContext(key string, value any) *NodeError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a NodeError of the Kind implied by code. httpStatus is not
// stored; the admin API derives response codes from Kind.
func New(code Code, message string, httpStatus int) *NodeError {
	return &NodeError{Code: code, Kind: codeKind[code], Message: message}
}

// Wrap creates a NodeError wrapping an underlying cause.
func Wrap(code Code, message string, httpStatus int, err error) *NodeError {
	return &NodeError{Code: code, Kind: codeKind[code], Message: message, Err: err}
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne.Code == code
	}
	return false
}

// KindOf extracts the Kind of an error, or "" if it is not a NodeError.
func KindOf(err error) Kind {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne.Kind
	}
	return ""
}

// Retryable reports whether the error's Kind is one §7 says should be
// retried with bounded backoff (Resource only; Protocol's "insufficient
// quorum" is a wait, not a retry, and is handled by the aggregator directly).
func Retryable(err error) bool {
	return KindOf(err) == KindResource
}
