package envelope

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // required for §3's EventId derivation

	ethaccounts "github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Envelope is the canonical, signable representation of a component's result.
type Envelope struct {
	EventId  [20]byte `json:"event_id"`
	Ordering [12]byte `json:"ordering"`
	Payload  []byte   `json:"payload"`
}

// DeriveEventId computes EventId = RIPEMD160(service_digest ‖ encoded(trigger_action)).
// Identical inputs on any node produce identical 20 bytes (testable property 1).
func DeriveEventId(service ServiceId, action TriggerAction) ([20]byte, error) {
	encoded, err := action.Canonical()
	if err != nil {
		return [20]byte{}, fmt.Errorf("encode trigger action: %w", err)
	}
	h := ripemd160.New()
	h.Write(service[:])
	h.Write(encoded)
	sum := h.Sum(nil)
	var out [20]byte
	copy(out[:], sum)
	return out, nil
}

// NewEnvelope builds an Envelope from a service/trigger-action pair and a
// component's raw response payload. `ordering` is the response's declared
// ordering value (0 if the component did not specify one); it is encoded as a
// 12-byte big-endian integer with the low 8 bytes carrying the value.
func NewEnvelope(service ServiceId, action TriggerAction, ordering uint64, payload []byte) (Envelope, error) {
	eventID, err := DeriveEventId(service, action)
	if err != nil {
		return Envelope{}, err
	}
	var ord [12]byte
	binary.BigEndian.PutUint64(ord[4:], ordering)
	return Envelope{EventId: eventID, Ordering: ord, Payload: payload}, nil
}

// abiTupleArgs describes the Solidity-compatible (bytes20, bytes12, bytes)
// tuple used to encode an Envelope for signing.
var abiTupleArgs = ethaccounts.Arguments{
	{Type: mustABIType("bytes20")},
	{Type: mustABIType("bytes12")},
	{Type: mustABIType("bytes")},
}

func mustABIType(name string) ethaccounts.Type {
	t, err := ethaccounts.NewType(name, "", nil)
	if err != nil {
		panic(fmt.Sprintf("envelope: bad abi type %q: %v", name, err))
	}
	return t
}

// Encode returns the Solidity-compatible ABI encoding of
// (bytes20 eventId, bytes12 ordering, bytes payload).
func (e Envelope) Encode() ([]byte, error) {
	return abiTupleArgs.Pack(e.EventId, e.Ordering, e.Payload)
}

// SignatureAlgorithm identifies the signing algorithm for a SignatureKind.
type SignatureAlgorithm string

const AlgorithmSecp256k1 SignatureAlgorithm = "secp256k1"

// SignaturePrefix selects the hash-wrapping applied before signing.
type SignaturePrefix string

const (
	PrefixNone   SignaturePrefix = "none"
	PrefixEip191 SignaturePrefix = "eip191"
)

// SignatureKind determines the exact bytes hashed before signing.
type SignatureKind struct {
	Algorithm SignatureAlgorithm `json:"algorithm"`
	Prefix    SignaturePrefix    `json:"prefix"`
}

// DigestHash returns the keccak256 digest that gets signed, applying the
// EIP-191 personal-message wrapper on top of keccak256(encoded) when
// Prefix == PrefixEip191.
func (k SignatureKind) DigestHash(e Envelope) ([32]byte, error) {
	if k.Algorithm != AlgorithmSecp256k1 {
		return [32]byte{}, fmt.Errorf("invalid_submit_kind: unsupported algorithm %q", k.Algorithm)
	}
	encoded, err := e.Encode()
	if err != nil {
		return [32]byte{}, fmt.Errorf("encode envelope: %w", err)
	}
	inner := ethcrypto.Keccak256(encoded)

	switch k.Prefix {
	case PrefixNone, "":
		var out [32]byte
		copy(out[:], inner)
		return out, nil
	case PrefixEip191:
		wrapped := ethcrypto.Keccak256(
			[]byte("\x19Ethereum Signed Message:\n32"),
			inner,
		)
		var out [32]byte
		copy(out[:], wrapped)
		return out, nil
	default:
		return [32]byte{}, fmt.Errorf("invalid_submit_kind: unsupported prefix %q", k.Prefix)
	}
}

// Sign signs the envelope's digest with a secp256k1 private key, returning a
// 65-byte [R || S || V] signature.
func Sign(e Envelope, kind SignatureKind, priv *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := kind.DigestHash(e)
	if err != nil {
		return nil, err
	}
	sig, err := ethcrypto.Sign(digest[:], priv)
	if err != nil {
		return nil, fmt.Errorf("sign_failed: %w", err)
	}
	return sig, nil
}

// RecoverAddress recovers the signer address from an envelope signature,
// used by testable property 2's round-trip check and by operators
// self-verifying their own submissions before posting.
func RecoverAddress(e Envelope, kind SignatureKind, sig []byte) (ethcommon.Address, error) {
	digest, err := kind.DigestHash(e)
	if err != nil {
		return ethcommon.Address{}, err
	}
	pub, err := ethcrypto.SigToPub(digest[:], sig)
	if err != nil {
		return ethcommon.Address{}, fmt.Errorf("recover address: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
