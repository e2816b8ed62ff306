// Package envelope implements the binary+JSON packet/envelope data model:
// ServiceId/WorkflowId/ChainKey identifiers, the Envelope itself, event-id
// derivation, and the Solidity-compatible encoding used for signing.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
)

// ServiceId is a 20-byte content digest derived from a service's normalized
// representation. Changing any workflow changes the id.
type ServiceId [20]byte

func (id ServiceId) String() string {
	return fmt.Sprintf("%x", id[:])
}

// ParseServiceId parses a hex-encoded 20-byte service id, the form returned
// by ServiceId.String and accepted back in GET /service-by-hash/{hash}.
func ParseServiceId(hexStr string) (ServiceId, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return ServiceId{}, fmt.Errorf("service id %q: invalid hex: %w", hexStr, err)
	}
	if len(b) != 20 {
		return ServiceId{}, fmt.Errorf("service id %q: expected 20 bytes, got %d", hexStr, len(b))
	}
	var id ServiceId
	copy(id[:], b)
	return id, nil
}

// DeriveServiceId computes the content digest of a service's canonical bytes.
// The digest is the first 20 bytes of SHA-256, matching the 20-byte identifier
// width used for EventId and EVM addresses throughout the data model.
func DeriveServiceId(canonical []byte) ServiceId {
	sum := sha256.Sum256(canonical)
	var id ServiceId
	copy(id[:], sum[:20])
	return id
}

var workflowIDPattern = regexp.MustCompile(`^[a-z0-9_-]{3,36}$`)

// WorkflowId is an opaque human string, validated against §3's pattern.
type WorkflowId string

// DefaultWorkflowId is the one reserved workflow id every service may define
// at most once.
const DefaultWorkflowId WorkflowId = "default"

// Validate checks the workflow id against the `^[a-z0-9_-]{3,36}$` pattern.
func (w WorkflowId) Validate() error {
	if !workflowIDPattern.MatchString(string(w)) {
		return fmt.Errorf("workflow id %q: must match ^[a-z0-9_-]{3,36}$", string(w))
	}
	return nil
}

var (
	chainNamespacePattern = regexp.MustCompile(`^[-a-z0-9]{1,32}$`)
	chainReferencePattern = regexp.MustCompile(`^[-_a-zA-Z0-9]{1,32}$`)
)

// ChainKey is `namespace:reference`, e.g. "evm:1" or "cosmos:layer".
type ChainKey struct {
	Namespace string
	Reference string
}

// ParseChainKey parses and validates a "namespace:reference" string.
func ParseChainKey(s string) (ChainKey, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			ns, ref := s[:i], s[i+1:]
			ck := ChainKey{Namespace: ns, Reference: ref}
			if err := ck.Validate(); err != nil {
				return ChainKey{}, err
			}
			return ck, nil
		}
	}
	return ChainKey{}, fmt.Errorf("chain key %q: missing ':' separator", s)
}

// Validate checks namespace/reference against their respective patterns.
func (c ChainKey) Validate() error {
	if !chainNamespacePattern.MatchString(c.Namespace) {
		return fmt.Errorf("chain key namespace %q: must match ^[-a-z0-9]{1,32}$", c.Namespace)
	}
	if !chainReferencePattern.MatchString(c.Reference) {
		return fmt.Errorf("chain key reference %q: must match ^[-_a-zA-Z0-9]{1,32}$", c.Reference)
	}
	return nil
}

func (c ChainKey) String() string {
	return c.Namespace + ":" + c.Reference
}

// ComponentDigest is the 32-byte hash of raw WASM bytes.
type ComponentDigest [32]byte

func (d ComponentDigest) String() string {
	return fmt.Sprintf("%x", d[:])
}

// ParseComponentDigest parses a hex-encoded 32-byte digest.
func ParseComponentDigest(hexStr string) (ComponentDigest, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return ComponentDigest{}, fmt.Errorf("component digest %q: invalid hex: %w", hexStr, err)
	}
	if len(b) != 32 {
		return ComponentDigest{}, fmt.Errorf("component digest %q: expected 32 bytes, got %d", hexStr, len(b))
	}
	var d ComponentDigest
	copy(d[:], b)
	return d, nil
}
