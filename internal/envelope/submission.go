package envelope

import (
	"bytes"
	"sort"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// SignatureData is the ascending-by-address, zip-aligned signer/signature
// pair the on-chain service manager validates (testable property 3).
type SignatureData struct {
	Signers    []ethcommon.Address `json:"signers"`
	Signatures [][]byte            `json:"signatures"`
}

// NewSignatureData sorts signer/signature pairs ascending by numeric address
// and returns them zipped, satisfying testable property 3.
func NewSignatureData(signers []ethcommon.Address, signatures [][]byte) SignatureData {
	n := len(signers)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		return bytes.Compare(signers[idx[a]].Bytes(), signers[idx[b]].Bytes()) < 0
	})
	out := SignatureData{
		Signers:    make([]ethcommon.Address, n),
		Signatures: make([][]byte, n),
	}
	for pos, i := range idx {
		out.Signers[pos] = signers[i]
		out.Signatures[pos] = signatures[i]
	}
	return out
}

// Add inserts a new (signer, signature) pair, re-sorting to keep the
// ascending-address invariant. Used by the aggregator as packets arrive.
func (sd SignatureData) Add(signer ethcommon.Address, signature []byte) SignatureData {
	signers := append(append([]ethcommon.Address{}, sd.Signers...), signer)
	sigs := append(append([][]byte{}, sd.Signatures...), signature)
	return NewSignatureData(signers, sigs)
}

// IsSorted reports whether Signers is strictly ascending, aligned with
// Signatures — the invariant testable property 3 checks.
func (sd SignatureData) IsSorted() bool {
	if len(sd.Signers) != len(sd.Signatures) {
		return false
	}
	for i := 1; i < len(sd.Signers); i++ {
		if bytes.Compare(sd.Signers[i-1].Bytes(), sd.Signers[i].Bytes()) >= 0 {
			return false
		}
	}
	return true
}

// OperatorResponse is the raw output of a workflow component execution,
// handed from the engine to the submission manager.
type OperatorResponse struct {
	Payload  []byte `json:"payload"`
	Ordering *uint64 `json:"ordering,omitempty"`
}

// Submission is the atomic message flowing from an operator to the
// aggregator.
type Submission struct {
	TriggerAction      TriggerAction `json:"trigger_action"`
	OperatorResponse   OperatorResponse `json:"operator_response"`
	EventId            [20]byte      `json:"event_id"`
	Envelope           Envelope      `json:"envelope"`
	EnvelopeSignature  []byte        `json:"envelope_signature"`
	OriginTxHash       string        `json:"origin_tx_hash,omitempty"`
	OriginBlock        uint64        `json:"origin_block,omitempty"`
}

// Packet extends Submission with the full service snapshot, for transport to
// an aggregator over HTTP.
type Packet struct {
	Submission
	Service    ServiceSnapshot `json:"service"`
	WorkflowId WorkflowId      `json:"workflow_id"`
}

// ServiceSnapshot is the minimal service view a Packet carries: enough for
// the aggregator to resolve the submit target and the on-chain service
// manager binding without a registry round-trip.
type ServiceSnapshot struct {
	Id      ServiceId `json:"id"`
	Name    string    `json:"name"`
	Manager ServiceManagerRef `json:"manager"`
}

// ServiceManagerRef points at the on-chain contract holding quorum logic.
type ServiceManagerRef struct {
	Chain   ChainKey `json:"chain"`
	Address string   `json:"address"`
}

// QueueKey groups Packets for accumulation: (event_id, workflow_id, submit_target).
type QueueKey struct {
	EventId     [20]byte
	WorkflowId  WorkflowId
	SubmitTarget string
}
