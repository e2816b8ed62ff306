// Package aggregator implements the aggregator (C8): packet accumulation by
// queue key, quorum validation against the on-chain service manager, the
// WASM aggregator component callback protocol, and at-most-once submission.
package aggregator

import (
	"fmt"
	"sync"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/avs-mesh/wavsnode/internal/envelope"
)

// queueKeyString renders a QueueKey as a stable map/bucket key.
func queueKeyString(k envelope.QueueKey) string {
	return fmt.Sprintf("%x:%s:%s", k.EventId, k.WorkflowId, k.SubmitTarget)
}

// group accumulates signatures for one queue key. Access is serialized by
// the owning Manager's txkey.Registry, so group itself carries no lock of
// its own beyond what's needed for direct field reads outside that section.
type group struct {
	key envelope.QueueKey

	mu          sync.Mutex
	env         *envelope.Envelope
	payload     []byte
	originBlock uint64
	sig         envelope.SignatureData
	seen        map[ethcommon.Address]struct{}
	submitted   bool
	parked      bool
	retries     int
	timerSeq    uint64
}

func newGroup(key envelope.QueueKey) *group {
	return &group{key: key, seen: make(map[ethcommon.Address]struct{})}
}

// addSigner reports whether signer was newly added (false if already seen,
// i.e. a duplicate packet from the same operator).
func (g *group) addSigner(signer ethcommon.Address, signature []byte) bool {
	if _, ok := g.seen[signer]; ok {
		return false
	}
	g.seen[signer] = struct{}{}
	g.sig = g.sig.Add(signer, signature)
	return true
}

func (g *group) signerCount() int {
	return len(g.seen)
}
