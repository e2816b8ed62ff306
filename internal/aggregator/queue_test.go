package aggregator

import (
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/avs-mesh/wavsnode/internal/envelope"
)

func TestGroup_AddSignerDedupes(t *testing.T) {
	g := newGroup(envelope.QueueKey{})
	addr := ethcommon.HexToAddress("0xaaa")

	require.True(t, g.addSigner(addr, []byte("sig1")))
	require.False(t, g.addSigner(addr, []byte("sig1-again")))
	require.Equal(t, 1, g.signerCount())
}

func TestGroup_AddSignerAccumulatesDistinct(t *testing.T) {
	g := newGroup(envelope.QueueKey{})
	require.True(t, g.addSigner(ethcommon.HexToAddress("0x01"), []byte("a")))
	require.True(t, g.addSigner(ethcommon.HexToAddress("0x02"), []byte("b")))
	require.Equal(t, 2, g.signerCount())
	require.True(t, g.sig.IsSorted())
}
