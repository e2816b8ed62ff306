package trigger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avs-mesh/wavsnode/internal/envelope"
)

func evmTrigger(chain envelope.ChainKey, addr string) envelope.Trigger {
	return envelope.Trigger{
		Kind: envelope.TriggerEvmContractEvent,
		Evm:  &envelope.EvmContractEvent{Chain: chain, Address: addr, EventHash: [32]byte{1}},
	}
}

func TestLookupTable_AddAndLookupsFor(t *testing.T) {
	tbl := newLookupTable()
	chainKey := envelope.ChainKey{Namespace: "evm", Reference: "1"}
	svc := envelope.ServiceId{1}
	trig := evmTrigger(chainKey, "0xabc")

	id := tbl.add(svc, "default", trig)
	key, ok := logKeyOf(trig)
	require.True(t, ok)

	ids := tbl.lookupsFor(key)
	require.Equal(t, []lookupID{id}, ids)

	sw, ok := tbl.serviceWorkflowOf(id)
	require.True(t, ok)
	require.Equal(t, svc, sw.ServiceId)
	require.Equal(t, envelope.WorkflowId("default"), sw.WorkflowId)
}

func TestLookupTable_TwoWorkflowsShareLogKey(t *testing.T) {
	tbl := newLookupTable()
	chainKey := envelope.ChainKey{Namespace: "evm", Reference: "1"}
	trig := evmTrigger(chainKey, "0xabc")

	id1 := tbl.add(envelope.ServiceId{1}, "a", trig)
	id2 := tbl.add(envelope.ServiceId{2}, "b", trig)

	key, _ := logKeyOf(trig)
	ids := tbl.lookupsFor(key)
	require.ElementsMatch(t, []lookupID{id1, id2}, ids)
}

func TestLookupTable_RemoveServiceIsTransitive(t *testing.T) {
	tbl := newLookupTable()
	chainKey := envelope.ChainKey{Namespace: "evm", Reference: "1"}
	svc := envelope.ServiceId{9}
	trigA := evmTrigger(chainKey, "0xaaa")
	trigB := evmTrigger(chainKey, "0xbbb")

	tbl.add(svc, "a", trigA)
	tbl.add(svc, "b", trigB)
	require.True(t, tbl.hasLogKey(mustKey(trigA)))
	require.True(t, tbl.hasLogKey(mustKey(trigB)))

	removed := tbl.removeService(svc)
	require.Len(t, removed, 2)
	require.False(t, tbl.hasLogKey(mustKey(trigA)))
	require.False(t, tbl.hasLogKey(mustKey(trigB)))
	require.Empty(t, tbl.byService)
}

func mustKey(trig envelope.Trigger) logKey {
	k, _ := logKeyOf(trig)
	return k
}
