package envelope

import (
	"crypto/ecdsa"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func testAction() TriggerAction {
	return TriggerAction{
		Config: TriggerConfig{
			ServiceId:  ServiceId{1, 2, 3},
			WorkflowId: DefaultWorkflowId,
			Trigger:    Trigger{Kind: TriggerManual},
		},
		Data: TriggerData{Kind: TriggerDataRaw, Raw: []byte("hello")},
	}
}

func TestDeriveEventId_Deterministic(t *testing.T) {
	svc := ServiceId{9, 9, 9}
	action := testAction()

	a, err := DeriveEventId(svc, action)
	require.NoError(t, err)
	b, err := DeriveEventId(svc, action)
	require.NoError(t, err)
	require.Equal(t, a, b, "identical (service, trigger_action) must yield identical event_id on any node")
}

func TestDeriveEventId_SensitiveToService(t *testing.T) {
	action := testAction()
	a, err := DeriveEventId(ServiceId{1}, action)
	require.NoError(t, err)
	b, err := DeriveEventId(ServiceId{2}, action)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func genKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return priv
}

func TestSignRecoverRoundTrip(t *testing.T) {
	for _, prefix := range []SignaturePrefix{PrefixNone, PrefixEip191} {
		prefix := prefix
		t.Run(string(prefix), func(t *testing.T) {
			priv := genKey(t)
			wantAddr := ethcrypto.PubkeyToAddress(priv.PublicKey)

			env, err := NewEnvelope(ServiceId{1}, testAction(), 7, []byte("payload"))
			require.NoError(t, err)

			kind := SignatureKind{Algorithm: AlgorithmSecp256k1, Prefix: prefix}
			sig, err := Sign(env, kind, priv)
			require.NoError(t, err)

			got, err := RecoverAddress(env, kind, sig)
			require.NoError(t, err)
			require.Equal(t, wantAddr, got)
		})
	}
}

func TestSignatureData_SortedAndAligned(t *testing.T) {
	addrs := []ethcommon.Address{
		ethcommon.HexToAddress("0xffffffffffffffffffffffffffffffffffffffff"),
		ethcommon.HexToAddress("0x0000000000000000000000000000000000000001"),
		ethcommon.HexToAddress("0x8000000000000000000000000000000000000000"),
	}
	sigs := [][]byte{[]byte("z"), []byte("a"), []byte("m")}

	sd := NewSignatureData(addrs, sigs)
	require.True(t, sd.IsSorted())

	// signer at index 0 pre-sort (the "z" sig, highest address) must land last.
	require.Equal(t, []byte("z"), sd.Signatures[len(sd.Signatures)-1])
	require.Equal(t, []byte("a"), sd.Signatures[0])
}

func TestSignatureData_Add_KeepsSorted(t *testing.T) {
	sd := NewSignatureData(nil, nil)
	sd = sd.Add(ethcommon.HexToAddress("0x02"), []byte("s2"))
	sd = sd.Add(ethcommon.HexToAddress("0x01"), []byte("s1"))
	sd = sd.Add(ethcommon.HexToAddress("0x03"), []byte("s3"))
	require.True(t, sd.IsSorted())
	require.Equal(t, []byte("s1"), sd.Signatures[0])
	require.Equal(t, []byte("s3"), sd.Signatures[2])
}

func TestChainKey_ParseAndValidate(t *testing.T) {
	ck, err := ParseChainKey("evm:1")
	require.NoError(t, err)
	require.Equal(t, "evm", ck.Namespace)
	require.Equal(t, "1", ck.Reference)
	require.Equal(t, "evm:1", ck.String())

	_, err = ParseChainKey("EVM:1")
	require.Error(t, err, "namespace must be lowercase")

	_, err = ParseChainKey("no-colon-here")
	require.Error(t, err)
}

func TestWorkflowId_Validate(t *testing.T) {
	require.NoError(t, WorkflowId("default").Validate())
	require.NoError(t, WorkflowId("my-workflow_1").Validate())
	require.Error(t, WorkflowId("ab").Validate(), "too short")
	require.Error(t, WorkflowId("Has-Upper").Validate(), "uppercase not allowed")
}
