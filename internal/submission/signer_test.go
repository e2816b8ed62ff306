package submission

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"

	"github.com/avs-mesh/wavsnode/internal/envelope"
	"github.com/avs-mesh/wavsnode/internal/kvstore"
)

func testMnemonic(t *testing.T) string {
	t.Helper()
	entropy, err := bip39.NewEntropy(128)
	require.NoError(t, err)
	mnemonic, err := bip39.NewMnemonic(entropy)
	require.NoError(t, err)
	return mnemonic
}

func testKeyStore(t *testing.T) *KeyStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kv.db")
	store, err := kvstore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bkt, err := store.Namespace("signer").Open("hd_index")
	require.NoError(t, err)

	ks, err := NewKeyStore(testMnemonic(t), "", bkt)
	require.NoError(t, err)
	return ks
}

func TestNewKeyStore_RejectsInvalidMnemonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	store, err := kvstore.Open(path)
	require.NoError(t, err)
	defer store.Close()
	bkt, err := store.Namespace("signer").Open("hd_index")
	require.NoError(t, err)

	_, err = NewKeyStore("not a valid mnemonic at all", "", bkt)
	require.Error(t, err)
}

func TestKeyStore_DerivesStableAddressPerService(t *testing.T) {
	ks := testKeyStore(t)
	svc := envelope.ServiceId{1, 2, 3}

	priv1, err := ks.PrivateKeyFor(svc)
	require.NoError(t, err)
	priv2, err := ks.PrivateKeyFor(svc)
	require.NoError(t, err)
	require.Equal(t, priv1.D, priv2.D)
}

func TestKeyStore_DistinctServicesGetDistinctKeys(t *testing.T) {
	ks := testKeyStore(t)
	svcA := envelope.ServiceId{1}
	svcB := envelope.ServiceId{2}

	privA, err := ks.PrivateKeyFor(svcA)
	require.NoError(t, err)
	privB, err := ks.PrivateKeyFor(svcB)
	require.NoError(t, err)
	require.NotEqual(t, privA.D, privB.D)
}

func TestKeyStore_SurvivesCacheEviction(t *testing.T) {
	ks := testKeyStore(t)
	svc := envelope.ServiceId{9, 9}

	priv1, err := ks.PrivateKeyFor(svc)
	require.NoError(t, err)

	// Simulate a restart: fresh KeyStore, same underlying bucket, same
	// master seed is NOT available here (by construction this test reuses
	// ks), but indexFor must still be idempotent across repeated calls.
	delete(ks.cache, svc)
	priv2, err := ks.PrivateKeyFor(svc)
	require.NoError(t, err)
	require.Equal(t, priv1.D, priv2.D)
}
